package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"

	"draftline/internal/config"
	"draftline/internal/db"
	"draftline/internal/engine"
	"draftline/internal/executor"
	"draftline/internal/migrate"
)

type stubInvoker struct {
	mu       sync.Mutex
	calls    int
	issueSeq int
}

func (s *stubInvoker) Execute(ctx context.Context, tool string, arguments map[string]any, accountScope string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if tool == executor.ToolCreateIssue {
		s.issueSeq++
		return json.RawMessage(fmt.Sprintf(`{"id":"issue-%d"}`, s.issueSeq)), nil
	}
	return json.RawMessage(`{}`), nil
}

type testServer struct {
	URL     string
	Invoker *stubInvoker
	client  *http.Client
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	inv := &stubInvoker{}
	e := engine.New(conn, config.Default(), inv)
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{AllowLegacyActorHeader: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:     "http://" + ln.Addr().String(),
		Invoker: inv,
		client:  &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asAlice() map[string]string { return map[string]string{"X-Actor-Id": "alice"} }

func createStageDraft(t *testing.T, srv *testServer) DraftResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/drafts", map[string]any{
		"channel_id": "chan-1",
		"summary":    "move rec-1 to won",
		"actions": []map[string]any{{
			"kind": "set_record_stage",
			"set_record_stage": map[string]any{
				"record_id":   "rec-1",
				"stage_label": "won",
			},
		}},
	}, asAlice())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create draft status %d: %s", res.StatusCode, string(data))
	}
	var created DraftResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal draft: %v", err)
	}
	return created
}

func TestDraftApplyLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := createStageDraft(t, srv)
	if created.Status != "DRAFT" {
		t.Fatalf("expected DRAFT, got %s", created.Status)
	}
	if len(created.Preview) != 1 {
		t.Fatalf("expected a preview line, got %v", created.Preview)
	}

	applyURL := srv.URL + "/v0/drafts/" + created.ID + "/apply"
	res, data := doJSON(t, client, http.MethodPost, applyURL, map[string]any{
		"confirmation_event_id": "evt-1",
	}, asAlice())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("apply status %d: %s", res.StatusCode, string(data))
	}
	var applied ApplyResponse
	if err := json.Unmarshal(data, &applied); err != nil {
		t.Fatalf("unmarshal apply: %v", err)
	}
	if applied.Status != "applied" || applied.Draft.Status != "APPLIED" {
		t.Fatalf("unexpected apply response: %s", string(data))
	}

	// redelivery of the same confirmation is a success, not an error
	res, data = doJSON(t, client, http.MethodPost, applyURL, map[string]any{
		"confirmation_event_id": "evt-1",
	}, asAlice())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("redelivered apply status %d: %s", res.StatusCode, string(data))
	}
	var redelivered ApplyResponse
	_ = json.Unmarshal(data, &redelivered)
	if redelivered.Status != "already_applied" {
		t.Fatalf("expected already_applied, got %s", string(data))
	}
	if srv.Invoker.calls != 1 {
		t.Fatalf("expected 1 tool call, got %d", srv.Invoker.calls)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/drafts/"+created.ID+"/attempts", nil, asAlice())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("attempts status %d: %s", res.StatusCode, string(data))
	}
	var attempts []AttemptResponse
	if err := json.Unmarshal(data, &attempts); err != nil {
		t.Fatalf("unmarshal attempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(attempts))
	}
}

func TestApplyByNonAuthorRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	created := createStageDraft(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/drafts/"+created.ID+"/apply", map[string]any{
		"confirmation_event_id": "evt-1",
	}, map[string]string{"X-Actor-Id": "mallory"})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "not_draft_author" {
		t.Fatalf("expected not_draft_author, got %s", string(data))
	}
	if srv.Invoker.calls != 0 {
		t.Fatalf("rejected apply reached the tool")
	}
}

func TestConfirmationsAlwaysAcknowledge(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// unknown draft still gets a 200 with the failure in the body
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/confirmations", map[string]any{
		"draft_id": "missing",
		"action":   "apply",
	}, asAlice())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.StatusCode, string(data))
	}
	var ack ConfirmationAck
	if err := json.Unmarshal(data, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.OK || ack.Error == nil || ack.Error.Code != "draft_not_found" {
		t.Fatalf("unexpected ack: %s", string(data))
	}

	created := createStageDraft(t, srv)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/confirmations", map[string]any{
		"draft_id":              created.ID,
		"action":                "apply",
		"confirmation_event_id": "tg-upd-77",
	}, asAlice())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirm status %d: %s", res.StatusCode, string(data))
	}
	ack = ConfirmationAck{}
	_ = json.Unmarshal(data, &ack)
	if !ack.OK || ack.Outcome != "applied" {
		t.Fatalf("unexpected confirm ack: %s", string(data))
	}

	// redelivery of the same update id
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/confirmations", map[string]any{
		"draft_id":              created.ID,
		"action":                "apply",
		"confirmation_event_id": "tg-upd-77",
	}, asAlice())
	ack = ConfirmationAck{}
	_ = json.Unmarshal(data, &ack)
	if res.StatusCode != http.StatusOK || !ack.OK || ack.Outcome != "already_applied" {
		t.Fatalf("unexpected redelivery ack (%d): %s", res.StatusCode, string(data))
	}
}

func TestCancelConfirmation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := createStageDraft(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/confirmations", map[string]any{
		"draft_id": created.ID,
		"action":   "cancel",
	}, asAlice())
	var ack ConfirmationAck
	_ = json.Unmarshal(data, &ack)
	if res.StatusCode != http.StatusOK || !ack.OK || ack.Outcome != "cancelled" {
		t.Fatalf("unexpected cancel ack (%d): %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/drafts/"+created.ID, nil, asAlice())
	var d DraftResponse
	_ = json.Unmarshal(data, &d)
	if res.StatusCode != http.StatusOK || d.Status != "CANCELLED" {
		t.Fatalf("expected CANCELLED, got %s", string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/drafts", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", res.StatusCode)
	}
}

func TestAuditTailEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := createStageDraft(t, srv)
	_, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/drafts/"+created.ID+"/apply", map[string]any{
		"confirmation_event_id": "evt-1",
	}, asAlice())

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/audit?draft_id="+created.ID, nil, asAlice())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit status %d: %s", res.StatusCode, string(data))
	}
	var entries []AuditEntryResponse
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal audit: %v", err)
	}
	seen := map[string]bool{}
	for _, e := range entries {
		seen[e.EventType] = true
	}
	if !seen["draft.created"] || !seen["draft.apply.succeeded"] {
		t.Fatalf("missing audit events: %s", string(data))
	}
}
