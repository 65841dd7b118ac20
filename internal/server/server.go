package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"draftline/internal/engine"
	"draftline/internal/fault"
	"draftline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"draft_expired"`
	Message string         `json:"message" example:"draft has expired; create a new one"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Draftline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Draftline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDrafts(group, cfg.Engine)
	registerConfirmations(group, cfg.Engine)
	registerAttempts(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine faults to the HTTP envelope. USER_INPUT is the
// caller's problem, UPSTREAM is the tool boundary's, everything else is
// internal.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		details := map[string]any{"category": string(fe.Category), "retryable": fe.Retryable}
		switch fe.Category {
		case fault.UserInput:
			return newAPIError(http.StatusUnprocessableEntity, fe.Code, fe.Message, details)
		case fault.Config:
			return newAPIError(http.StatusInternalServerError, fe.Code, fe.Message, details)
		case fault.Upstream:
			return newAPIError(http.StatusBadGateway, fe.Code, fe.Message, details)
		default:
			return newAPIError(http.StatusInternalServerError, fe.Code, fe.Message, details)
		}
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerDrafts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-draft",
		Method:        http.MethodPost,
		Path:          "/drafts",
		Summary:       "Propose a draft",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateDraftRequest `json:"body"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ChannelID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "channel_id is required", nil)
		}
		var ttl = e.Config.DraftTTL()
		if input.Body.TTLMinutes > 0 {
			ttl = minutes(input.Body.TTLMinutes)
		}
		d, err := e.CreateDraft(ctx, engine.DraftCreateOptions{
			AuthorID:  actorID,
			ChannelID: input.Body.ChannelID,
			Summary:   input.Body.Summary,
			Actions:   input.Body.Actions,
			TTL:       ttl,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-drafts",
		Method:      http.MethodGet,
		Path:        "/drafts",
		Summary:     "List drafts",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"DRAFT,APPLIED,CANCELLED"`
		Author string `query:"author"`
		Limit  int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []DraftResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListDrafts(ctx, repo.DraftFilters{
			AuthorID: input.Author,
			Status:   input.Status,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DraftResponse `json:"body"`
		}{Body: mapDrafts(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-draft",
		Method:      http.MethodGet,
		Path:        "/drafts/{draft_id}",
		Summary:     "Get draft",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DraftID string `path:"draft_id"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		d, err := e.GetDraft(ctx, input.DraftID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-draft",
		Method:      http.MethodPost,
		Path:        "/drafts/{draft_id}/apply",
		Summary:     "Confirm and apply a draft",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		DraftID string            `path:"draft_id"`
		Body    ApplyDraftRequest `json:"body"`
	}) (*struct {
		Body ApplyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.Apply(ctx, engine.ApplyOptions{
			DraftID:             input.DraftID,
			ActorID:             actorID,
			ConfirmationEventID: input.Body.ConfirmationEventID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApplyResponse `json:"body"`
		}{Body: applyResponse(out)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-draft",
		Method:      http.MethodPost,
		Path:        "/drafts/{draft_id}/cancel",
		Summary:     "Cancel a draft",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		DraftID string `path:"draft_id"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.CancelDraft(ctx, input.DraftID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(d)}, nil
	})
}

// registerConfirmations exposes the webhook-style confirmation intake. It
// always acknowledges with 200 so the delivery channel does not retry-storm;
// failures are carried in the body.
func registerConfirmations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "confirmation",
		Method:      http.MethodPost,
		Path:        "/confirmations",
		Summary:     "Consume a confirmation event",
	}, func(ctx context.Context, input *struct {
		Body ConfirmationRequest `json:"body"`
	}) (*struct {
		Body ConfirmationAck `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ack := func(a ConfirmationAck) *struct {
			Body ConfirmationAck `json:"body"`
		} {
			return &struct {
				Body ConfirmationAck `json:"body"`
			}{Body: a}
		}
		if input.Body.DraftID == "" {
			return ack(confirmationFailure(fault.New(fault.UserInput, "draft_id_required", "draft_id is required"))), nil
		}
		switch input.Body.Action {
		case "cancel":
			if _, err := e.CancelDraft(ctx, input.Body.DraftID, actorID); err != nil {
				return ack(confirmationFailure(err)), nil
			}
			return ack(ConfirmationAck{OK: true, Outcome: "cancelled"}), nil
		case "apply", "":
			out, err := e.Apply(ctx, engine.ApplyOptions{
				DraftID:             input.Body.DraftID,
				ActorID:             actorID,
				ConfirmationEventID: input.Body.ConfirmationEventID,
			})
			if err != nil {
				return ack(confirmationFailure(err)), nil
			}
			outcome := "applied"
			if out.AlreadyApplied {
				outcome = "already_applied"
			}
			return ack(ConfirmationAck{OK: true, Outcome: outcome}), nil
		default:
			return ack(confirmationFailure(fault.Newf(fault.UserInput, "unknown_action", "unknown confirmation action %q", input.Body.Action))), nil
		}
	})
}

func confirmationFailure(err error) ConfirmationAck {
	if errors.Is(err, repo.ErrNotFound) {
		return ConfirmationAck{OK: false, Error: &ConfirmationError{
			Category: string(fault.UserInput),
			Code:     "draft_not_found",
			Message:  "draft not found",
		}}
	}
	fe := fault.Normalize(err)
	return ConfirmationAck{OK: false, Error: &ConfirmationError{
		Category:  string(fe.Category),
		Code:      fe.Code,
		Message:   fe.Message,
		Retryable: fe.Retryable,
	}}
}

func registerAttempts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-attempts",
		Method:      http.MethodGet,
		Path:        "/drafts/{draft_id}/attempts",
		Summary:     "List apply attempts for a draft",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DraftID string `path:"draft_id"`
	}) (*struct {
		Body []AttemptResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.GetDraft(ctx, input.DraftID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAttempts(ctx, input.DraftID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AttemptResponse `json:"body"`
		}{Body: mapAttempts(items)}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "audit-tail",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Tail the audit log",
	}, func(ctx context.Context, input *struct {
		DraftID string `query:"draft_id"`
		Level   string `query:"level" enum:"info,error"`
		Limit   int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []AuditEntryResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit == 0 {
			limit = 50
		}
		items, err := e.Repo.ListAuditEntries(ctx, repo.AuditFilters{
			DraftID: input.DraftID,
			Level:   input.Level,
			Limit:   limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AuditEntryResponse `json:"body"`
		}{Body: mapAuditEntries(items)}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		key, rec, err := newAPIKey(ctx, e.Repo, input.Body.ActorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        rec.ID,
			ActorID:   rec.ActorID,
			Name:      rec.Name,
			Key:       key,
			CreatedAt: rec.CreatedAt,
		}}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(path.Join(basePath, "openapi.json")))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, req *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(specURL string) string {
	return fmt.Sprintf(`<!doctype html>
<html>
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Draftline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}
