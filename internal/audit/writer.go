// Package audit appends observational entries to the audit log. Writes are
// best-effort: the writer never returns an error, so an audit outage can
// never fail a confirmation in flight.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"time"
)

const (
	LevelInfo  = "info"
	LevelError = "error"
)

type Writer struct {
	DB     *sql.DB
	Logger *log.Logger
	Now    func() time.Time
}

type Payload map[string]any

func (w Writer) logger() *log.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return log.Default()
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Write appends one entry. draftID may be empty for entries not tied to a
// draft. Failures are logged and swallowed.
func (w Writer) Write(ctx context.Context, draftID, level, eventType string, payload Payload) {
	defer func() {
		if r := recover(); r != nil {
			w.logger().Printf("audit: write %s panicked: %v", eventType, r)
		}
	}()
	if w.DB == nil {
		return
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		w.logger().Printf("audit: marshal %s payload: %v", eventType, err)
		data = []byte("{}")
	}
	ts := w.now().UTC().Format(time.RFC3339)
	_, err = w.DB.ExecContext(ctx, `INSERT INTO audit_log(draft_id,level,event_type,payload_json,created_at) VALUES (?,?,?,?,?)`,
		nullable(draftID), level, eventType, string(data), ts)
	if err != nil {
		w.logger().Printf("audit: write %s: %v", eventType, err)
	}
}

// Info appends an info-level entry.
func (w Writer) Info(ctx context.Context, draftID, eventType string, payload Payload) {
	w.Write(ctx, draftID, LevelInfo, eventType, payload)
}

// Error appends an error-level entry.
func (w Writer) Error(ctx context.Context, draftID, eventType string, payload Payload) {
	w.Write(ctx, draftID, LevelError, eventType, payload)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
