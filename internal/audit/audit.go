// Package audit appends operator-visible activity entries to the audit
// container. Writes never fail the caller.
package audit

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ongoingai/llmops/internal/store"
)

const (
	TypeEvaluator = "evaluator"
	TypeTemplate  = "template"
	UserSystem    = "system"
)

// Event is one audit entry before it is stamped with an id and timestamp.
type Event struct {
	Action  string
	Type    string
	User    string
	Details string
}

// Entry is the persisted audit document.
type Entry struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Type      string `json:"type"`
	User      string `json:"user"`
	Details   string `json:"details"`
}

type Recorder struct {
	store  store.DocumentStore
	logger *slog.Logger
	now    func() time.Time
}

func NewRecorder(docs store.DocumentStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Recorder{store: docs, logger: logger, now: time.Now}
}

// Log writes event as a new audit document. Failures are logged and
// swallowed.
func (r *Recorder) Log(ctx context.Context, event Event) {
	if r == nil || r.store == nil {
		return
	}
	if event.User == "" {
		event.User = UserSystem
	}
	entry := Entry{
		ID:        NewID(),
		Timestamp: r.now().UTC().Format(time.RFC3339Nano),
		Action:    event.Action,
		Type:      event.Type,
		User:      event.User,
		Details:   event.Details,
	}
	doc, err := store.Encode(entry)
	if err == nil {
		err = r.store.Create(ctx, store.ContainerAudit, doc)
	}
	if err != nil {
		r.logger.Error("audit log write failed",
			"action", event.Action,
			"failure_class", "persistence",
			"error_class", store.ClassifyError(err),
			"error", err,
		)
	}
}

// NewID returns an audit id of the form audit_<32 hex chars>.
func NewID() string {
	return "audit_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Recent returns up to limit audit entries, newest first.
func Recent(ctx context.Context, docs store.DocumentStore, limit int) ([]Entry, error) {
	found, err := docs.Query(ctx, store.ContainerAudit, store.Query{OrderBy: "timestamp", Desc: true, Limit: limit})
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(found))
	for _, doc := range found {
		var entry Entry
		if err := store.Decode(doc, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
