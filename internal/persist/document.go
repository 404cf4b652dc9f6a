// Package persist owns everything that happens to a window after it is
// emitted: serialisation, upload to the object store, local backup when
// the store is unreachable, and the retry flow that drains the backup.
package persist

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bladesense/gateway/internal/config"
	"github.com/bladesense/gateway/internal/window"
)

// Session identifies one gateway run. Every window uploaded during the
// run carries the same session reference, so windows group naturally in
// the object store.
type Session struct {
	Reference    string
	Installation string
	NodeID       string
	Label        string
	StartedAt    time.Time
}

// NewSession mints a session for the given configuration.
func NewSession(cfg config.Configuration, startedAt time.Time) Session {
	return Session{
		Reference:    uuid.NewString(),
		Installation: cfg.InstallationReference,
		NodeID:       cfg.NodeID,
		Label:        cfg.Label,
		StartedAt:    startedAt,
	}
}

// Document is the uploaded form of one window. The configuration snapshot
// travels with every window so stored data is self-describing even after
// the gateway configuration changes.
type Document struct {
	Installation string `json:"installation_reference"`
	NodeID       string `json:"node_id"`
	Session      string `json:"session_reference"`
	Label        string `json:"label,omitempty"`

	// WindowStart and WindowEnd are unix nanoseconds.
	WindowStart int64 `json:"window_start"`
	WindowEnd   int64 `json:"window_end"`
	ForceClosed bool  `json:"force_closed,omitempty"`

	Configuration config.Configuration `json:"configuration"`
	Series        []*window.Series     `json:"series"`
}

// ObjectName returns the store key for a window. Start and end are
// zero-padded so lexical order equals temporal order; the backup drain
// relies on that to retry oldest first.
func ObjectName(s Session, w *window.Window) string {
	return fmt.Sprintf("%s/%s/window-%020d-%020d.json",
		s.Installation, s.Reference, w.Start.UnixNano(), w.End.UnixNano())
}

// EncodeWindow renders a window to its object name and JSON document.
func EncodeWindow(s Session, cfg config.Configuration, w *window.Window) (name string, data []byte, err error) {
	doc := Document{
		Installation:  s.Installation,
		NodeID:        s.NodeID,
		Session:       s.Reference,
		Label:         s.Label,
		WindowStart:   w.Start.UnixNano(),
		WindowEnd:     w.End.UnixNano(),
		ForceClosed:   w.ForceClosed,
		Configuration: cfg,
		Series:        w.Series,
	}
	data, err = json.Marshal(doc)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode window document: %w", err)
	}
	return ObjectName(s, w), data, nil
}
