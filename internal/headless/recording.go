package headless

import (
	"context"
	"log/slog"
	"sync"

	"proctord/internal/evidence"
	"proctord/internal/logging"
)

// Recording is an offline transport that keeps every upload in memory
// instead of sending it.
type Recording struct {
	logger *slog.Logger

	mu      sync.Mutex
	uploads []*evidence.Upload
}

// NewRecording creates an empty recording transport.
func NewRecording(logger *slog.Logger) *Recording {
	return &Recording{logger: logging.Component(logger, "offline-transport")}
}

// Upload implements evidence.Transport.
func (r *Recording) Upload(_ context.Context, u *evidence.Upload) error {
	r.mu.Lock()
	r.uploads = append(r.uploads, u)
	r.mu.Unlock()
	r.logger.Debug("upload recorded", "type", string(u.Type), "url", u.URL, "bytes", len(u.Payload))
	return nil
}

// Uploads returns the recorded uploads in arrival order.
func (r *Recording) Uploads() []*evidence.Upload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*evidence.Upload(nil), r.uploads...)
}

// CountByType returns the number of recorded uploads per evidence type.
func (r *Recording) CountByType() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int)
	for _, u := range r.uploads {
		out[string(u.Type)]++
	}
	return out
}
