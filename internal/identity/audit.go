package identity

import (
	"context"
	"log"
	"time"

	"github.com/careersync/identity/internal/obs"
)

// Recorder appends audit events to a sink. Appends are best-effort: a
// failing sink is logged and counted, never surfaced to the caller, so
// audit writes cannot fail or block a parent operation.
type Recorder struct {
	store  AuditStore
	logger *log.Logger
	now    func() time.Time
}

// NewRecorder builds a Recorder. logger may be nil, in which case the
// shared service logger is used.
func NewRecorder(store AuditStore, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = obs.Logger()
	}
	return &Recorder{store: store, logger: logger, now: time.Now}
}

// Record appends e, stamping CreatedAt if unset.
func (r *Recorder) Record(ctx context.Context, e AuditEvent) {
	if r == nil || r.store == nil {
		return
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	if err := r.store.Append(ctx, &e); err != nil {
		obs.IncAuditWriteFailure()
		obs.Event("audit.append_failed", map[string]any{
			"action": e.Action,
			"status": e.Status,
			"error":  err.Error(),
		})
	}
}

// eventFor builds the common shape of an engine audit event. userID may
// be zero for subject-less events.
func eventFor(userID int64, action, resourceType, ip, userAgent, status, detail string) AuditEvent {
	e := AuditEvent{
		Action:       action,
		ResourceType: resourceType,
		IP:           ip,
		UserAgent:    userAgent,
		Status:       status,
		Detail:       detail,
	}
	if userID != 0 {
		id := userID
		e.UserID = &id
		e.ResourceID = &id
	}
	return e
}
