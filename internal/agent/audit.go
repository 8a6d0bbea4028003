package agent

import (
	"context"
	"time"

	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/storage"
)

const AuditCollection = "agent_logs"

func auditRef(date, uid string) storage.Ref {
	return storage.Ref{Collection: AuditCollection, ID: date + "_" + uid}
}

// audit records the outcome for (date, uid). A booked entry is final; a
// skipped or error entry is replaced by the next run.
func (a *Agent) audit(ctx context.Context, date, uid string, e models.AuditEntry) {
	e.Timestamp = a.now().In(a.loc).Format(time.RFC3339)
	if e.Logs == nil {
		e.Logs = []string{}
	}
	ref := auditRef(date, uid)
	err := a.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		var cur models.AuditEntry
		found, err := tx.Get(ctx, ref, &cur)
		if err != nil {
			return err
		}
		if found && cur.Action == models.AuditBooked {
			return nil
		}
		return tx.Set(ref, e)
	})
	if err != nil {
		a.logger.Error("audit write failed", "uid", uid, "target_date", date, "error", err)
	}
}

// AuditEntry returns the recorded outcome for uid on date.
func (a *Agent) AuditEntry(ctx context.Context, date, uid string) (*models.AuditEntry, bool, error) {
	var e models.AuditEntry
	found, err := a.store.Get(ctx, auditRef(date, uid), &e)
	if err != nil || !found {
		return nil, found, err
	}
	return &e, true, nil
}
