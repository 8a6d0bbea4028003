package agent

import (
	"context"
	"fmt"

	"github.com/example/campus-rides/internal/ledger"
	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/storage"
)

// ResetResult reports what Reset removed.
type ResetResult struct {
	TargetDate   string   `json:"targetDate"`
	DeletedRides []string `json:"deletedRides"`
	AuditDeleted bool     `json:"auditDeleted"`
}

// Reset deletes uid's audit entry for tomorrow together with tomorrow's
// auto-booked rides naming uid and their commute claims, so the agent can
// run again. It is for demos and testing; debited credits are not returned.
func (a *Agent) Reset(ctx context.Context, uid string) (ResetResult, error) {
	date := a.now().In(a.loc).AddDate(0, 0, 1).Format(models.DateLayout)
	out := ResetResult{TargetDate: date, DeletedRides: []string{}}

	rides, err := a.ledger.FindForPassengerOnDate(ctx, uid, date)
	if err != nil {
		return out, fmt.Errorf("reset %s: %w", uid, err)
	}
	var auto []models.Ride
	for _, r := range rides {
		if r.IsAutoBooked {
			auto = append(auto, r)
		}
	}

	err = a.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		var e models.AuditEntry
		found, err := tx.Get(ctx, auditRef(date, uid), &e)
		if err != nil {
			return err
		}
		out.AuditDeleted = found
		out.DeletedRides = out.DeletedRides[:0]
		claimed := map[string]bool{uid: true}
		for _, r := range auto {
			for _, p := range r.PassengerUIDs {
				claimed[p] = true
			}
		}
		if found {
			if err := tx.Delete(auditRef(date, uid)); err != nil {
				return err
			}
		}
		for p := range claimed {
			if err := tx.Delete(claimRef(date, p)); err != nil {
				return err
			}
		}
		for _, r := range auto {
			if err := ledger.DeleteTx(tx, r.ID); err != nil {
				return err
			}
			out.DeletedRides = append(out.DeletedRides, r.ID)
		}
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("reset %s: %w", uid, err)
	}
	a.ledger.AnnounceDeleted(ctx, auto...)
	a.logger.Info("agent state reset", "uid", uid, "target_date", date, "rides", len(out.DeletedRides))
	return out, nil
}
