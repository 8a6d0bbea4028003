package accounts

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/storage"
)

const TopUpCollection = "topups"

const (
	topUpHeld     = "held"
	topUpCaptured = "captured"
	topUpApplied  = "applied"
	topUpCanceled = "canceled"
)

var ErrTopUpNotFound = errors.New("top-up not found")

// PaymentProvider places and settles card holds for credit purchases.
type PaymentProvider interface {
	Hold(ctx context.Context, amount int64, currency, customerID string, metadata map[string]string) (string, error)
	Capture(ctx context.Context, paymentID string) error
	Cancel(ctx context.Context, paymentID string) error
}

// TopUps sells credits. A purchase is a held payment that is captured and
// then applied to the balance exactly once, keyed by the payment id.
type TopUps struct {
	store      storage.Store
	accounts   *Store
	payments   PaymentProvider
	priceMinor int64
	currency   string
	now        func() time.Time
}

func NewTopUps(store storage.Store, payments PaymentProvider, priceMinor int64, currency string, now func() time.Time) *TopUps {
	if now == nil {
		now = time.Now
	}
	return &TopUps{store: store, accounts: New(store), payments: payments, priceMinor: priceMinor, currency: currency, now: now}
}

func topUpRef(id string) storage.Ref { return storage.Ref{Collection: TopUpCollection, ID: id} }

func (t *TopUps) Start(ctx context.Context, uid string, credits int) (*models.TopUp, error) {
	if credits <= 0 {
		return nil, ErrInvalidAmount
	}
	if _, err := t.accounts.Get(ctx, uid); err != nil {
		return nil, err
	}
	id, err := t.payments.Hold(ctx, t.priceMinor*int64(credits), t.currency, "", map[string]string{
		"uid":     uid,
		"credits": strconv.Itoa(credits),
	})
	if err != nil {
		return nil, fmt.Errorf("hold payment: %w", err)
	}
	tu := &models.TopUp{ID: id, UID: uid, Credits: credits, Status: topUpHeld, CreatedAt: t.now().Format(time.RFC3339)}
	if err := t.store.Set(ctx, topUpRef(id), tu); err != nil {
		return nil, fmt.Errorf("record top-up: %w", err)
	}
	return tu, nil
}

// Complete captures the payment and credits the account. Calling it again
// for the same id is a no-op.
func (t *TopUps) Complete(ctx context.Context, id string) (*models.TopUp, error) {
	var tu models.TopUp
	found, err := t.store.Get(ctx, topUpRef(id), &tu)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrTopUpNotFound
	}
	switch tu.Status {
	case topUpApplied:
		return &tu, nil
	case topUpCanceled:
		return nil, fmt.Errorf("top-up %s was canceled", id)
	case topUpHeld:
		if err := t.payments.Capture(ctx, id); err != nil {
			return nil, fmt.Errorf("capture payment: %w", err)
		}
		tu.Status = topUpCaptured
		if err := t.store.Set(ctx, topUpRef(id), &tu); err != nil {
			return nil, fmt.Errorf("record capture: %w", err)
		}
	}

	err = t.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		var cur models.TopUp
		if _, err := tx.Get(ctx, topUpRef(id), &cur); err != nil {
			return err
		}
		acct, found, err := ReadTx(ctx, tx, cur.UID)
		if err != nil {
			return err
		}
		if !found {
			return ErrAccountNotFound
		}
		if cur.Status == topUpApplied {
			tu = cur
			return nil
		}
		acct.Credits += cur.Credits
		cur.Status = topUpApplied
		tu = cur
		if err := WriteTx(tx, acct); err != nil {
			return err
		}
		return tx.Set(topUpRef(id), &cur)
	})
	if err != nil {
		return nil, fmt.Errorf("apply top-up: %w", err)
	}
	return &tu, nil
}

func (t *TopUps) Cancel(ctx context.Context, id string) error {
	var tu models.TopUp
	found, err := t.store.Get(ctx, topUpRef(id), &tu)
	if err != nil {
		return err
	}
	if !found {
		return ErrTopUpNotFound
	}
	if tu.Status != topUpHeld {
		return fmt.Errorf("top-up %s is %s", id, tu.Status)
	}
	if err := t.payments.Cancel(ctx, id); err != nil {
		return fmt.Errorf("cancel payment: %w", err)
	}
	tu.Status = topUpCanceled
	return t.store.Set(ctx, topUpRef(id), &tu)
}
