// Package accounts owns rider account documents. Credits are only changed
// inside transactions that read the account fresh; profile writes carry the
// stored balance forward.
package accounts

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/storage"
)

const Collection = "accounts"

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

func Ref(uid string) storage.Ref { return storage.Ref{Collection: Collection, ID: uid} }

type Store struct {
	store storage.Store
}

func New(store storage.Store) *Store { return &Store{store: store} }

func (s *Store) Get(ctx context.Context, uid string) (*models.Account, error) {
	var a models.Account
	found, err := s.store.Get(ctx, Ref(uid), &a)
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", uid, err)
	}
	if !found {
		return nil, ErrAccountNotFound
	}
	return &a, nil
}

// Put creates or updates a profile. For an existing account the stored
// credit balance wins over whatever the caller sent.
func (s *Store) Put(ctx context.Context, a *models.Account) error {
	if a.UID == "" {
		return fmt.Errorf("put account: uid is required")
	}
	if a.Credits < 0 {
		return fmt.Errorf("put account: %w", ErrInvalidAmount)
	}
	return s.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		cur, found, err := ReadTx(ctx, tx, a.UID)
		if err != nil {
			return err
		}
		next := *a
		if found {
			next.Credits = cur.Credits
		}
		return WriteTx(tx, &next)
	})
}

// ListAutoBooking returns accounts that opted into the nightly agent.
func (s *Store) ListAutoBooking(ctx context.Context) ([]models.Account, error) {
	snaps, err := s.store.Query(ctx, Collection)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	out := make([]models.Account, 0, len(snaps))
	for _, snap := range snaps {
		var a models.Account
		if err := snap.Decode(&a); err != nil {
			return nil, fmt.Errorf("decode account %s: %w", snap.Ref.ID, err)
		}
		if a.AutoBooking.Enabled {
			out = append(out, a)
		}
	}
	return out, nil
}

// ReadTx loads an account inside tx.
func ReadTx(ctx context.Context, tx storage.Tx, uid string) (*models.Account, bool, error) {
	var a models.Account
	found, err := tx.Get(ctx, Ref(uid), &a)
	if err != nil {
		return nil, false, fmt.Errorf("read account %s: %w", uid, err)
	}
	if !found {
		return nil, false, nil
	}
	return &a, true, nil
}

func WriteTx(tx storage.Tx, a *models.Account) error {
	return tx.Set(Ref(a.UID), a)
}

// Debit subtracts amount from a freshly read account. It never lets the
// balance go negative.
func Debit(a *models.Account, amount int) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if a.Credits < amount {
		return fmt.Errorf("%w: balance %d, need %d", ErrInsufficientCredits, a.Credits, amount)
	}
	a.Credits -= amount
	return nil
}
