package accounts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/storage"
)

func newStore() *storage.MemoryStore {
	return storage.NewMemoryStore(storage.RetryPolicy{MaxAttempts: 5, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
}

func TestPutKeepsStoredCredits(t *testing.T) {
	ctx := context.Background()
	s := New(newStore())
	if err := s.Put(ctx, &models.Account{UID: "u1", Name: "Asha", Credits: 6}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, &models.Account{UID: "u1", Name: "Asha K", Credits: 999}); err != nil {
		t.Fatalf("put: %v", err)
	}
	a, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.Credits != 6 || a.Name != "Asha K" {
		t.Fatalf("unexpected account %+v", a)
	}
}

func TestGetMissing(t *testing.T) {
	_, err := New(newStore()).Get(context.Background(), "nobody")
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestDebit(t *testing.T) {
	a := &models.Account{Credits: 2}
	if err := Debit(a, 2); err != nil || a.Credits != 0 {
		t.Fatalf("expected clean debit, got err=%v credits=%d", err, a.Credits)
	}
	if err := Debit(a, 1); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if a.Credits != 0 {
		t.Fatalf("balance changed on failed debit: %d", a.Credits)
	}
	if err := Debit(a, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestListAutoBooking(t *testing.T) {
	ctx := context.Background()
	s := New(newStore())
	_ = s.Put(ctx, &models.Account{UID: "a", AutoBooking: models.AutoBooking{Enabled: true}})
	_ = s.Put(ctx, &models.Account{UID: "b"})
	got, err := s.ListAutoBooking(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].UID != "a" {
		t.Fatalf("unexpected accounts %+v", got)
	}
}

type fakePayments struct {
	held     map[string]int64
	captured int
	canceled int
	failCap  bool
}

func (f *fakePayments) Hold(ctx context.Context, amount int64, currency, customerID string, metadata map[string]string) (string, error) {
	if f.held == nil {
		f.held = map[string]int64{}
	}
	id := "pi_" + metadata["uid"]
	f.held[id] = amount
	return id, nil
}

func (f *fakePayments) Capture(ctx context.Context, id string) error {
	if f.failCap {
		return errors.New("card declined")
	}
	f.captured++
	return nil
}

func (f *fakePayments) Cancel(ctx context.Context, id string) error {
	f.canceled++
	return nil
}

func TestTopUpAppliesOnce(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	_ = New(st).Put(ctx, &models.Account{UID: "u1", Credits: 1})
	pay := &fakePayments{}
	tu := NewTopUps(st, pay, 1000, "inr", nil)

	started, err := tu.Start(ctx, "u1", 5)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if pay.held[started.ID] != 5000 {
		t.Fatalf("expected hold of 5000, got %d", pay.held[started.ID])
	}
	for i := 0; i < 2; i++ {
		if _, err := tu.Complete(ctx, started.ID); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	a, _ := New(st).Get(ctx, "u1")
	if a.Credits != 6 {
		t.Fatalf("expected 6 credits, got %d", a.Credits)
	}
	if pay.captured != 1 {
		t.Fatalf("expected a single capture, got %d", pay.captured)
	}
}

func TestTopUpCaptureFailureLeavesBalance(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	_ = New(st).Put(ctx, &models.Account{UID: "u1", Credits: 1})
	tu := NewTopUps(st, &fakePayments{failCap: true}, 1000, "inr", nil)
	started, _ := tu.Start(ctx, "u1", 3)
	if _, err := tu.Complete(ctx, started.ID); err == nil {
		t.Fatalf("expected capture error")
	}
	a, _ := New(st).Get(ctx, "u1")
	if a.Credits != 1 {
		t.Fatalf("balance changed: %d", a.Credits)
	}
	if err := tu.Cancel(ctx, started.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}
