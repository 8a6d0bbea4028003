// Package sequence issues date-scoped queue tokens. State lives in a single
// counter document per name and is only touched inside optimistic
// transactions, so any number of processes can issue tokens concurrently.
package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/observability"
	"github.com/example/campus-rides/internal/storage"
)

const Collection = "counters"

type Counter struct {
	store storage.Store
	name  string
	loc   *time.Location
	now   func() time.Time
}

func New(store storage.Store, name string, loc *time.Location, now func() time.Time) *Counter {
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	return &Counter{store: store, name: name, loc: loc, now: now}
}

func (c *Counter) Name() string { return c.name }

func (c *Counter) Ref() storage.Ref { return storage.Ref{Collection: Collection, ID: c.name} }

// Reservation is a block of consecutive tokens read inside a transaction
// but not yet written back.
type Reservation struct {
	counter *Counter
	next    models.Counter
	First   int
	Last    int
}

// Reserve reads the counter inside tx and allocates n consecutive values.
// When the stored date is not today the block starts at 1. Call Write on
// the result once every other read of the transaction is done.
func (c *Counter) Reserve(ctx context.Context, tx storage.Tx, n int) (*Reservation, error) {
	if n <= 0 {
		return nil, fmt.Errorf("reserve %d tokens: count must be positive", n)
	}
	var cur models.Counter
	if _, err := tx.Get(ctx, c.Ref(), &cur); err != nil {
		return nil, fmt.Errorf("read counter %s: %w", c.name, err)
	}
	today := c.now().In(c.loc).Format(models.DateLayout)
	if cur.Date != today {
		cur.Count = 0
	}
	return &Reservation{
		counter: c,
		next:    models.Counter{Count: cur.Count + n, Date: today},
		First:   cur.Count + 1,
		Last:    cur.Count + n,
	}, nil
}

func (r *Reservation) Write(tx storage.Tx) error {
	return tx.Set(r.counter.Ref(), r.next)
}

// Committed records the issued tokens; call it after the transaction
// commits.
func (r *Reservation) Committed() {
	observability.TokensIssuedTotal.WithLabelValues(r.counter.name).Add(float64(r.Last - r.First + 1))
}

// IssueToken returns the next token for today. Conflicting writers are
// retried by the store; once retries run out storage.ErrContention is
// returned and no number is consumed.
func (c *Counter) IssueToken(ctx context.Context) (int, error) {
	var res *Reservation
	err := c.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		r, err := c.Reserve(ctx, tx, 1)
		if err != nil {
			return err
		}
		res = r
		return r.Write(tx)
	})
	if err != nil {
		return 0, fmt.Errorf("issue token: %w", err)
	}
	res.Committed()
	return res.First, nil
}

// Current returns the stored state without modifying it.
func (c *Counter) Current(ctx context.Context) (models.Counter, error) {
	var cur models.Counter
	if _, err := c.store.Get(ctx, c.Ref(), &cur); err != nil {
		return models.Counter{}, err
	}
	return cur, nil
}
