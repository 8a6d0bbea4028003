package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/example/campus-rides/internal/observability"
)

var (
	ErrNotFound = errors.New("document not found")
	// ErrConflict is returned by a commit whose read set changed underneath
	// it. RunTransaction retries it; callers never see it directly.
	ErrConflict = errors.New("transaction conflict")
	// ErrContention is the transient error surfaced once retries run out.
	ErrContention     = errors.New("transaction aborted after repeated conflicts")
	ErrReadAfterWrite = errors.New("transaction reads must precede writes")
)

// Ref addresses a single document.
type Ref struct {
	Collection string
	ID         string
}

func (r Ref) String() string { return r.Collection + "/" + r.ID }

type Snapshot struct {
	Ref  Ref
	Data []byte
}

func (s Snapshot) Decode(v any) error { return json.Unmarshal(s.Data, v) }

type Op int

const (
	OpEq Op = iota
	OpIn
	OpArrayContains
)

// Where is a single top-level field predicate. Values compare against the
// field's JSON text form.
type Where struct {
	Field  string
	Op     Op
	Values []string
}

func Eq(field, value string) Where { return Where{Field: field, Op: OpEq, Values: []string{value}} }

func In(field string, values ...string) Where { return Where{Field: field, Op: OpIn, Values: values} }

func ArrayContains(field, value string) Where {
	return Where{Field: field, Op: OpArrayContains, Values: []string{value}}
}

// Tx is a read-then-write transaction. All Gets must happen before the
// first Set or Delete; writes are buffered and applied at commit only if
// nothing read has changed since.
type Tx interface {
	Get(ctx context.Context, ref Ref, dst any) (bool, error)
	Set(ref Ref, v any) error
	Delete(ref Ref) error
}

type TxFunc func(ctx context.Context, tx Tx) error

// Store is the document database shared by every component. fn passed to
// RunTransaction may run several times and must not have side effects
// outside the transaction.
type Store interface {
	Get(ctx context.Context, ref Ref, dst any) (bool, error)
	Set(ctx context.Context, ref Ref, v any) error
	Delete(ctx context.Context, ref Ref) error
	Query(ctx context.Context, collection string, where ...Where) ([]Snapshot, error)
	RunTransaction(ctx context.Context, fn TxFunc) error
	// Watch calls fn after every committed change in collection until the
	// returned cancel func is called. fn may be invoked concurrently.
	Watch(ctx context.Context, collection string, fn func()) (func(), error)
	Close() error
}

type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 10, BaseBackoff: 5 * time.Millisecond, MaxBackoff: 250 * time.Millisecond}
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = d.BaseBackoff
	}
	if p.MaxBackoff < p.BaseBackoff {
		p.MaxBackoff = p.BaseBackoff
	}
	return p
}

// run retries attempt while it reports ErrConflict, with jittered
// exponential backoff.
func (p RetryPolicy) run(ctx context.Context, attempt func() error) error {
	p = p.normalized()
	delay := p.BaseBackoff
	for i := 0; i < p.MaxAttempts; i++ {
		err := attempt()
		if !errors.Is(err, ErrConflict) {
			return err
		}
		observability.TxConflictsTotal.Inc()
		if i == p.MaxAttempts-1 {
			break
		}
		sleep := delay/2 + rand.N(delay/2+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		delay *= 2
		if delay > p.MaxBackoff {
			delay = p.MaxBackoff
		}
	}
	observability.TxExhaustedTotal.Inc()
	return fmt.Errorf("%w (%d attempts)", ErrContention, p.MaxAttempts)
}

// matches evaluates where against a JSON document. Backends without a
// query engine filter with it client-side.
func matches(data []byte, where []Where) bool {
	if len(where) == 0 {
		return true
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}
	for _, w := range where {
		v, ok := doc[w.Field]
		if !ok || v == nil {
			return false
		}
		switch w.Op {
		case OpEq, OpIn:
			if !containsString(w.Values, textOf(v)) {
				return false
			}
		case OpArrayContains:
			arr, ok := v.([]any)
			if !ok {
				return false
			}
			found := false
			for _, el := range arr {
				if textOf(el) == w.Values[0] {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func textOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprint(t)
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type pendingWrite struct {
	ref  Ref
	data []byte
	del  bool
}

// writeBuffer implements the write half of Tx for every backend.
type writeBuffer struct {
	writes []pendingWrite
}

func (b *writeBuffer) Set(ref Ref, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ref, err)
	}
	b.writes = append(b.writes, pendingWrite{ref: ref, data: data})
	return nil
}

func (b *writeBuffer) Delete(ref Ref) error {
	b.writes = append(b.writes, pendingWrite{ref: ref, del: true})
	return nil
}

func (b *writeBuffer) checkRead() error {
	if len(b.writes) > 0 {
		return ErrReadAfterWrite
	}
	return nil
}

func (b *writeBuffer) collections() []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range b.writes {
		if !seen[w.ref.Collection] {
			seen[w.ref.Collection] = true
			out = append(out, w.ref.Collection)
		}
	}
	return out
}
