package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each document as a JSON string plus a per-collection id
// set. Transactions use WATCH/MULTI/EXEC: every key read is watched and the
// buffered writes go out in one MULTI block, so EXEC fails if any read key
// changed. Commits publish the touched collections for Watch.
type RedisStore struct {
	client *redis.Client
	prefix string
	retry  RetryPolicy
}

func NewRedisStore(addr, password string, db int, prefix string, retry RetryPolicy) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return NewRedisStoreFromClient(c, prefix, retry)
}

func NewRedisStoreFromClient(c *redis.Client, prefix string, retry RetryPolicy) *RedisStore {
	if prefix == "" {
		prefix = "campus"
	}
	return &RedisStore{client: c, prefix: prefix, retry: retry}
}

func (r *RedisStore) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisStore) docKey(ref Ref) string {
	return fmt.Sprintf("%s:doc:%s:%s", r.prefix, ref.Collection, ref.ID)
}

func (r *RedisStore) idxKey(collection string) string {
	return fmt.Sprintf("%s:idx:%s", r.prefix, collection)
}

func (r *RedisStore) channel(collection string) string {
	return fmt.Sprintf("%s:changes:%s", r.prefix, collection)
}

func (r *RedisStore) Get(ctx context.Context, ref Ref, dst any) (bool, error) {
	b, err := r.client.Get(ctx, r.docKey(ref)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", ref, err)
	}
	return true, json.Unmarshal(b, dst)
}

func (r *RedisStore) Set(ctx context.Context, ref Ref, v any) error {
	var b writeBuffer
	if err := b.Set(ref, v); err != nil {
		return err
	}
	return r.flush(ctx, r.client, &b)
}

func (r *RedisStore) Delete(ctx context.Context, ref Ref) error {
	var b writeBuffer
	_ = b.Delete(ref)
	return r.flush(ctx, r.client, &b)
}

type txPipeliner interface {
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

func (r *RedisStore) flush(ctx context.Context, c txPipeliner, b *writeBuffer) error {
	if len(b.writes) == 0 {
		return nil
	}
	_, err := c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, w := range b.writes {
			if w.del {
				p.Del(ctx, r.docKey(w.ref))
				p.SRem(ctx, r.idxKey(w.ref.Collection), w.ref.ID)
				continue
			}
			p.Set(ctx, r.docKey(w.ref), w.data, 0)
			p.SAdd(ctx, r.idxKey(w.ref.Collection), w.ref.ID)
		}
		for _, c := range b.collections() {
			p.Publish(ctx, r.channel(c), "commit")
		}
		return nil
	})
	return err
}

func (r *RedisStore) Query(ctx context.Context, collection string, where ...Where) ([]Snapshot, error) {
	ids, err := r.client.SMembers(ctx, r.idxKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers %s: %w", collection, err)
	}
	out := make([]Snapshot, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	sort.Strings(ids)
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.docKey(Ref{Collection: collection, ID: id})
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget %s: %w", collection, err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		data := []byte(s)
		if matches(data, where) {
			out = append(out, Snapshot{Ref: Ref{Collection: collection, ID: ids[i]}, Data: data})
		}
	}
	return out, nil
}

func (r *RedisStore) RunTransaction(ctx context.Context, fn TxFunc) error {
	return r.retry.run(ctx, func() error {
		err := r.client.Watch(ctx, func(rtx *redis.Tx) error {
			tx := &redisTx{r: r, rtx: rtx}
			if err := fn(ctx, tx); err != nil {
				return err
			}
			return r.flush(ctx, rtx, &tx.writeBuffer)
		})
		if errors.Is(err, redis.TxFailedErr) {
			return ErrConflict
		}
		return err
	})
}

func (r *RedisStore) Watch(ctx context.Context, collection string, fn func()) (func(), error) {
	ps := r.client.Subscribe(ctx, r.channel(collection))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", collection, err)
	}
	go func() {
		for range ps.Channel() {
			fn()
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { _ = ps.Close() }) }, nil
}

func (r *RedisStore) Close() error { return r.client.Close() }

type redisTx struct {
	writeBuffer
	r   *RedisStore
	rtx *redis.Tx
}

func (t *redisTx) Get(ctx context.Context, ref Ref, dst any) (bool, error) {
	if err := t.checkRead(); err != nil {
		return false, err
	}
	key := t.r.docKey(ref)
	if err := t.rtx.Watch(ctx, key).Err(); err != nil {
		return false, fmt.Errorf("redis watch %s: %w", ref, err)
	}
	b, err := t.rtx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", ref, err)
	}
	return true, json.Unmarshal(b, dst)
}
