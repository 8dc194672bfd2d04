// Package kvstore is the storage collaborator for the recovery core.
//
// Records are flat string maps (hashes) keyed by "<namespace>:<id>". Plain
// reads and writes are available for single-key access; every read-modify-write
// goes through Update, an optimistic transaction:
//
//  1. keys read through the Txn are watched,
//  2. writes are buffered,
//  3. the buffer commits atomically only if no watched key changed,
//  4. otherwise fn is re-run against fresh state (bounded retries).
//
// fn may therefore run more than once and must not have side effects outside
// the Txn. Three backends implement the contract: MemoryStore (tests and
// single-node deployments), RedisStore (WATCH/MULTI/EXEC) and PostgresStore
// (per-key advisory locks inside a SQL transaction).
package kvstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mbd888/guardian/internal/retry"
)

// DefaultMaxRetries bounds how often Update re-runs fn after a conflict.
const DefaultMaxRetries = 16

// ErrConflict is returned when Update could not commit within its retry budget.
var ErrConflict = errors.New("kvstore: transaction conflict, retries exhausted")

// conflictBackoff spaces out re-runs of a transaction that lost a race.
var conflictBackoff = retry.Policy{BaseDelay: time.Millisecond, MaxDelay: 50 * time.Millisecond}

var errLostRace = errors.New("kvstore: watched key changed")

// runOptimistic re-runs attempt while it reports a conflict, up to attempts
// times. Errors returned by attempt end the loop unchanged.
func runOptimistic(ctx context.Context, backend string, attempts int, attempt func() (conflict bool, err error)) error {
	p := conflictBackoff
	p.Attempts = attempts
	err := p.Do(ctx, func() error {
		conflict, err := attempt()
		if err != nil {
			return retry.Permanent(err)
		}
		if conflict {
			recordConflict(backend)
			return errLostRace
		}
		return nil
	})
	if errors.Is(err, errLostRace) {
		return ErrConflict
	}
	return err
}

// Store is the key-value capability the recovery components depend on.
type Store interface {
	// GetHash returns all fields of key, or an empty map if it does not exist.
	GetHash(ctx context.Context, key string) (map[string]string, error)
	// SetHash replaces the whole record at key. Any TTL on key is cleared.
	SetHash(ctx context.Context, key string, fields map[string]string) error
	Delete(ctx context.Context, key string) error
	// Expire sets a time-to-live on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Update runs fn as an atomic read-modify-write transaction.
	Update(ctx context.Context, fn func(tx Txn) error) error
	Ping(ctx context.Context) error
}

// Txn is the view of the store inside Update.
//
// Reads observe the transaction's own buffered writes. Write methods never
// fail; backend errors surface from Update.
type Txn interface {
	GetHash(key string) (map[string]string, error)
	SetHash(key string, fields map[string]string)
	Delete(key string)
	Expire(key string, ttl time.Duration)
}

// Key joins a namespace and identifier parts into a storage key.
func Key(namespace string, parts ...string) string {
	return namespace + ":" + strings.Join(parts, ":")
}

// -----------------------------------------------------------------------------
// Write buffering shared by the backends
// -----------------------------------------------------------------------------

type opKind int

const (
	opSet opKind = iota
	opDelete
	opExpire
)

type op struct {
	kind   opKind
	key    string
	fields map[string]string
	ttl    time.Duration
}

// writeSet buffers a transaction's writes in order and keeps an overlay so
// reads inside the transaction see them.
type writeSet struct {
	ops     []op
	overlay map[string]map[string]string // nil value = deleted
}

func newWriteSet() *writeSet {
	return &writeSet{overlay: make(map[string]map[string]string)}
}

func (w *writeSet) set(key string, fields map[string]string) {
	c := copyFields(fields)
	w.ops = append(w.ops, op{kind: opSet, key: key, fields: c})
	w.overlay[key] = c
}

func (w *writeSet) del(key string) {
	w.ops = append(w.ops, op{kind: opDelete, key: key})
	w.overlay[key] = nil
}

func (w *writeSet) expire(key string, ttl time.Duration) {
	w.ops = append(w.ops, op{kind: opExpire, key: key, ttl: ttl})
}

// lookup returns the buffered value for key, if the transaction wrote it.
func (w *writeSet) lookup(key string) (map[string]string, bool) {
	v, ok := w.overlay[key]
	if !ok {
		return nil, false
	}
	return copyFields(v), true
}

func (w *writeSet) empty() bool {
	return len(w.ops) == 0
}

func copyFields(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
