package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/holiman/uint256"
)

// MemoryStore keeps the ledger in process memory. Transactions are
// serialized by a single mutex and staged until fn returns nil.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]*uint256.Int
	nonces   map[string]map[string]NonceRecord
	events   []Event
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.reset()
	return s
}

// Reset discards all balances, nonces and events. It exists for test
// fixtures; persistent stores have no equivalent.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func (s *MemoryStore) reset() {
	s.balances = make(map[string]*uint256.Int)
	s.nonces = make(map[string]map[string]NonceRecord)
	s.events = nil
}

func (s *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		store:    s,
		balances: make(map[string]*uint256.Int),
		nonces:   make(map[string]map[string]NonceRecord),
	}
	if err := fn(tx); err != nil {
		return err
	}

	for addr, v := range tx.balances {
		s.balances[addr] = v
	}
	for addr, set := range tx.nonces {
		if s.nonces[addr] == nil {
			s.nonces[addr] = make(map[string]NonceRecord)
		}
		for nonce, rec := range set {
			s.nonces[addr][nonce] = rec
		}
	}
	s.events = append(s.events, tx.events...)
	return nil
}

func (s *MemoryStore) View(ctx context.Context, fn func(Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memoryTx{store: s})
}

func (s *MemoryStore) Events(ctx context.Context, filter EventFilter) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, ev := range s.events {
		if !matches(ev, filter) {
			continue
		}
		out = append(out, copyEvent(ev))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) PruneNonces(ctx context.Context, expiredBefore time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := expiredBefore.Unix()
	if cutoff <= 0 {
		return 0, nil
	}
	var removed int64
	for addr, set := range s.nonces {
		for nonce, rec := range set {
			if rec.ValidBefore < uint64(cutoff) {
				delete(set, nonce)
				removed++
			}
		}
		if len(set) == 0 {
			delete(s.nonces, addr)
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }

// memoryTx reads through its staged writes to the committed maps.
type memoryTx struct {
	store    *MemoryStore
	balances map[string]*uint256.Int
	nonces   map[string]map[string]NonceRecord
	events   []Event
}

func (tx *memoryTx) Balance(addr string) (*uint256.Int, error) {
	addr = key(addr)
	if v, ok := tx.balances[addr]; ok {
		return new(uint256.Int).Set(v), nil
	}
	if v, ok := tx.store.balances[addr]; ok {
		return new(uint256.Int).Set(v), nil
	}
	return new(uint256.Int), nil
}

func (tx *memoryTx) HasNonce(addr, nonce string) (bool, error) {
	addr, nonce = key(addr), key(nonce)
	if _, ok := tx.nonces[addr][nonce]; ok {
		return true, nil
	}
	_, ok := tx.store.nonces[addr][nonce]
	return ok, nil
}

func (tx *memoryTx) SetBalance(addr string, v *uint256.Int) error {
	tx.balances[key(addr)] = new(uint256.Int).Set(v)
	return nil
}

func (tx *memoryTx) MarkNonce(addr, nonce string, rec NonceRecord) error {
	used, _ := tx.HasNonce(addr, nonce)
	if used {
		return ErrNonceExists
	}
	addr = key(addr)
	if tx.nonces[addr] == nil {
		tx.nonces[addr] = make(map[string]NonceRecord)
	}
	tx.nonces[addr][key(nonce)] = rec
	return nil
}

func (tx *memoryTx) AppendEvent(ev Event) error {
	tx.events = append(tx.events, copyEvent(ev))
	return nil
}

func copyEvent(ev Event) Event {
	if ev.Value != nil {
		ev.Value = new(uint256.Int).Set(ev.Value)
	}
	return ev
}
