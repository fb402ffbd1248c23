// Package ledger stores token balances, consumed authorization nonces and
// settlement events behind a transactional Store interface.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// ErrNonceExists is returned by Tx.MarkNonce when the nonce is already
// recorded for the address.
var ErrNonceExists = errors.New("nonce already recorded")

// EventKind distinguishes ledger events.
type EventKind string

const (
	EventTransfer          EventKind = "transfer"
	EventAuthorizationUsed EventKind = "authorization_used"
	EventMint              EventKind = "mint"
)

// Event is an append-only record of a ledger mutation.
type Event struct {
	ID        string       `json:"id"`
	Kind      EventKind    `json:"kind"`
	TxHash    string       `json:"transactionHash"`
	From      string       `json:"from,omitempty"`
	To        string       `json:"to,omitempty"`
	Value     *uint256.Int `json:"value,omitempty"`
	Nonce     string       `json:"nonce,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// NonceRecord describes a consumed nonce.
type NonceRecord struct {
	ValidBefore uint64
	TxHash      string
	UsedAt      time.Time
}

// EventFilter narrows Events. Zero values match everything.
type EventFilter struct {
	Address string
	Kind    EventKind
	Limit   int
}

// Reader is the read side of a transaction.
type Reader interface {
	// Balance returns the balance of addr, zero when unknown.
	Balance(addr string) (*uint256.Int, error)
	HasNonce(addr, nonce string) (bool, error)
}

// Tx is a read-write transaction.
type Tx interface {
	Reader
	SetBalance(addr string, v *uint256.Int) error
	MarkNonce(addr, nonce string, rec NonceRecord) error
	AppendEvent(ev Event) error
}

// Store is the persistence boundary of the settlement engine. Update applies
// everything fn wrote or nothing.
type Store interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Reader) error) error
	Events(ctx context.Context, filter EventFilter) ([]Event, error)
	// PruneNonces removes used nonces whose authorization expired before
	// the cutoff and returns how many were removed.
	PruneNonces(ctx context.Context, expiredBefore time.Time) (int64, error)
	Close() error
}

func key(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func matches(ev Event, filter EventFilter) bool {
	if filter.Kind != "" && ev.Kind != filter.Kind {
		return false
	}
	if filter.Address != "" {
		addr := key(filter.Address)
		if ev.From != addr && ev.To != addr {
			return false
		}
	}
	return true
}
