// Package settlement applies EIP-3009 transfer authorizations to a ledger.
// It plays the role of the token contract: every check runs before any
// balance moves, and the nonce check, balance check and mutation share one
// store transaction.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/becomeliminal/x402-arcade/eip3009"
	"github.com/becomeliminal/x402-arcade/ledger"
)

// StatusSuccess is the receipt status of a settled authorization.
const StatusSuccess = "success"

// Receipt describes a settled authorization.
type Receipt struct {
	TransactionHash string         `json:"transactionHash"`
	Status          string         `json:"status"`
	From            string         `json:"from"`
	To              string         `json:"to"`
	Value           *uint256.Int   `json:"value"`
	Nonce           string         `json:"nonce"`
	SettledAt       time.Time      `json:"settledAt"`
	Events          []ledger.Event `json:"events"`
}

// Engine validates and settles transfer authorizations against a Store.
type Engine struct {
	store   ledger.Store
	now     func() time.Time
	log     zerolog.Logger
	metrics *Metrics
	token   Token

	verifySigner bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics records attempts and volumes in m.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithToken sets the token the engine stands in for.
func WithToken(t Token) Option {
	return func(e *Engine) { e.token = t }
}

// WithSignerVerification makes the engine recover the signer of every
// authorization under the token's EIP-712 domain and reject it with
// SignerMismatch unless it equals From.
func WithSignerVerification() Option {
	return func(e *Engine) { e.verifySigner = true }
}

// NewEngine returns an engine over store.
func NewEngine(store ledger.Store, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		now:   time.Now,
		log:   zerolog.Nop(),
		token: DefaultToken(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Token returns the token description, including its signing domain.
func (e *Engine) Token() Token {
	return e.token
}

// Settle validates auth and sig and, when every check passes, moves Value
// from From to To, consumes the nonce and records a transfer and an
// authorization-used event. Checks run in this order: address format, nonce
// format, signature components, validAfter, validBefore, signer (when
// enabled), nonce reuse, balance. Nothing is written on failure.
func (e *Engine) Settle(ctx context.Context, auth eip3009.TransferAuthorization, sig eip3009.Signature) (*Receipt, error) {
	now := e.now()
	if err := e.check(auth, sig, now); err != nil {
		return nil, e.reject(auth, err)
	}
	auth.Normalize()

	receipt := &Receipt{
		TransactionHash: TransactionHash(auth, sig),
		Status:          StatusSuccess,
		From:            auth.From,
		To:              auth.To,
		Value:           new(uint256.Int).Set(auth.Value),
		Nonce:           auth.Nonce,
		SettledAt:       now.UTC(),
	}

	err := e.store.Update(ctx, func(tx ledger.Tx) error {
		if err := checkLedger(tx, auth); err != nil {
			return err
		}

		fromBal, err := tx.Balance(auth.From)
		if err != nil {
			return err
		}
		if err := tx.SetBalance(auth.From, new(uint256.Int).Sub(fromBal, auth.Value)); err != nil {
			return err
		}
		// Read after the debit so a self-transfer nets to zero.
		toBal, err := tx.Balance(auth.To)
		if err != nil {
			return err
		}
		credited, overflow := new(uint256.Int).AddOverflow(toBal, auth.Value)
		if overflow {
			return fmt.Errorf("balance of %s overflows", auth.To)
		}
		if err := tx.SetBalance(auth.To, credited); err != nil {
			return err
		}

		err = tx.MarkNonce(auth.From, auth.Nonce, ledger.NonceRecord{
			ValidBefore: auth.ValidBefore,
			TxHash:      receipt.TransactionHash,
			UsedAt:      receipt.SettledAt,
		})
		if errors.Is(err, ledger.ErrNonceExists) {
			return nonceUsed(auth)
		}
		if err != nil {
			return err
		}

		receipt.Events = []ledger.Event{
			{
				ID:        uuid.NewString(),
				Kind:      ledger.EventTransfer,
				TxHash:    receipt.TransactionHash,
				From:      auth.From,
				To:        auth.To,
				Value:     receipt.Value,
				Timestamp: receipt.SettledAt,
			},
			{
				ID:        uuid.NewString(),
				Kind:      ledger.EventAuthorizationUsed,
				TxHash:    receipt.TransactionHash,
				From:      auth.From,
				Nonce:     auth.Nonce,
				Timestamp: receipt.SettledAt,
			},
		}
		for _, ev := range receipt.Events {
			if err := tx.AppendEvent(ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if eip3009.CodeOf(err) != "" {
			return nil, e.reject(auth, err)
		}
		e.metrics.observeAttempt("error")
		e.log.Error().Err(err).Str("from", auth.From).Str("nonce", auth.Nonce).Msg("settlement failed")
		return nil, fmt.Errorf("settle authorization: %w", err)
	}

	e.metrics.observeAttempt("settled")
	e.metrics.observeSettled(auth.Value)
	e.log.Info().
		Str("tx", receipt.TransactionHash).
		Str("from", auth.From).
		Str("to", auth.To).
		Str("value", auth.Value.Dec()).
		Str("nonce", auth.Nonce).
		Msg("authorization settled")

	return receipt, nil
}

// Verify runs every Settle check without writing anything. A nil error means
// Settle would succeed against the current ledger state.
func (e *Engine) Verify(ctx context.Context, auth eip3009.TransferAuthorization, sig eip3009.Signature) error {
	if err := e.check(auth, sig, e.now()); err != nil {
		return err
	}
	auth.Normalize()
	return e.store.View(ctx, func(r ledger.Reader) error {
		return checkLedger(r, auth)
	})
}

// BalanceOf returns the balance of addr in smallest units.
func (e *Engine) BalanceOf(ctx context.Context, addr string) (*uint256.Int, error) {
	if err := eip3009.ValidateAddress("address", addr); err != nil {
		return nil, err
	}
	var bal *uint256.Int
	err := e.store.View(ctx, func(r ledger.Reader) error {
		var err error
		bal, err = r.Balance(addr)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	return bal, nil
}

// IsNonceUsed reports whether nonce was consumed for addr.
func (e *Engine) IsNonceUsed(ctx context.Context, addr, nonce string) (bool, error) {
	if err := eip3009.ValidateAddress("address", addr); err != nil {
		return false, err
	}
	if err := eip3009.ValidateNonce(nonce); err != nil {
		return false, err
	}
	var used bool
	err := e.store.View(ctx, func(r ledger.Reader) error {
		var err error
		used, err = r.HasNonce(addr, nonce)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("read nonce: %w", err)
	}
	return used, nil
}

// Mint credits amount to addr and returns the new balance. It is the
// faucet of the test token.
func (e *Engine) Mint(ctx context.Context, addr string, amount *uint256.Int) (*uint256.Int, error) {
	if err := eip3009.ValidateAddress("to", addr); err != nil {
		return nil, err
	}
	if amount == nil || amount.IsZero() {
		return nil, &eip3009.Error{Code: eip3009.CodeInvalidAmount, Field: "value", Message: "mint amount must be positive"}
	}
	addr = eip3009.NormalizeAddress(addr)

	var balance *uint256.Int
	err := e.store.Update(ctx, func(tx ledger.Tx) error {
		bal, err := tx.Balance(addr)
		if err != nil {
			return err
		}
		next, overflow := new(uint256.Int).AddOverflow(bal, amount)
		if overflow {
			return fmt.Errorf("balance of %s overflows", addr)
		}
		if err := tx.SetBalance(addr, next); err != nil {
			return err
		}
		id := uuid.NewString()
		balance = next
		return tx.AppendEvent(ledger.Event{
			ID:        id,
			Kind:      ledger.EventMint,
			TxHash:    crypto.Keccak256Hash([]byte(id), common.HexToAddress(addr).Bytes(), amount.PaddedBytes(32)).Hex(),
			To:        addr,
			Value:     new(uint256.Int).Set(amount),
			Timestamp: e.now().UTC(),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("mint: %w", err)
	}

	e.metrics.observeMinted(amount)
	e.log.Info().Str("to", addr).Str("value", amount.Dec()).Msg("minted")
	return balance, nil
}

// Events lists recorded ledger events.
func (e *Engine) Events(ctx context.Context, filter ledger.EventFilter) ([]ledger.Event, error) {
	return e.store.Events(ctx, filter)
}

// PruneNonces forgets used nonces whose authorization expired more than
// retention ago. Such authorizations already fail with Expired, so forgetting
// them cannot reopen a replay.
func (e *Engine) PruneNonces(ctx context.Context, retention time.Duration) (int64, error) {
	removed, err := e.store.PruneNonces(ctx, e.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		e.log.Info().Int64("removed", removed).Msg("pruned used nonces")
	}
	return removed, nil
}

func (e *Engine) check(auth eip3009.TransferAuthorization, sig eip3009.Signature, now time.Time) error {
	if err := eip3009.Validate(auth, sig, now); err != nil {
		return err
	}
	if e.verifySigner {
		return eip3009.VerifySigner(e.token.Domain, auth, sig)
	}
	return nil
}

// checkLedger runs the stateful checks: nonce reuse, then balance.
func checkLedger(r ledger.Reader, auth eip3009.TransferAuthorization) error {
	used, err := r.HasNonce(auth.From, auth.Nonce)
	if err != nil {
		return err
	}
	if used {
		return nonceUsed(auth)
	}

	bal, err := r.Balance(auth.From)
	if err != nil {
		return err
	}
	if bal.Lt(auth.Value) {
		return &eip3009.Error{
			Code:    eip3009.CodeInsufficientBalance,
			Field:   "value",
			Message: fmt.Sprintf("balance of %s is %s, authorization needs %s", auth.From, bal.Dec(), auth.Value.Dec()),
		}
	}
	return nil
}

func nonceUsed(auth eip3009.TransferAuthorization) error {
	return &eip3009.Error{
		Code:    eip3009.CodeNonceAlreadyUsed,
		Field:   "nonce",
		Message: fmt.Sprintf("nonce %s already used by %s", auth.Nonce, auth.From),
	}
}

func (e *Engine) reject(auth eip3009.TransferAuthorization, err error) error {
	code := eip3009.CodeOf(err)
	e.metrics.observeAttempt(string(code))
	e.log.Debug().Str("code", string(code)).Str("from", auth.From).Str("nonce", auth.Nonce).Err(err).Msg("authorization rejected")
	return err
}

// TransactionHash is the deterministic identifier of a settled
// authorization: keccak256 over the packed message fields and signature.
func TransactionHash(auth eip3009.TransferAuthorization, sig eip3009.Signature) string {
	value := auth.Value
	if value == nil {
		value = new(uint256.Int)
	}
	var sigBytes []byte
	if raw, err := sig.Bytes(); err == nil {
		sigBytes = raw
	}
	return crypto.Keccak256Hash(
		common.HexToAddress(auth.From).Bytes(),
		common.HexToAddress(auth.To).Bytes(),
		value.PaddedBytes(32),
		uint256.NewInt(auth.ValidAfter).PaddedBytes(32),
		uint256.NewInt(auth.ValidBefore).PaddedBytes(32),
		common.HexToHash(auth.Nonce).Bytes(),
		sigBytes,
	).Hex()
}
