package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Supported GormStore drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Account is a token balance row. Balances are uint256 and stored as decimal
// text.
type Account struct {
	Address   string `gorm:"primaryKey;size:42"`
	Balance   string `gorm:"not null"`
	UpdatedAt time.Time
}

// UsedNonce records a consumed authorization nonce.
type UsedNonce struct {
	Address     string `gorm:"primaryKey;size:42"`
	Nonce       string `gorm:"primaryKey;size:66"`
	ValidBefore int64  `gorm:"index;not null"`
	TxHash      string `gorm:"size:66"`
	UsedAt      time.Time
}

// EventRecord is the persisted form of an Event.
type EventRecord struct {
	Seq         uint64 `gorm:"primaryKey;autoIncrement"`
	ID          string `gorm:"uniqueIndex;size:36"`
	Kind        string `gorm:"index;size:32"`
	TxHash      string `gorm:"index;size:66"`
	FromAddress string `gorm:"index;size:42"`
	ToAddress   string `gorm:"index;size:42"`
	Value       string
	Nonce       string `gorm:"size:66"`
	Timestamp   time.Time
}

func (EventRecord) TableName() string { return "ledger_events" }

// AutoMigrate creates or updates the ledger tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &UsedNonce{}, &EventRecord{})
}

// GormStore persists the ledger through GORM on SQLite or PostgreSQL.
type GormStore struct {
	db     *gorm.DB
	driver string
}

// OpenGorm opens a store for driver ("sqlite" or "postgres") and dsn and
// migrates the schema.
func OpenGorm(driver, dsn string) (*GormStore, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger dsn must be configured")
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(trimmed)
	case DriverPostgres:
		dialector = postgres.Open(trimmed)
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if driver == DriverSQLite {
		// SQLite has no row locks; one connection serializes transactions.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return NewGormStore(db, driver)
}

// NewGormStore wraps an open database and migrates the schema.
func NewGormStore(db *gorm.DB, driver string) (*GormStore, error) {
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}
	return &GormStore{db: db, driver: driver}, nil
}

func (s *GormStore) Update(ctx context.Context, fn func(Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx, lock: s.driver == DriverPostgres})
	})
}

func (s *GormStore) View(ctx context.Context, fn func(Reader) error) error {
	return fn(&gormTx{db: s.db.WithContext(ctx)})
}

func (s *GormStore) Events(ctx context.Context, filter EventFilter) ([]Event, error) {
	q := s.db.WithContext(ctx).Model(&EventRecord{}).Order("seq ASC")
	if filter.Kind != "" {
		q = q.Where("kind = ?", string(filter.Kind))
	}
	if filter.Address != "" {
		addr := key(filter.Address)
		q = q.Where("from_address = ? OR to_address = ?", addr, addr)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var records []EventRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	out := make([]Event, 0, len(records))
	for _, rec := range records {
		ev := Event{
			ID:        rec.ID,
			Kind:      EventKind(rec.Kind),
			TxHash:    rec.TxHash,
			From:      rec.FromAddress,
			To:        rec.ToAddress,
			Nonce:     rec.Nonce,
			Timestamp: rec.Timestamp,
		}
		if rec.Value != "" {
			v, err := uint256.FromDecimal(rec.Value)
			if err != nil {
				return nil, fmt.Errorf("event %s value: %w", rec.ID, err)
			}
			ev.Value = v
		}
		out = append(out, ev)
	}
	return out, nil
}

// storedValidBefore clamps validBefore into the signed column. Clamped
// values still lie past any prune cutoff.
func storedValidBefore(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

func (s *GormStore) PruneNonces(ctx context.Context, expiredBefore time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("valid_before < ?", expiredBefore.Unix()).Delete(&UsedNonce{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune nonces: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type gormTx struct {
	db   *gorm.DB
	lock bool
}

func (tx *gormTx) Balance(addr string) (*uint256.Int, error) {
	q := tx.db
	if tx.lock {
		// Materialize the row first so FOR UPDATE has something to lock
		// even for an address that has never held funds.
		seed := Account{Address: key(addr), Balance: "0", UpdatedAt: time.Now().UTC()}
		if err := tx.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return nil, fmt.Errorf("seed account: %w", err)
		}
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var acct Account
	err := q.Where("address = ?", key(addr)).Take(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load balance: %w", err)
	}
	v, err := uint256.FromDecimal(acct.Balance)
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w", acct.Address, err)
	}
	return v, nil
}

func (tx *gormTx) HasNonce(addr, nonce string) (bool, error) {
	var count int64
	err := tx.db.Model(&UsedNonce{}).
		Where("address = ? AND nonce = ?", key(addr), key(nonce)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("lookup nonce: %w", err)
	}
	return count > 0, nil
}

func (tx *gormTx) SetBalance(addr string, v *uint256.Int) error {
	acct := Account{Address: key(addr), Balance: v.Dec(), UpdatedAt: time.Now().UTC()}
	err := tx.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{"balance", "updated_at"}),
	}).Create(&acct).Error
	if err != nil {
		return fmt.Errorf("store balance: %w", err)
	}
	return nil
}

func (tx *gormTx) MarkNonce(addr, nonce string, rec NonceRecord) error {
	row := UsedNonce{
		Address:     key(addr),
		Nonce:       key(nonce),
		ValidBefore: storedValidBefore(rec.ValidBefore),
		TxHash:      rec.TxHash,
		UsedAt:      rec.UsedAt.UTC(),
	}
	if err := tx.db.Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrNonceExists
		}
		return fmt.Errorf("record nonce: %w", err)
	}
	return nil
}

func (tx *gormTx) AppendEvent(ev Event) error {
	id := ev.ID
	if id == "" {
		id = uuid.NewString()
	}
	rec := EventRecord{
		ID:          id,
		Kind:        string(ev.Kind),
		TxHash:      ev.TxHash,
		FromAddress: key(ev.From),
		ToAddress:   key(ev.To),
		Nonce:       key(ev.Nonce),
		Timestamp:   ev.Timestamp.UTC(),
	}
	if ev.Value != nil {
		rec.Value = ev.Value.Dec()
	}
	if err := tx.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}
