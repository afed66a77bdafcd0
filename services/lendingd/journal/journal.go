package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lendcore/core/events"
)

// ErrDriverUnsupported is returned by Open for unknown drivers.
var ErrDriverUnsupported = errors.New("journal: unsupported driver")

// Record is one persisted lending notification.
type Record struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Type       string    `gorm:"size:64;index" json:"type"`
	LoanID     *uint64   `gorm:"index" json:"loanId,omitempty"`
	Asset      string    `gorm:"size:32;index" json:"asset,omitempty"`
	Attributes string    `gorm:"type:text" json:"-"`
	CreatedAt  time.Time `gorm:"index" json:"createdAt"`
}

// TableName pins the table name regardless of the gorm naming strategy.
func (Record) TableName() string { return "lending_events" }

// Decoded returns the attribute map stored with the record.
func (r Record) Decoded() map[string]string {
	out := map[string]string{}
	if r.Attributes == "" {
		return out
	}
	_ = json.Unmarshal([]byte(r.Attributes), &out)
	return out
}

// Query filters journal reads. Zero values match everything.
type Query struct {
	Type   string
	Asset  string
	LoanID *uint64
	After  uint64
	Limit  int
}

// Journal writes every emitted lending event into a SQL table.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open connects to the configured database and migrates the schema.
func Open(driver, dsn string, log *slog.Logger) (*Journal, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrDriverUnsupported, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", driver, err)
	}
	return New(db, log)
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, log *slog.Logger) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: database required")
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Journal{db: db, logger: log, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Emit implements events.Emitter. Write failures are logged; the engine has
// already committed the state change the event describes.
func (j *Journal) Emit(evt events.Event) {
	if err := j.Append(context.Background(), evt); err != nil {
		j.logger.Warn("journal append failed", slog.String("type", evt.EventType()), slog.Any("error", err))
	}
}

// Append persists a single event.
func (j *Journal) Append(ctx context.Context, evt events.Event) error {
	env := events.Envelope(evt)
	if env == nil {
		return fmt.Errorf("journal: event %q has no envelope", evt.EventType())
	}
	attrs, err := json.Marshal(env.Attributes)
	if err != nil {
		return fmt.Errorf("journal: encode attributes: %w", err)
	}
	rec := Record{
		Type:       env.Type,
		Asset:      assetOf(env.Attributes),
		Attributes: string(attrs),
		CreatedAt:  j.now(),
	}
	if raw, ok := env.Attributes["loanId"]; ok {
		if id, err := strconv.ParseUint(raw, 10, 64); err == nil {
			rec.LoanID = &id
		}
	}
	return j.db.WithContext(ctx).Create(&rec).Error
}

// List returns records matching q in insertion order.
func (j *Journal) List(ctx context.Context, q Query) ([]Record, error) {
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	tx := j.db.WithContext(ctx).Model(&Record{}).Order("id ASC").Limit(limit)
	if q.Type != "" {
		tx = tx.Where("type = ?", q.Type)
	}
	if q.Asset != "" {
		tx = tx.Where("asset = ?", strings.ToUpper(q.Asset))
	}
	if q.LoanID != nil {
		tx = tx.Where("loan_id = ?", *q.LoanID)
	}
	if q.After > 0 {
		tx = tx.Where("id > ?", q.After)
	}
	var out []Record
	if err := tx.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	return out, nil
}

func assetOf(attrs map[string]string) string {
	for _, key := range []string{"asset", "borrowAsset"} {
		if v := strings.TrimSpace(attrs[key]); v != "" {
			return v
		}
	}
	return ""
}

var _ events.Emitter = (*Journal)(nil)
