package orchestrator

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Journal persists trade records.
type Journal interface {
	Create(ctx context.Context, rec *TradeRecord) error
	Save(ctx context.Context, rec *TradeRecord) error
	Get(ctx context.Context, id string) (*TradeRecord, error)
	// FindFinal returns the latest filled or rejected trade for a client
	// order id, or nil.
	FindFinal(ctx context.Context, userID, clientOrderID string) (*TradeRecord, error)
	Stats(ctx context.Context, connectionID string) (Stats, error)
}

// Database is the gorm Journal.
type Database struct {
	db     *gorm.DB
	window int
}

var _ Journal = (*Database)(nil)

// DefaultStatsWindow is how many recent submissions feed the estimates.
const DefaultStatsWindow = 50

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db, window: DefaultStatsWindow}
}

func (d *Database) Create(ctx context.Context, rec *TradeRecord) error {
	return d.db.WithContext(ctx).Create(rec).Error
}

func (d *Database) Save(ctx context.Context, rec *TradeRecord) error {
	rec.UpdatedAt = time.Now()
	return d.db.WithContext(ctx).Save(rec).Error
}

func (d *Database) Get(ctx context.Context, id string) (*TradeRecord, error) {
	var rec TradeRecord
	if err := d.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (d *Database) FindFinal(ctx context.Context, userID, clientOrderID string) (*TradeRecord, error) {
	var rec TradeRecord
	err := d.db.WithContext(ctx).
		Where("user_id = ? AND client_order_id = ? AND state IN ?", userID, clientOrderID,
			[]TradeState{StateFilled, StateRejected}).
		Order("created_at DESC").
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// Stats summarises the connection's most recent submitted trades.
func (d *Database) Stats(ctx context.Context, connectionID string) (Stats, error) {
	var recs []TradeRecord
	err := d.db.WithContext(ctx).
		Select("id", "state", "stage", "submit_latency", "updated_at").
		Where("connection_id = ? AND state IN ?", connectionID,
			[]TradeState{StateFilled, StateRejected, StateFailed}).
		Order("created_at DESC").
		Limit(d.window).
		Find(&recs).Error
	if err != nil {
		return Stats{}, err
	}

	var (
		stats   Stats
		latency time.Duration
		timed   int
	)
	for _, rec := range recs {
		if !rec.Submitted() {
			continue
		}
		stats.Attempts++
		if rec.SubmitLatency > 0 {
			latency += rec.SubmitLatency
			timed++
		}
		if rec.State != StateFilled {
			continue
		}
		stats.Successes++
		if stats.LastSuccess == nil || rec.UpdatedAt.After(*stats.LastSuccess) {
			at := rec.UpdatedAt
			stats.LastSuccess = &at
		}
	}
	if timed > 0 {
		stats.MeanLatency = latency / time.Duration(timed)
	}
	return stats, nil
}
