// internal/storage/postgres.go
package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"autotrader/internal/position"
)

// Store persists closed positions to Postgres. It implements
// position.Archiver; the registry keeps working in memory when no
// store is configured.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

func New(postgresURL string, zapLogger *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(postgresURL), &gorm.Config{
		Logger: newGormLogger(zapLogger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := db.AutoMigrate(&PositionRecord{}, &SellRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: zapLogger.Named("storage"),
	}, nil
}

// SaveClosed writes a terminal position and its sell log.
func (s *Store) SaveClosed(ctx context.Context, pos *position.Position) error {
	record := PositionRecord{
		ID:                pos.ID,
		TokenMint:         pos.TokenMint,
		EntryPriceUSD:     pos.EntryPriceUSD,
		OriginalQuantity:  pos.OriginalQuantity,
		RemainingQuantity: pos.RemainingQuantity,
		InvestedAmountSOL: pos.InvestedAmountSOL,
		Status:            string(pos.Status),
		CreatedAt:         pos.CreatedAt,
		ClosedAt:          pos.ClosedAt,
	}
	for _, sell := range pos.Sells {
		record.Sells = append(record.Sells, SellRecord{
			PositionID:  pos.ID,
			Timestamp:   sell.Timestamp,
			Quantity:    sell.Quantity,
			ProceedsSOL: sell.ProceedsSOL,
			TierIndex:   sell.TierIndex,
			Reason:      sell.Reason,
			TxSignature: sell.TxSignature,
		})
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("failed to save closed position %s: %w", pos.ID, err)
	}

	s.logger.Info("closed position archived",
		zap.String("position_id", pos.ID),
		zap.String("status", record.Status),
		zap.Int("sells", len(record.Sells)))
	return nil
}

// ListClosed returns archived positions, newest first.
func (s *Store) ListClosed(ctx context.Context, limit int) ([]PositionRecord, error) {
	var records []PositionRecord
	err := s.db.WithContext(ctx).
		Preload("Sells").
		Order("closed_at desc").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list closed positions: %w", err)
	}
	return records, nil
}

// gormLogger adapts zap to gorm's logger interface.
type gormLogger struct {
	zapLogger *zap.Logger
	logLevel  logger.LogLevel
}

func newGormLogger(zapLogger *zap.Logger) logger.Interface {
	return &gormLogger{
		zapLogger: zapLogger.Named("gorm"),
		logLevel:  logger.Warn,
	}
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	newLogger := *l
	newLogger.logLevel = level
	return &newLogger
}

func (l *gormLogger) Info(_ context.Context, msg string, data ...interface{}) {
	if l.logLevel >= logger.Info {
		l.zapLogger.Sugar().Infof(msg, data...)
	}
}

func (l *gormLogger) Warn(_ context.Context, msg string, data ...interface{}) {
	if l.logLevel >= logger.Warn {
		l.zapLogger.Sugar().Warnf(msg, data...)
	}
}

func (l *gormLogger) Error(_ context.Context, msg string, data ...interface{}) {
	if l.logLevel >= logger.Error {
		l.zapLogger.Sugar().Errorf(msg, data...)
	}
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.logLevel <= logger.Silent {
		return
	}
	sql, rows := fc()
	elapsed := time.Since(begin)
	switch {
	case err != nil && l.logLevel >= logger.Error:
		l.zapLogger.Error("query failed",
			zap.String("sql", sql),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
	case elapsed > 200*time.Millisecond && l.logLevel >= logger.Warn:
		l.zapLogger.Warn("slow query",
			zap.String("sql", sql),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed))
	}
}
