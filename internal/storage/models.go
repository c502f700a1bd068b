// internal/storage/models.go
package storage

import (
	"time"
)

// PositionRecord is the persisted form of a closed position.
type PositionRecord struct {
	ID                string `gorm:"primaryKey"`
	TokenMint         string `gorm:"index"`
	EntryPriceUSD     float64
	OriginalQuantity  float64
	RemainingQuantity float64
	InvestedAmountSOL float64
	Status            string
	CreatedAt         time.Time
	ClosedAt          time.Time
	Sells             []SellRecord `gorm:"foreignKey:PositionID"`
}

func (PositionRecord) TableName() string {
	return "positions"
}

// SellRecord is one executed sale belonging to a position.
type SellRecord struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	PositionID  string `gorm:"index"`
	Timestamp   time.Time
	Quantity    float64
	ProceedsSOL float64
	TierIndex   *int
	Reason      string
	TxSignature string
}

func (SellRecord) TableName() string {
	return "position_sells"
}
