package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceSample is one persisted price observation.
type PriceSample struct {
	ID        int64
	Symbol    string
	Price     decimal.Decimal
	Source    string
	SampledAt time.Time
	CreatedAt time.Time
}

// SystemAlertRecord audits a threshold breach raised by the collector.
type SystemAlertRecord struct {
	ID        string
	Type      string
	Level     string
	Message   string
	Value     float64
	Threshold float64
	RaisedAt  time.Time
	CreatedAt time.Time
}
