package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Currency is a tracked instrument.
type Currency struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	Tracked bool   `json:"tracked"`
}

// CurrencyRecord is one persisted observation of a currency value.
// Records are immutable once stored.
type CurrencyRecord struct {
	ID        string          `json:"id"`
	Currency  string          `json:"currency"`
	Timestamp time.Time       `json:"timestamp"`
	Value     decimal.Decimal `json:"value"`
}

// AlertType enumerates supported rule kinds.
type AlertType string

const (
	// AlertTypeExceed fires when the current value passes the rule threshold.
	AlertTypeExceed AlertType = "exceed"
)

// Valid reports whether t names a known alert type.
func (t AlertType) Valid() bool {
	return t == AlertTypeExceed
}

// AlertRule is a user-defined trigger, unique per (currency, type).
type AlertRule struct {
	ID              uuid.UUID       `json:"id"`
	Currency        string          `json:"currency"`
	Type            AlertType       `json:"type"`
	Threshold       decimal.Decimal `json:"threshold"`
	SentToUser      bool            `json:"sent_to_user"`
	LastEvaluatedAt *time.Time      `json:"last_evaluated_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// RecordID derives the content-addressed record identifier. The hash input is
// the source-native epoch second, the currency code, and the canonical decimal
// string of the value, joined with '|'. Two records with identical logical
// content always collide to the same id.
func RecordID(epoch int64, code string, value decimal.Decimal) string {
	sum := sha256.Sum256([]byte(strconv.FormatInt(epoch, 10) + "|" + code + "|" + value.String()))
	return hex.EncodeToString(sum[:])
}
