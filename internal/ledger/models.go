package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReservationState is the lifecycle of a hold.
type ReservationState string

const (
	StateHeld      ReservationState = "HELD"
	StateCommitted ReservationState = "COMMITTED"
	StateReleased  ReservationState = "RELEASED"
)

// Account is a user's internal cash balance. Open holds are not
// subtracted from Balance.
type Account struct {
	UserID    string          `gorm:"primaryKey" json:"user_id"`
	Balance   decimal.Decimal `gorm:"type:text;not null" json:"balance"`
	Currency  string          `gorm:"not null" json:"currency"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Reservation holds funds for one trade until it is committed or released.
type Reservation struct {
	ID        string           `gorm:"primaryKey" json:"id"`
	UserID    string           `gorm:"index;not null" json:"user_id"`
	Amount    decimal.Decimal  `gorm:"type:text;not null" json:"amount"`
	Debited   decimal.Decimal  `gorm:"type:text" json:"debited"`
	State     ReservationState `gorm:"index;not null" json:"state"`
	CreatedAt time.Time        `json:"created_at"`
	ClosedAt  *time.Time       `json:"closed_at,omitempty"`
}

// EntryKind classifies balance movements.
type EntryKind string

const (
	EntryDeposit EntryKind = "DEPOSIT"
	EntryDebit   EntryKind = "DEBIT"
	// EntryShortfall is the part of a fill the reservation did not cover.
	EntryShortfall EntryKind = "SHORTFALL"
)

// Entry is an append-only record of every balance change.
type Entry struct {
	ID            string          `gorm:"primaryKey" json:"id"`
	UserID        string          `gorm:"index;not null" json:"user_id"`
	Kind          EntryKind       `gorm:"not null" json:"kind"`
	Amount        decimal.Decimal `gorm:"type:text;not null" json:"amount"`
	ReservationID string          `json:"reservation_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (Entry) TableName() string { return "ledger_entries" }

// Summary is the balance view returned to callers.
type Summary struct {
	UserID    string          `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	Held      decimal.Decimal `json:"held"`
	Available decimal.Decimal `json:"available"`
	Currency  string          `json:"currency"`
}
