package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInsufficientFunds   = errors.New("insufficient available balance")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrReservationClosed   = errors.New("reservation is no longer held")
)

const DefaultCurrency = "USD"

// Service is a gorm backed ledger. Available balance is the account
// balance less every HELD reservation.
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

func newID(prefix string) string {
	return prefix + ulid.Make().String()
}

func (s *Service) summary(tx *gorm.DB, userID string) (Summary, error) {
	out := Summary{
		UserID:   userID,
		Currency: DefaultCurrency,
	}

	var acct Account
	err := tx.Where("user_id = ?", userID).First(&acct).Error
	switch {
	case err == nil:
		out.Balance = acct.Balance
		out.Currency = acct.Currency
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return Summary{}, err
	}

	var held []Reservation
	if err := tx.Where("user_id = ? AND state = ?", userID, StateHeld).Find(&held).Error; err != nil {
		return Summary{}, err
	}
	for _, r := range held {
		out.Held = out.Held.Add(r.Amount)
	}
	out.Available = out.Balance.Sub(out.Held)
	return out, nil
}

// Summary returns balance, held and available for a user. Unknown users
// have a zero balance.
func (s *Service) Summary(ctx context.Context, userID string) (Summary, error) {
	return s.summary(s.db.WithContext(ctx), userID)
}

// GetBalance returns the available balance.
func (s *Service) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	sum, err := s.Summary(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return sum.Available, nil
}

// Reserve places a hold of amount. The availability check and the insert
// share one transaction.
func (s *Service) Reserve(ctx context.Context, userID string, amount decimal.Decimal) (string, error) {
	if !amount.IsPositive() {
		return "", ErrInvalidAmount
	}

	res := Reservation{
		ID:     newID("RSV_"),
		UserID: userID,
		Amount: amount,
		State:  StateHeld,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sum, err := s.summary(tx, userID)
		if err != nil {
			return err
		}
		if sum.Available.LessThan(amount) {
			return fmt.Errorf("%w: available %s, requested %s", ErrInsufficientFunds, sum.Available, amount)
		}
		return tx.Create(&res).Error
	})
	if err != nil {
		return "", err
	}

	log.Debug().
		Str("reservation_id", res.ID).
		Str("user_id", userID).
		Str("amount", amount.String()).
		Msg("funds reserved")
	return res.ID, nil
}

// Commit debits finalAmount and closes the reservation. A fill worth more
// than the hold is still debited in full: the part covered by the hold is
// a DEBIT entry and the excess a SHORTFALL entry, and the balance may go
// negative.
func (s *Service) Commit(ctx context.Context, reservationID string, finalAmount decimal.Decimal) error {
	if finalAmount.IsNegative() {
		return ErrInvalidAmount
	}

	var shortfall decimal.Decimal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res, err := heldReservation(tx, reservationID)
		if err != nil {
			return err
		}

		if finalAmount.IsPositive() {
			var acct Account
			if err := tx.Where("user_id = ?", res.UserID).First(&acct).Error; err != nil {
				return err
			}
			if err := tx.Model(&acct).Updates(map[string]any{
				"balance":    acct.Balance.Sub(finalAmount),
				"updated_at": time.Now(),
			}).Error; err != nil {
				return err
			}

			covered := decimal.Min(finalAmount, res.Amount)
			if err := tx.Create(&Entry{
				ID:            newID("ENT_"),
				UserID:        res.UserID,
				Kind:          EntryDebit,
				Amount:        covered,
				ReservationID: res.ID,
			}).Error; err != nil {
				return err
			}
			if shortfall = finalAmount.Sub(covered); shortfall.IsPositive() {
				if err := tx.Create(&Entry{
					ID:            newID("ENT_"),
					UserID:        res.UserID,
					Kind:          EntryShortfall,
					Amount:        shortfall,
					ReservationID: res.ID,
				}).Error; err != nil {
					return err
				}
			}
		}

		return closeReservation(tx, res.ID, StateCommitted, finalAmount)
	})
	if err != nil {
		return err
	}

	if shortfall.IsPositive() {
		log.Warn().
			Str("reservation_id", reservationID).
			Str("debited", finalAmount.String()).
			Str("shortfall", shortfall.String()).
			Msg("fill exceeded reservation")
	}
	return nil
}

// Release closes the hold without a debit.
func (s *Service) Release(ctx context.Context, reservationID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res, err := heldReservation(tx, reservationID)
		if err != nil {
			return err
		}
		return closeReservation(tx, res.ID, StateReleased, decimal.Zero)
	})
}

func heldReservation(tx *gorm.DB, id string) (*Reservation, error) {
	var res Reservation
	if err := tx.Where("id = ?", id).First(&res).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReservationNotFound
		}
		return nil, err
	}
	if res.State != StateHeld {
		return nil, fmt.Errorf("%w: %s is %s", ErrReservationClosed, id, res.State)
	}
	return &res, nil
}

// closeReservation moves a HELD row to state. The state guard in the
// WHERE clause makes a concurrent second close affect nothing.
func closeReservation(tx *gorm.DB, id string, state ReservationState, debited decimal.Decimal) error {
	now := time.Now()
	result := tx.Model(&Reservation{}).
		Where("id = ? AND state = ?", id, StateHeld).
		Updates(map[string]any{"state": state, "debited": debited, "closed_at": now})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrReservationClosed, id)
	}
	return nil
}

// Deposit credits amount and returns the new summary.
func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (Summary, error) {
	if !amount.IsPositive() {
		return Summary{}, ErrInvalidAmount
	}

	var out Summary
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var acct Account
		err := tx.Where("user_id = ?", userID).First(&acct).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			acct = Account{UserID: userID, Balance: amount, Currency: DefaultCurrency}
			if err := tx.Create(&acct).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := tx.Model(&acct).Updates(map[string]any{
				"balance":    acct.Balance.Add(amount),
				"updated_at": time.Now(),
			}).Error; err != nil {
				return err
			}
		}

		if err := tx.Create(&Entry{
			ID:     newID("ENT_"),
			UserID: userID,
			Kind:   EntryDeposit,
			Amount: amount,
		}).Error; err != nil {
			return err
		}

		out, err = s.summary(tx, userID)
		return err
	})
	if err != nil {
		return Summary{}, err
	}

	log.Info().Str("user_id", userID).Str("amount", amount.String()).Msg("deposit recorded")
	return out, nil
}

// Reservation returns a hold by id.
func (s *Service) Reservation(ctx context.Context, id string) (*Reservation, error) {
	var res Reservation
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&res).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReservationNotFound
		}
		return nil, err
	}
	return &res, nil
}
