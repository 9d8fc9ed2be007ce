// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for credited
// payments, rejected payment audit rows, and the duplicate-key helper.
//
// Error semantics:
//   - Missing rows surface as ErrNotFound.
//   - Unique violations are returned raw; use IsDuplicate to detect them
//     across SQLite, PostgreSQL and MySQL.
package repo

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/username-attestor/internal/domain"
)

// IsDuplicate reports whether err is a unique-constraint violation.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	// SQLite: "UNIQUE constraint failed"
	// Postgres: "duplicate key value violates unique constraint"
	// MySQL: "Error 1062: Duplicate entry"
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry")
}

// CreatePayment inserts an accepted payment with a pending confirmation state.
func CreatePayment(ctx context.Context, db *gorm.DB, p *domain.Payment) error {
	p.IsConfirmed = nil
	p.ConfirmedAt = nil
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(p).Error
}

// GetPayment fetches a payment by transaction id, or ErrNotFound.
func GetPayment(ctx context.Context, db *gorm.DB, txID string) (*domain.Payment, error) {
	var p domain.Payment
	if err := db.WithContext(ctx).Where("payment_tx_id = ?", txID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// TxSeen reports whether the transaction was already credited or rejected
// for the given reservation.
func TxSeen(ctx context.Context, db *gorm.DB, txID, reservationID string) (bool, error) {
	var n int64
	if err := db.WithContext(ctx).Model(&domain.Payment{}).
		Where("payment_tx_id = ?", txID).
		Count(&n).Error; err != nil || n > 0 {
		return n > 0, err
	}
	err := db.WithContext(ctx).Model(&domain.RejectedPayment{}).
		Where("payment_tx_id = ? AND reservation_id = ?", txID, reservationID).
		Count(&n).Error
	return n > 0, err
}

// PayerHasPayment reports whether any reservation of the payer address has
// a credited payment.
func PayerHasPayment(ctx context.Context, db *gorm.DB, payer string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.Payment{}).
		Joins("JOIN reservations r ON r.reservation_id = payments.reservation_id").
		Where("r.payer_address = ?", payer).
		Count(&n).Error
	return n > 0, err
}

// FindUnattestedPayment returns the identifier of a credited payment made by
// the requester or from the payer address whose attestation has not been
// posted yet. ErrNotFound means nothing is in flight.
func FindUnattestedPayment(ctx context.Context, db *gorm.DB, requesterID, payer string) (string, error) {
	var ids []string
	err := db.WithContext(ctx).Model(&domain.Payment{}).
		Joins("JOIN reservations r ON r.reservation_id = payments.reservation_id").
		Joins("LEFT JOIN attestation_jobs j ON j.payment_tx_id = payments.payment_tx_id").
		Where("(r.requester_id = ? OR r.payer_address = ?)", requesterID, payer).
		Where("j.attestation_tx_id IS NULL").
		Limit(1).
		Pluck("r.identifier", &ids).Error
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", gorm.ErrRecordNotFound
	}
	return ids[0], nil
}

// FinalizePayment marks a pending payment as final. It reports false when
// the payment was already final, and ErrNotFound when it does not exist.
func FinalizePayment(ctx context.Context, db *gorm.DB, txID string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Payment{}).
		Where("payment_tx_id = ? AND (is_confirmed IS NULL OR is_confirmed <> ?)", txID, domain.PaymentFinal).
		Updates(map[string]any{"is_confirmed": domain.PaymentFinal, "confirmed_at": at})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	if _, err := GetPayment(ctx, db, txID); err != nil {
		return false, err
	}
	return false, nil
}

// ReservationStatus summarizes the latest payment for a reservation.
type ReservationStatus struct {
	PaymentTxID     string     `json:"payment_tx_id"`
	ReceivedAmount  int64      `json:"received_amount"`
	IsConfirmed     *int       `json:"is_confirmed,omitempty"`
	AttestationTxID *string    `json:"attestation_tx_id,omitempty"`
	AttestedAt      *time.Time `json:"attested_at,omitempty"`
}

// GetReservationStatus returns the latest payment state of a reservation,
// or ErrNotFound when nothing was paid into it.
func GetReservationStatus(ctx context.Context, db *gorm.DB, reservationID string) (*ReservationStatus, error) {
	var out ReservationStatus
	res := db.WithContext(ctx).Model(&domain.Payment{}).
		Select("payments.payment_tx_id, payments.received_amount, payments.is_confirmed, j.attestation_tx_id, j.attested_at").
		Joins("LEFT JOIN attestation_jobs j ON j.payment_tx_id = payments.payment_tx_id").
		Where("payments.reservation_id = ?", reservationID).
		Order("payments.created_at desc").
		Limit(1).
		Scan(&out)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return &out, nil
}

// CreateRejectedPayment appends an audit row. A second row for the same
// (transaction, reservation) pair is silently ignored.
func CreateRejectedPayment(ctx context.Context, db *gorm.DB, r *domain.RejectedPayment) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(r).Error
}

// ListRejectedPayments returns the audit rows of a reservation, oldest first.
func ListRejectedPayments(ctx context.Context, db *gorm.DB, reservationID string) ([]domain.RejectedPayment, error) {
	var out []domain.RejectedPayment
	err := db.WithContext(ctx).
		Where("reservation_id = ?", reservationID).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}
