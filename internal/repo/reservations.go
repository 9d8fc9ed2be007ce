// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for reservations
// and the availability queries the reservation and validation logic decide on.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions. They hold no business rules: callers are
// expected to run the decide-then-write sequence under the identifier lock.
//
// Terminology used below:
//   - owner: the (requester_id, payer_address) pair of a reservation.
//   - paid: at least one row in payments references the reservation.
//   - fresh: created_at is after the caller supplied cut-off.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/username-attestor/internal/domain"
)

const (
	paidExists     = "EXISTS (SELECT 1 FROM payments p WHERE p.reservation_id = reservations.reservation_id)"
	rejectedExists = "EXISTS (SELECT 1 FROM rejected_payments rp WHERE rp.reservation_id = reservations.reservation_id)"
	finalExists    = "EXISTS (SELECT 1 FROM payments fp WHERE fp.reservation_id = reservations.reservation_id AND fp.is_confirmed = 1)"
	pendingExists  = "EXISTS (SELECT 1 FROM payments pp WHERE pp.reservation_id = reservations.reservation_id AND (pp.is_confirmed IS NULL OR pp.is_confirmed <> 1))"
)

// CreateReservation inserts a new reservation row.
func CreateReservation(ctx context.Context, db *gorm.DB, r *domain.Reservation) error {
	return db.WithContext(ctx).Create(r).Error
}

// GetReservation fetches a reservation by its receiving address, or ErrNotFound.
func GetReservation(ctx context.Context, db *gorm.DB, reservationID string) (*domain.Reservation, error) {
	var r domain.Reservation
	if err := db.WithContext(ctx).Where("reservation_id = ?", reservationID).First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// FindReservation returns the most recent reservation for the exact
// (requester, payer, identifier) triple, or ErrNotFound.
func FindReservation(ctx context.Context, db *gorm.DB, requesterID, payer, identifier string) (*domain.Reservation, error) {
	var r domain.Reservation
	err := db.WithContext(ctx).
		Where("requester_id = ? AND payer_address = ? AND identifier = ?", requesterID, payer, identifier).
		Order("created_at desc").
		First(&r).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// FindBlockingReservation returns a reservation for identifier held by a
// different owner that is either paid or fresh (created after freshSince).
// Paid rows are preferred. ErrNotFound means the identifier is available.
func FindBlockingReservation(ctx context.Context, db *gorm.DB, identifier, requesterID, payer string, freshSince time.Time) (*domain.Reservation, error) {
	var r domain.Reservation
	err := db.WithContext(ctx).
		Where("identifier = ?", identifier).
		Where("NOT (requester_id = ? AND payer_address = ?)", requesterID, payer).
		Where("("+paidExists+" OR created_at > ?)", freshSince).
		Order(paidExists + " desc").
		Order("created_at desc").
		First(&r).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// FindPaidCompetitor returns another reservation for the same identifier
// that already has a credited payment, or ErrNotFound.
func FindPaidCompetitor(ctx context.Context, db *gorm.DB, identifier, exceptReservationID string) (*domain.Reservation, error) {
	var r domain.Reservation
	err := db.WithContext(ctx).
		Where("identifier = ? AND reservation_id <> ?", identifier, exceptReservationID).
		Where(paidExists).
		First(&r).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// FindFreshCompetitor returns an unpaid reservation for identifier created
// after freshSince whose requester and payer both differ from the given
// ones, or ErrNotFound.
func FindFreshCompetitor(ctx context.Context, db *gorm.DB, identifier, requesterID, payer string, freshSince time.Time) (*domain.Reservation, error) {
	var r domain.Reservation
	err := db.WithContext(ctx).
		Where("identifier = ? AND requester_id <> ? AND payer_address <> ?", identifier, requesterID, payer).
		Where("created_at > ?", freshSince).
		Where("NOT " + paidExists).
		Order("created_at desc").
		First(&r).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CountPaidReservations returns how many distinct reservations of the
// requester have at least one credited payment.
func CountPaidReservations(ctx context.Context, db *gorm.DB, requesterID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Reservation{}).
		Where("requester_id = ?", requesterID).
		Where(paidExists).
		Count(&n).Error
	return n, err
}

// ListReservationsPage returns a page of the requester's reservations,
// newest first.
func ListReservationsPage(ctx context.Context, db *gorm.DB, requesterID string, offset, limit int) ([]domain.Reservation, error) {
	var out []domain.Reservation
	err := db.WithContext(ctx).
		Where("requester_id = ?", requesterID).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountReservations returns the total number of reservations of the requester.
func CountReservations(ctx context.Context, db *gorm.DB, requesterID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Reservation{}).
		Where("requester_id = ?", requesterID).
		Count(&n).Error
	return n, err
}

// ListExpiringReservations selects reservations due for an expiry warning:
// created at or before dueBefore, not yet notified, without any payment,
// and whose payer has no paid reservation elsewhere.
func ListExpiringReservations(ctx context.Context, db *gorm.DB, dueBefore time.Time) ([]domain.Reservation, error) {
	var out []domain.Reservation
	err := db.WithContext(ctx).
		Where("notified_expiry = ?", false).
		Where("created_at <= ?", dueBefore).
		Where("NOT " + paidExists).
		Where(`NOT EXISTS (
			SELECT 1 FROM reservations o
			JOIN payments op ON op.reservation_id = o.reservation_id
			WHERE o.payer_address = reservations.payer_address)`).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}

// MarkExpiryNotified sets notified_expiry. It returns ErrNotFound when the
// reservation is missing or was already marked.
func MarkExpiryNotified(ctx context.Context, db *gorm.DB, reservationID string) error {
	res := db.WithContext(ctx).
		Model(&domain.Reservation{}).
		Where("reservation_id = ? AND notified_expiry = ?", reservationID, false).
		Update("notified_expiry", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListReceivingAddresses returns a page of settled reservation ids
// (receiving addresses), oldest first: those with a final payment or a
// rejected one, and no credited payment still awaiting finality. The fund
// mover sweeps their balances to the accumulation address.
func ListReceivingAddresses(ctx context.Context, db *gorm.DB, offset, limit int) ([]string, error) {
	var out []string
	err := db.WithContext(ctx).
		Model(&domain.Reservation{}).
		Where("(" + finalExists + " OR " + rejectedExists + ")").
		Where("NOT " + pendingExists).
		Order("created_at asc, reservation_id asc").
		Offset(offset).
		Limit(limit).
		Pluck("reservation_id", &out).Error
	return out, err
}

// IsReceivingAddress reports whether addr was issued as a reservation id.
func IsReceivingAddress(ctx context.Context, db *gorm.DB, addr string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Reservation{}).
		Where("reservation_id = ?", addr).
		Count(&n).Error
	return n > 0, err
}
