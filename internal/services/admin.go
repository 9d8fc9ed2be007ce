// Package services – AdminService
//
// AdminService backs the operator API: paginated reservation listings and
// a per-reservation view with its payment state and rejected payments.
// Missing reservations map to ErrReservationNotFound so handlers can
// translate them consistently.

package services

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tbourn/username-attestor/internal/domain"
	"github.com/tbourn/username-attestor/internal/repo"
)

var (
	// ErrReservationNotFound is returned when a reservation id is unknown.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrAttestationNotFound is returned when a payment has no attestation job.
	ErrAttestationNotFound = errors.New("attestation job not found")
)

// ReservationRepo is the read side AdminService needs.
type ReservationRepo interface {
	CountReservations(ctx context.Context, db *gorm.DB, requesterID string) (int64, error)
	ListReservationsPage(ctx context.Context, db *gorm.DB, requesterID string, offset, limit int) ([]domain.Reservation, error)
	GetReservation(ctx context.Context, db *gorm.DB, reservationID string) (*domain.Reservation, error)
}

type gormReservationRepo struct{}

func (gormReservationRepo) CountReservations(ctx context.Context, db *gorm.DB, requesterID string) (int64, error) {
	return repo.CountReservations(ctx, db, requesterID)
}

func (gormReservationRepo) ListReservationsPage(ctx context.Context, db *gorm.DB, requesterID string, offset, limit int) ([]domain.Reservation, error) {
	return repo.ListReservationsPage(ctx, db, requesterID, offset, limit)
}

func (gormReservationRepo) GetReservation(ctx context.Context, db *gorm.DB, reservationID string) (*domain.Reservation, error) {
	return repo.GetReservation(ctx, db, reservationID)
}

// AdminService provides operator read access.
type AdminService struct {
	DB   *gorm.DB
	Repo ReservationRepo
}

// NewAdminService returns an AdminService over the GORM repository.
func NewAdminService(db *gorm.DB) *AdminService {
	return &AdminService{DB: db, Repo: gormReservationRepo{}}
}

// ReservationView is one reservation with its payment history.
type ReservationView struct {
	Reservation domain.Reservation       `json:"reservation"`
	Status      *repo.ReservationStatus  `json:"status,omitempty"`
	Rejected    []domain.RejectedPayment `json:"rejected"`
}

// ListPage returns a page of the requester's reservations, newest first.
// Invalid page or pageSize fall back to 1 and 20.
func (s *AdminService) ListPage(ctx context.Context, requesterID string, page, pageSize int) ([]domain.Reservation, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := s.Repo.CountReservations(ctx, s.DB, requesterID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Reservation{}, 0, nil
	}
	items, err := s.Repo.ListReservationsPage(ctx, s.DB, requesterID, offset, pageSize)
	return items, total, err
}

// Get returns the view of one reservation.
func (s *AdminService) Get(ctx context.Context, reservationID string) (*ReservationView, error) {
	r, err := s.Repo.GetReservation(ctx, s.DB, reservationID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	v := &ReservationView{Reservation: *r, Rejected: []domain.RejectedPayment{}}
	st, err := repo.GetReservationStatus(ctx, s.DB, reservationID)
	switch {
	case err == nil:
		v.Status = st
	case !errors.Is(err, repo.ErrNotFound):
		return nil, err
	}
	rej, err := repo.ListRejectedPayments(ctx, s.DB, reservationID)
	if err != nil {
		return nil, err
	}
	if len(rej) > 0 {
		v.Rejected = rej
	}
	return v, nil
}

// Attestation returns the attestation job of a finalized payment.
func (s *AdminService) Attestation(ctx context.Context, paymentTxID string) (*domain.AttestationJob, error) {
	j, err := repo.GetAttestationJob(ctx, s.DB, paymentTxID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrAttestationNotFound
	}
	return j, err
}
