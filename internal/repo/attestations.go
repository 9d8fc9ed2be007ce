package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/username-attestor/internal/domain"
)

// AttestationTarget is everything the poster needs to build and announce an
// attestation for one finalized payment.
type AttestationTarget struct {
	PaymentTxID     string
	ReservationID   string
	RequesterID     string
	PayerAddress    string
	Identifier      string
	// Locale is empty when the requester has no user row.
	Locale          string
	AttestationTxID *string
	AttestedAt      *time.Time
}

// CreateAttestationJob inserts the job row for a finalized payment. It is a
// no-op when the job already exists.
func CreateAttestationJob(ctx context.Context, db *gorm.DB, paymentTxID string, at time.Time) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.AttestationJob{PaymentTxID: paymentTxID, CreatedAt: at}).Error
}

// GetAttestationJob fetches the job for a payment, or ErrNotFound.
func GetAttestationJob(ctx context.Context, db *gorm.DB, paymentTxID string) (*domain.AttestationJob, error) {
	var j domain.AttestationJob
	if err := db.WithContext(ctx).Where("payment_tx_id = ?", paymentTxID).First(&j).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// GetAttestationTarget joins the job with its payment, reservation and
// requester. ErrNotFound means no job exists for the payment.
func GetAttestationTarget(ctx context.Context, db *gorm.DB, paymentTxID string) (*AttestationTarget, error) {
	var out AttestationTarget
	res := db.WithContext(ctx).Model(&domain.AttestationJob{}).
		Select(`attestation_jobs.payment_tx_id, r.reservation_id, r.requester_id, r.payer_address,
			r.identifier, COALESCE(u.locale, '') AS locale, attestation_jobs.attestation_tx_id,
			attestation_jobs.attested_at`).
		Joins("JOIN payments p ON p.payment_tx_id = attestation_jobs.payment_tx_id").
		Joins("JOIN reservations r ON r.reservation_id = p.reservation_id").
		Joins("LEFT JOIN users u ON u.requester_id = r.requester_id").
		Where("attestation_jobs.payment_tx_id = ?", paymentTxID).
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

// SetAttestationTx records the posted attestation. The write only applies
// while attestation_tx_id is still NULL; otherwise ErrNotFound is returned.
func SetAttestationTx(ctx context.Context, db *gorm.DB, paymentTxID, attestationTxID string, at time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.AttestationJob{}).
		Where("payment_tx_id = ? AND attestation_tx_id IS NULL", paymentTxID).
		Updates(map[string]any{"attestation_tx_id": attestationTxID, "attested_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListPendingAttestations returns payment ids of jobs not yet posted,
// oldest first.
func ListPendingAttestations(ctx context.Context, db *gorm.DB, limit int) ([]string, error) {
	var out []string
	err := db.WithContext(ctx).
		Model(&domain.AttestationJob{}).
		Where("attestation_tx_id IS NULL").
		Order("created_at asc").
		Limit(limit).
		Pluck("payment_tx_id", &out).Error
	return out, err
}
