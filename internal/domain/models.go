// Package domain defines the persistence models for requesters, identifier
// reservations, credited payments, attestation jobs, and rejected payments.
// These types are mapped with GORM and form the core data layer of the
// attestation bot.
package domain

import "time"

// Payment confirmation states stored in Payment.IsConfirmed. A NULL column
// means the payment was accepted but has not yet reached finality.
const (
	PaymentSeen  = 0
	PaymentFinal = 1
)

// User represents a requester: one chat endpoint paired with the bot.
//
// Fields:
//   - RequesterID: opaque transport identity; primary key.
//   - PayerAddress: address the requester claims to pay from (nullable).
//   - Identifier: username the requester currently asks for (nullable).
//   - Locale: BCP 47 tag used to render replies.
//
// PayerAddress and Identifier are cleared when an attempt is abandoned,
// rejected for a wrong author, or completed by an attestation.
type User struct {
	RequesterID  string    `json:"requester_id"            gorm:"type:varchar(64);primaryKey"`
	PayerAddress *string   `json:"payer_address,omitempty" gorm:"type:varchar(64)"`
	Identifier   *string   `json:"identifier,omitempty"    gorm:"type:varchar(64)"`
	Locale       string    `json:"locale"                  gorm:"type:varchar(16);not null;default:'en'"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// Reservation binds a requester, a payer address and an identifier to a
// price and a receiving address. Rows are never mutated after creation
// except for NotifiedExpiry; a change of parameters issues a new row.
//
// Fields:
//   - ReservationID: the receiving address issued by the ledger (unique).
//   - RequesterID / PayerAddress / Identifier: the reservation triple,
//     indexed together for idempotent lookups.
//   - Price: amount required at creation time.
//   - NotifiedExpiry: set once the expiry warning was delivered.
type Reservation struct {
	ReservationID  string    `json:"reservation_id"  gorm:"type:varchar(64);primaryKey"`
	RequesterID    string    `json:"requester_id"    gorm:"type:varchar(64);not null;index:idx_res_triple,priority:1"`
	PayerAddress   string    `json:"payer_address"   gorm:"type:varchar(64);not null;index:idx_res_triple,priority:2;index:idx_res_payer"`
	Identifier     string    `json:"identifier"      gorm:"type:varchar(64);not null;index:idx_res_triple,priority:3;index:idx_res_identifier"`
	Price          int64     `json:"price"           gorm:"not null"`
	CreatedAt      time.Time `json:"created_at"      gorm:"not null;index"`
	NotifiedExpiry bool      `json:"notified_expiry" gorm:"not null;default:false"`

	// Payments credited against this reservation; the FK lives on payments.
	Payments []Payment `json:"-" gorm:"foreignKey:ReservationID;references:ReservationID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

// TableName returns the database table name for Reservation.
func (Reservation) TableName() string { return "reservations" }

// Payment is one credited incoming transaction against a reservation.
//
// IsConfirmed is NULL while pending and PaymentFinal once the ledger reports
// the transaction as irreversible. ConfirmedAt is set together with it.
type Payment struct {
	PaymentTxID    string     `json:"payment_tx_id"          gorm:"type:varchar(64);primaryKey"`
	ReservationID  string     `json:"reservation_id"         gorm:"type:varchar(64);not null;index"`
	PriceAtTime    int64      `json:"price_at_time"          gorm:"not null"`
	ReceivedAmount int64      `json:"received_amount"        gorm:"not null"`
	IsConfirmed    *int       `json:"is_confirmed,omitempty"`
	ConfirmedAt    *time.Time `json:"confirmed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`

	// AttestationJob is created once the payment is final; the FK lives on
	// attestation_jobs.
	AttestationJob *AttestationJob `json:"-" gorm:"foreignKey:PaymentTxID;references:PaymentTxID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Payment.
func (Payment) TableName() string { return "payments" }

// Final reports whether the payment reached irreversible confirmation.
func (p Payment) Final() bool { return p.IsConfirmed != nil && *p.IsConfirmed == PaymentFinal }

// AttestationJob tracks posting of the attestation for one finalized
// payment. AttestationTxID is written at most once.
type AttestationJob struct {
	PaymentTxID     string     `json:"payment_tx_id"               gorm:"type:varchar(64);primaryKey"`
	AttestationTxID *string    `json:"attestation_tx_id,omitempty" gorm:"type:varchar(64)"`
	AttestedAt      *time.Time `json:"attested_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// TableName returns the database table name for AttestationJob.
func (AttestationJob) TableName() string { return "attestation_jobs" }

// Attested reports whether the attestation was posted.
func (j AttestationJob) Attested() bool { return j.AttestationTxID != nil }

// RejectedPayment is an append-only audit row for a payment that failed
// validation. A transaction is recorded at most once per reservation.
type RejectedPayment struct {
	ID             string    `json:"id"              gorm:"type:char(36);primaryKey"`
	ReservationID  string    `json:"reservation_id"  gorm:"type:varchar(64);not null;uniqueIndex:ux_rejected_tx_res,priority:2"`
	Price          int64     `json:"price"           gorm:"not null"`
	ReceivedAmount int64     `json:"received_amount" gorm:"not null"`
	PaymentTxID    string    `json:"payment_tx_id"   gorm:"type:varchar(64);not null;uniqueIndex:ux_rejected_tx_res,priority:1"`
	Reason         string    `json:"reason"          gorm:"type:varchar(32);not null"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName returns the database table name for RejectedPayment.
func (RejectedPayment) TableName() string { return "rejected_payments" }
