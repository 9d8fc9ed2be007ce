// Package services holds the attestation business logic: reservations,
// payment validation, attestation posting, expiry warnings, fund movement and
// the conversation controller that ties them to chat events.
//
// This file centralizes the service-level error values. Rejections that the
// requester must hear about are returned as *Rejection, which wraps one of
// the sentinels below and carries the rendered reply. Translation into HTTP
// status codes is done by the handler layer.
package services

import (
	"errors"

	"github.com/tbourn/username-attestor/internal/config"
)

// Reservation errors.
var (
	// ErrNotForSale is returned for identifiers shorter than the first
	// priced length.
	ErrNotForSale = errors.New("identifier not for sale")

	// ErrIdentifierTaken means another owner holds a fresh or paid
	// reservation for the identifier.
	ErrIdentifierTaken = errors.New("identifier taken")

	// ErrAwaitingConfirmation means the requester or payer already has a
	// payment whose attestation has not been posted.
	ErrAwaitingConfirmation = errors.New("payment awaiting confirmation")

	// ErrLimitExceeded is returned when the requester reached the maximum
	// number of paid reservations or the payer already paid once.
	ErrLimitExceeded = errors.New("attestation limit exceeded")

	// ErrInvalidIdentifier is returned for identifiers outside the allowed
	// alphabet or length.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrInvalidAddress is returned for payer addresses the ledger rejects.
	ErrInvalidAddress = errors.New("invalid address")
)

// Payment errors.
var (
	ErrWrongAsset   = errors.New("payment in wrong asset")
	ErrTooLate      = errors.New("payment too late")
	ErrUnderpaid    = errors.New("payment below price")
	ErrWrongAuthor  = errors.New("payment from unexpected author")
	ErrUnknownPayee = errors.New("payment to unknown receiving address")

	// ErrAlreadyProcessed is returned when a transaction was already recorded
	// for the reservation, as accepted or rejected.
	ErrAlreadyProcessed = errors.New("payment already processed")

	// ErrOwnTransaction is returned for transactions authored by the bot's
	// own addresses (bounces, consolidation, payouts).
	ErrOwnTransaction = errors.New("transaction authored by the bot")
)

// Attestation errors.
var (
	// ErrComposeOrBroadcast wraps ledger failures while posting an attestation.
	ErrComposeOrBroadcast = errors.New("compose or broadcast failed")

	// ErrUnknownPayment is returned when no accepted payment matches a
	// transaction id.
	ErrUnknownPayment = errors.New("unknown payment")

	// ErrConfiguration is fatal at startup.
	ErrConfiguration = config.ErrConfiguration
)

// Rejection is a refusal the requester is told about. Message is the
// rendered reply. Bounce asks the caller to return the funds, ClearPayer to
// forget the requester's payer address.
type Rejection struct {
	Reason     error
	Message    string
	Bounce     bool
	ClearPayer bool
}

func (r *Rejection) Error() string {
	if r == nil || r.Reason == nil {
		return "rejected"
	}
	return r.Reason.Error()
}

// Unwrap tolerates a nil receiver so errors.Is works on an unset
// Verdict.Rejection.
func (r *Rejection) Unwrap() error {
	if r == nil {
		return nil
	}
	return r.Reason
}

// AsRejection extracts a *Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// ReasonCode is the short code stored in the audit table and used as a
// metric label.
func ReasonCode(err error) string {
	switch {
	case errors.Is(err, ErrWrongAsset):
		return "wrong_asset"
	case errors.Is(err, ErrIdentifierTaken):
		return "identifier_taken"
	case errors.Is(err, ErrTooLate):
		return "too_late"
	case errors.Is(err, ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, ErrUnderpaid):
		return "underpaid"
	case errors.Is(err, ErrWrongAuthor):
		return "wrong_author"
	case errors.Is(err, ErrNotForSale):
		return "not_for_sale"
	case errors.Is(err, ErrAwaitingConfirmation):
		return "awaiting_confirmation"
	default:
		return "other"
	}
}
