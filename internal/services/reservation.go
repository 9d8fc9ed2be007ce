// Package services – ReservationService
//
// ReservationService hands out reservations: a fresh receiving address bound
// to a (requester, payer address, identifier) triple at the price in force.
// All checks and the insert run under the identifier lock, so two requesters
// racing for the same identifier see each other's rows.

package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/username-attestor/internal/domain"
	"github.com/tbourn/username-attestor/internal/ledger"
	"github.com/tbourn/username-attestor/internal/repo"
	"github.com/tbourn/username-attestor/internal/texts"
)

var identifierRe = regexp.MustCompile(`^[a-z0-9_-]{1,32}$`)

// NormalizeIdentifier strips a leading "@", lowercases and validates s.
func NormalizeIdentifier(s string) (string, error) {
	id := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "@"))
	if !identifierRe.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, s)
	}
	return id, nil
}

// ReservationService issues and reuses reservations.
type ReservationService struct {
	DB       *gorm.DB
	Ledger   ledger.Client
	Locks    *Locks
	Settings Settings
	Now      func() time.Time
}

// GetOrCreate returns the reservation the requester should pay into for
// identifier from payer.
//
// Under the identifier lock it:
//   - refuses identifiers priced at 0 (ErrNotForSale),
//   - refuses when another owner holds a paid or fresh reservation
//     (ErrIdentifierTaken),
//   - returns the owner's existing reservation unchanged when it is paid,
//   - refuses while another payment of the requester or payer awaits its
//     attestation (ErrAwaitingConfirmation),
//   - enforces the per-requester and per-payer limits (ErrLimitExceeded),
//   - returns the owner's existing reservation when it is fresh and priced
//     as today, otherwise issues a new receiving address and inserts a new
//     row.
//
// Refusals are *Rejection values carrying the reply in the requester's
// language.
func (s *ReservationService) GetOrCreate(ctx context.Context, requesterID, payer, identifier string) (*domain.Reservation, error) {
	tr := otel.Tracer("services/ReservationService")
	ctx, span := tr.Start(ctx, "GetOrCreate",
		trace.WithAttributes(
			attribute.String("requester.id", requesterID),
			attribute.String("identifier", identifier),
		),
	)
	defer span.End()

	if !identifierRe.MatchString(identifier) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIdentifier, identifier)
	}
	locale := s.locale(ctx, requesterID)

	price := s.Settings.Pricing.Price(identifier)
	if price == 0 {
		reservationsTotal.WithLabelValues("not_for_sale").Inc()
		return nil, &Rejection{Reason: ErrNotForSale, Message: texts.Render(locale, texts.UsernameNotOnSale, identifier)}
	}

	var out *domain.Reservation
	err := s.Locks.Identifier.WithLock(ctx, identifierKey(identifier), func(ctx context.Context) error {
		now := clock(s.Now)
		freshSince := now.Add(-s.Settings.PriceTimeout)

		if _, err := repo.FindBlockingReservation(ctx, s.DB, identifier, requesterID, payer, freshSince); err == nil {
			return &Rejection{Reason: ErrIdentifierTaken, Message: texts.Render(locale, texts.UsernameTaken, identifier)}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}

		existing, err := repo.FindReservation(ctx, s.DB, requesterID, payer, identifier)
		switch {
		case err == nil:
			if _, serr := repo.GetReservationStatus(ctx, s.DB, existing.ReservationID); serr == nil {
				out = existing
				return nil
			} else if !errors.Is(serr, repo.ErrNotFound) {
				return serr
			}
		case errors.Is(err, repo.ErrNotFound):
			existing = nil
		default:
			return err
		}

		if rej, err := s.checkLimits(ctx, locale, requesterID, payer); err != nil || rej != nil {
			if rej != nil {
				return rej
			}
			return err
		}

		if existing != nil && existing.CreatedAt.After(freshSince) && existing.Price == price {
			out = existing
			return nil
		}

		r, err := s.issue(ctx, requesterID, payer, identifier, price, now)
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		if rej, ok := AsRejection(err); ok {
			reservationsTotal.WithLabelValues(ReasonCode(rej)).Inc()
		}
		return nil, err
	}
	reservationsTotal.WithLabelValues("ok").Inc()
	return out, nil
}

func (s *ReservationService) checkLimits(ctx context.Context, locale, requesterID, payer string) (*Rejection, error) {
	inFlight, err := repo.FindUnattestedPayment(ctx, s.DB, requesterID, payer)
	if err == nil {
		return &Rejection{Reason: ErrAwaitingConfirmation, Message: texts.Render(locale, texts.AwaitingConfirmation, inFlight)}, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	n, err := repo.CountPaidReservations(ctx, s.DB, requesterID)
	if err != nil {
		return nil, err
	}
	if n >= int64(s.Settings.MaxPerRequester) {
		return &Rejection{Reason: ErrLimitExceeded, Message: texts.Render(locale, texts.PerRequesterLimit, s.Settings.MaxPerRequester)}, nil
	}

	paid, err := repo.PayerHasPayment(ctx, s.DB, payer)
	if err != nil {
		return nil, err
	}
	if paid {
		return &Rejection{Reason: ErrLimitExceeded, Message: texts.Render(locale, texts.AddressAlreadyPaid)}, nil
	}
	return nil, nil
}

// issue asks the ledger for a new receiving address and records the
// reservation. Issuance is serialized per requester.
func (s *ReservationService) issue(ctx context.Context, requesterID, payer, identifier string, price int64, now time.Time) (*domain.Reservation, error) {
	var r *domain.Reservation
	err := s.Locks.Identifier.WithLock(ctx, requesterKey(requesterID), func(ctx context.Context) error {
		addr, err := s.Ledger.IssueReceivingAddress(ctx)
		if err != nil {
			return fmt.Errorf("issue receiving address: %w", err)
		}
		r = &domain.Reservation{
			ReservationID: addr,
			RequesterID:   requesterID,
			PayerAddress:  payer,
			Identifier:    identifier,
			Price:         price,
			CreatedAt:     now,
		}
		return repo.CreateReservation(ctx, s.DB, r)
	})
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("reservation_id", r.ReservationID).
		Str("requester_id", requesterID).
		Str("identifier", identifier).
		Int64("price", price).
		Msg("reservation created")
	return r, nil
}

func (s *ReservationService) locale(ctx context.Context, requesterID string) string {
	return userLocale(ctx, s.DB, requesterID, s.Settings.DefaultLocale())
}

func userLocale(ctx context.Context, db *gorm.DB, requesterID, def string) string {
	u, err := repo.GetUser(ctx, db, requesterID)
	if err != nil || u.Locale == "" {
		return def
	}
	return u.Locale
}
