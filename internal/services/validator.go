// Package services – Validator
//
// Validator decides whether an incoming payment credits its reservation. It
// runs under the same identifier lock as reservation creation, so at most
// one payment per identifier is ever accepted.

package services

import (
	"context"
	"errors"
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
	"github.com/tbourn/username-attestor/internal/transport"
)

// Verdict is the outcome of validating one payment. Exactly one of Payment
// and Rejection is set.
type Verdict struct {
	Reservation *domain.Reservation
	Payment     *domain.Payment
	Rejection   *Rejection
}

// Accepted reports whether the payment was credited.
func (v Verdict) Accepted() bool { return v.Payment != nil }

// Validator validates incoming payments.
type Validator struct {
	DB        *gorm.DB
	Locks     *Locks
	Settings  Settings
	Transport transport.Transport
	Now       func() time.Time
}

type paymentCheck func(ctx context.Context, pc *paymentContext) (*Rejection, error)

type paymentContext struct {
	r      *domain.Reservation
	p      ledger.IncomingPayment
	locale string
	now    time.Time
}

// ValidatePayment validates p against the reservation of its receiving
// address.
//
// Behavior:
//   - Payments to unknown addresses return ErrUnknownPayee, payments authored
//     by the bot's own addresses ErrOwnTransaction.
//   - A transaction already credited or rejected for the reservation returns
//     ErrAlreadyProcessed; redelivery never produces a second verdict.
//   - Checks run in order: asset, competing paid reservation, lateness
//     against a fresher competitor, limits, amount, author. The first
//     failing check wins, is written to the audit table and is sent to the
//     requester. Wrong-author rejections also forget the payer address.
//   - Otherwise the payment is credited in a pending state and the
//     requester is told so.
//
// Bouncing funds of a rejection with Bounce set is left to the caller.
func (v *Validator) ValidatePayment(ctx context.Context, p ledger.IncomingPayment) (Verdict, error) {
	tr := otel.Tracer("services/Validator")
	ctx, span := tr.Start(ctx, "ValidatePayment",
		trace.WithAttributes(
			attribute.String("payment.tx_id", p.TxID),
			attribute.String("reservation.id", p.ReceivingAddress),
			attribute.Int64("payment.amount", p.Amount),
		),
	)
	defer span.End()

	r, err := repo.GetReservation(ctx, v.DB, p.ReceivingAddress)
	if errors.Is(err, repo.ErrNotFound) {
		return Verdict{}, ErrUnknownPayee
	}
	if err != nil {
		return Verdict{}, err
	}
	own, err := v.ownAuthor(ctx, p.Authors)
	if err != nil {
		return Verdict{}, err
	}
	if own {
		return Verdict{}, ErrOwnTransaction
	}

	out := Verdict{Reservation: r}
	err = v.Locks.Identifier.WithLock(ctx, identifierKey(r.Identifier), func(ctx context.Context) error {
		seen, err := repo.TxSeen(ctx, v.DB, p.TxID, r.ReservationID)
		if err != nil {
			return err
		}
		if seen {
			return ErrAlreadyProcessed
		}

		pc := &paymentContext{r: r, p: p, locale: userLocale(ctx, v.DB, r.RequesterID, v.Settings.DefaultLocale()), now: clock(v.Now)}
		for _, check := range []paymentCheck{v.checkAsset, v.checkCompetitors, v.checkLimits, v.checkAmount, v.checkAuthor} {
			rej, err := check(ctx, pc)
			if err != nil {
				return err
			}
			if rej != nil {
				out.Rejection = rej
				return v.reject(ctx, pc, rej)
			}
		}

		pay := &domain.Payment{
			PaymentTxID:    p.TxID,
			ReservationID:  r.ReservationID,
			PriceAtTime:    r.Price,
			ReceivedAmount: p.Amount,
			CreatedAt:      pc.now,
		}
		if err := repo.CreatePayment(ctx, v.DB, pay); err != nil {
			if repo.IsDuplicate(err) {
				return ErrAlreadyProcessed
			}
			return err
		}
		out.Payment = pay
		v.tell(ctx, r.RequesterID, texts.Render(pc.locale, texts.ReceivedYourPayment, texts.FormatAmount(p.Amount), r.Identifier))
		return nil
	})
	if err != nil {
		return Verdict{}, err
	}

	if out.Accepted() {
		paymentsTotal.WithLabelValues("accepted").Inc()
		log.Info().Str("tx_id", p.TxID).Str("reservation_id", r.ReservationID).Str("identifier", r.Identifier).Msg("payment accepted")
	} else {
		paymentsTotal.WithLabelValues(ReasonCode(out.Rejection)).Inc()
		log.Info().Str("tx_id", p.TxID).Str("reservation_id", r.ReservationID).Str("reason", ReasonCode(out.Rejection)).Msg("payment rejected")
	}
	return out, nil
}

func (v *Validator) ownAuthor(ctx context.Context, authors []string) (bool, error) {
	for _, a := range authors {
		if a == v.Settings.AttestorAddress || a == v.Settings.AccumulationAddr {
			return true, nil
		}
		ok, err := repo.IsReceivingAddress(ctx, v.DB, a)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func (v *Validator) checkAsset(_ context.Context, pc *paymentContext) (*Rejection, error) {
	if pc.p.Asset == "" {
		return nil, nil
	}
	return &Rejection{Reason: ErrWrongAsset, Message: texts.Render(pc.locale, texts.WrongAsset)}, nil
}

func (v *Validator) checkCompetitors(ctx context.Context, pc *paymentContext) (*Rejection, error) {
	taken := texts.Render(pc.locale, texts.UsernameTaken, pc.r.Identifier)

	if _, err := repo.FindPaidCompetitor(ctx, v.DB, pc.r.Identifier, pc.r.ReservationID); err == nil {
		return &Rejection{Reason: ErrIdentifierTaken, Message: taken, Bounce: true}, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	freshSince := pc.now.Add(-v.Settings.PriceTimeout)
	if !pc.r.CreatedAt.Before(freshSince) {
		return nil, nil
	}
	if _, err := repo.FindFreshCompetitor(ctx, v.DB, pc.r.Identifier, pc.r.RequesterID, pc.r.PayerAddress, freshSince); err == nil {
		return &Rejection{Reason: ErrTooLate, Message: texts.Join(texts.Render(pc.locale, texts.PaymentIsLate), taken), Bounce: true}, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	return nil, nil
}

func (v *Validator) checkLimits(ctx context.Context, pc *paymentContext) (*Rejection, error) {
	n, err := repo.CountPaidReservations(ctx, v.DB, pc.r.RequesterID)
	if err != nil {
		return nil, err
	}
	if n >= int64(v.Settings.MaxPerRequester) {
		return &Rejection{Reason: ErrLimitExceeded, Message: texts.Render(pc.locale, texts.PerRequesterLimit, v.Settings.MaxPerRequester)}, nil
	}
	paid, err := repo.PayerHasPayment(ctx, v.DB, pc.r.PayerAddress)
	if err != nil {
		return nil, err
	}
	if paid {
		return &Rejection{Reason: ErrLimitExceeded, Message: texts.Render(pc.locale, texts.AddressAlreadyPaid)}, nil
	}
	return nil, nil
}

func (v *Validator) checkAmount(_ context.Context, pc *paymentContext) (*Rejection, error) {
	if pc.p.Amount >= pc.r.Price {
		return nil, nil
	}
	msg := texts.Join(
		texts.Render(pc.locale, texts.ReceivedLess, texts.FormatAmount(pc.p.Amount), texts.FormatAmount(pc.r.Price)),
		texts.Render(pc.locale, texts.PleasePay, texts.PayLink(pc.r.ReservationID, pc.r.Price, pc.r.PayerAddress)),
	)
	return &Rejection{Reason: ErrUnderpaid, Message: msg}, nil
}

func (v *Validator) checkAuthor(_ context.Context, pc *paymentContext) (*Rejection, error) {
	var first string
	switch {
	case len(pc.p.Authors) != 1:
		first = texts.Render(pc.locale, texts.MultipleAuthors)
	case pc.p.Authors[0] != pc.r.PayerAddress:
		first = texts.Render(pc.locale, texts.NotFromExpected, pc.r.PayerAddress)
	default:
		return nil, nil
	}
	return &Rejection{
		Reason:     ErrWrongAuthor,
		Message:    texts.Join(first, texts.Render(pc.locale, texts.SwitchToSingleAddress)),
		ClearPayer: true,
	}, nil
}

// reject records the audit row (and forgets the payer address when asked)
// in one transaction, then tells the requester.
func (v *Validator) reject(ctx context.Context, pc *paymentContext, rej *Rejection) error {
	err := v.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.CreateRejectedPayment(ctx, tx, &domain.RejectedPayment{
			ReservationID:  pc.r.ReservationID,
			Price:          pc.r.Price,
			ReceivedAmount: pc.p.Amount,
			PaymentTxID:    pc.p.TxID,
			Reason:         ReasonCode(rej),
			CreatedAt:      pc.now,
		}); err != nil {
			return err
		}
		if rej.ClearPayer {
			if err := repo.SetPayerAddress(ctx, tx, pc.r.RequesterID, nil); err != nil && !errors.Is(err, repo.ErrNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	v.tell(ctx, pc.r.RequesterID, rej.Message)
	return nil
}

func (v *Validator) tell(ctx context.Context, requesterID, text string) {
	if err := v.Transport.Send(ctx, requesterID, text); err != nil {
		log.Warn().Err(err).Str("requester_id", requesterID).Msg("reply not delivered")
	}
}
