// Package services – Conversation
//
// Conversation is the chat controller. It turns pairing and text events into
// replies, feeds incoming payments to the Validator and finalized payments
// to the Poster. Every turn produces at most one outbound message; several
// results of one turn are joined into it.

package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
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
	"github.com/tbourn/username-attestor/internal/transport"
)

const selectLanguageCmd = "select language"

// Conversation routes chat and ledger events.
type Conversation struct {
	DB           *gorm.DB
	Ledger       ledger.Client
	Transport    transport.Transport
	Reservations *ReservationService
	Validator    *Validator
	Poster       *Poster
	Funds        *Funds
	Settings     Settings
	Now          func() time.Time
}

var _ transport.Handler = (*Conversation)(nil)

// HandleEvent dispatches one inbound event.
func (c *Conversation) HandleEvent(ctx context.Context, ev transport.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	switch ev.Type {
	case transport.EventPaired:
		return c.HandlePaired(ctx, ev.RequesterID)
	case transport.EventText:
		return c.HandleText(ctx, ev.RequesterID, ev.Text)
	case transport.EventIncoming:
		return c.HandleIncomingPayments(ctx, ev.TxIDs)
	default:
		return c.HandlePaymentsFinalized(ctx, ev.TxIDs)
	}
}

// HandlePaired greets a newly paired requester with the price list and the
// first prompt.
func (c *Conversation) HandlePaired(ctx context.Context, requesterID string) error {
	u, err := repo.EnsureUser(ctx, c.DB, requesterID, c.Settings.DefaultLocale())
	if err != nil {
		return err
	}
	greeting := texts.Render(u.Locale, texts.Greeting, texts.PriceLines(u.Locale, c.Settings.Pricing))
	if len(c.Settings.Languages) > 1 {
		return c.send(ctx, requesterID, texts.Join(greeting, texts.LanguageMenu(u.Locale, c.Settings.Languages)))
	}
	next, err := c.Respond(ctx, requesterID, "")
	if err != nil {
		return err
	}
	return c.send(ctx, requesterID, texts.Join(greeting, next))
}

// HandleText answers one text from a requester.
func (c *Conversation) HandleText(ctx context.Context, requesterID, text string) error {
	reply, err := c.Respond(ctx, requesterID, text)
	if err != nil {
		return err
	}
	return c.send(ctx, requesterID, reply)
}

// Respond computes the reply to text without sending it.
//
// The text is read, in order, as a language selection, a payer address and
// an identifier. Missing claims are prompted for. With both claims present
// the reply describes the reservation: a payment link, a pending or
// confirmed payment, or the posted attestation.
func (c *Conversation) Respond(ctx context.Context, requesterID, text string) (string, error) {
	tr := otel.Tracer("services/Conversation")
	ctx, span := tr.Start(ctx, "Respond",
		trace.WithAttributes(attribute.String("requester.id", requesterID)),
	)
	defer span.End()

	u, err := repo.EnsureUser(ctx, c.DB, requesterID, c.Settings.DefaultLocale())
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	var parts []string

	if len(c.Settings.Languages) > 1 && (text == selectLanguageCmd || strings.HasPrefix(text, selectLanguageCmd+" ")) {
		lang := strings.TrimSpace(strings.TrimPrefix(text, selectLanguageCmd))
		if !slices.Contains(c.Settings.Languages, lang) {
			return texts.LanguageMenu(u.Locale, c.Settings.Languages), nil
		}
		if err := repo.SetUserLocale(ctx, c.DB, requesterID, lang); err != nil {
			return "", err
		}
		u.Locale = lang
		parts = append(parts, texts.Render(lang, texts.LanguageSelected, lang))
		text = ""
	}
	locale := u.Locale

	if text != "" && !strings.HasPrefix(text, "@") {
		ok, err := c.Ledger.IsValidAddress(ctx, text)
		if err != nil {
			return "", err
		}
		if ok {
			if u.PayerAddress == nil || *u.PayerAddress != text {
				if err := c.claimPayer(ctx, requesterID, text); err != nil {
					return "", err
				}
				addr := text
				u.PayerAddress, u.Identifier = &addr, nil
			}
			parts = append(parts, texts.Render(locale, texts.GoingToAttestAddress, text))
			text = ""
		}
	}
	if u.PayerAddress == nil {
		return texts.Join(append(parts, texts.Render(locale, texts.InsertMyAddress))...), nil
	}
	payer := *u.PayerAddress

	var r *domain.Reservation
	if text != "" {
		id, err := NormalizeIdentifier(text)
		if err != nil {
			return texts.Join(append(parts, texts.Render(locale, texts.InvalidUsername, text))...), nil
		}
		if u.Identifier == nil || *u.Identifier != id {
			r, err = c.Reservations.GetOrCreate(ctx, requesterID, payer, id)
			if rej, ok := AsRejection(err); ok {
				return texts.Join(append(parts, rej.Message)...), nil
			}
			if err != nil {
				return "", err
			}
			if err := repo.SetIdentifier(ctx, c.DB, requesterID, &id); err != nil {
				return "", err
			}
			u.Identifier = &id
			parts = append(parts, texts.Render(locale, texts.GoingToAttestUsername, id, texts.FormatAmount(r.Price)))
		}
	}
	if u.Identifier == nil {
		return texts.Join(append(parts, texts.Render(locale, texts.InsertUsername))...), nil
	}
	id := *u.Identifier

	if r == nil {
		r, err = c.Reservations.GetOrCreate(ctx, requesterID, payer, id)
		if rej, ok := AsRejection(err); ok {
			return texts.Join(append(parts, rej.Message)...), nil
		}
		if err != nil {
			return "", err
		}
	}

	status, err := c.statusLine(ctx, locale, r)
	if err != nil {
		return "", err
	}
	return texts.Join(append(parts, status)...), nil
}

func (c *Conversation) claimPayer(ctx context.Context, requesterID, addr string) error {
	return c.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.SetPayerAddress(ctx, tx, requesterID, &addr); err != nil {
			return err
		}
		return repo.SetIdentifier(ctx, tx, requesterID, nil)
	})
}

func (c *Conversation) statusLine(ctx context.Context, locale string, r *domain.Reservation) (string, error) {
	st, err := repo.GetReservationStatus(ctx, c.DB, r.ReservationID)
	if errors.Is(err, repo.ErrNotFound) {
		return texts.Render(locale, texts.PleasePay, texts.PayLink(r.ReservationID, r.Price, r.PayerAddress)), nil
	}
	if err != nil {
		return "", err
	}
	switch {
	case st.IsConfirmed == nil || *st.IsConfirmed != domain.PaymentFinal:
		return texts.Render(locale, texts.ReceivedYourPayment, texts.FormatAmount(st.ReceivedAmount), r.Identifier), nil
	case st.AttestationTxID == nil:
		return texts.Render(locale, texts.InAttestation, r.Identifier), nil
	default:
		at := ""
		if st.AttestedAt != nil {
			at = st.AttestedAt.UTC().Format(time.DateOnly)
		}
		return texts.Render(locale, texts.AlreadyAttested, r.Identifier, at), nil
	}
}

// HandleIncomingPayments resolves the transactions through the ledger and
// validates each payment in turn, bouncing rejected funds where the
// rejection asks for it.
func (c *Conversation) HandleIncomingPayments(ctx context.Context, txIDs []string) error {
	payments, err := c.Ledger.IncomingPayments(ctx, txIDs)
	if err != nil {
		return fmt.Errorf("resolve incoming payments: %w", err)
	}
	var errs []error
	for _, p := range payments {
		v, err := c.Validator.ValidatePayment(ctx, p)
		switch {
		case errors.Is(err, ErrUnknownPayee), errors.Is(err, ErrOwnTransaction), errors.Is(err, ErrAlreadyProcessed):
			log.Debug().Err(err).Str("tx_id", p.TxID).Msg("payment skipped")
			continue
		case err != nil:
			errs = append(errs, err)
			continue
		}
		if v.Rejection != nil && v.Rejection.Bounce && c.Funds != nil {
			if _, err := c.Funds.Bounce(ctx, v.Reservation, p.Amount); err != nil {
				log.Warn().Err(err).Str("tx_id", p.TxID).Msg("bounce failed")
			}
		}
	}
	return errors.Join(errs...)
}

// HandlePaymentsFinalized marks credited payments as final, queues their
// attestation jobs, tells the requesters and posts the attestations.
//
// Finality may be reported before the incoming event arrived, so
// transactions without a payment row are credited first. Those the ledger
// does not know as payments to a reservation are ignored. A failed credit
// fails the call so the event is delivered again. Posting failures are
// left to the retry sweep.
func (c *Conversation) HandlePaymentsFinalized(ctx context.Context, txIDs []string) error {
	var errs []error
	if err := c.creditUnknown(ctx, txIDs); err != nil {
		errs = append(errs, err)
	}
	for _, id := range txIDs {
		now := clock(c.Now)
		var changed bool
		err := c.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			if changed, err = repo.FinalizePayment(ctx, tx, id, now); err != nil {
				return err
			}
			return repo.CreateAttestationJob(ctx, tx, id, now)
		})
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if changed {
			if t, err := repo.GetAttestationTarget(ctx, c.DB, id); err == nil {
				locale := t.Locale
				if locale == "" {
					locale = c.Settings.DefaultLocale()
				}
				_ = c.send(ctx, t.RequesterID, texts.Join(
					texts.Render(locale, texts.PaymentIsConfirmed),
					texts.Render(locale, texts.InAttestation, t.Identifier),
				))
			}
		}

		if _, err := c.Poster.PostAndWriteAttestation(ctx, id); err != nil && !errors.Is(err, ErrComposeOrBroadcast) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// creditUnknown runs the incoming-payment path for the transactions that
// have no payment row yet.
func (c *Conversation) creditUnknown(ctx context.Context, txIDs []string) error {
	var missing []string
	for _, id := range txIDs {
		_, err := repo.GetPayment(ctx, c.DB, id)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			missing = append(missing, id)
		case err != nil:
			return err
		}
	}
	if len(missing) == 0 {
		return nil
	}
	log.Info().Strs("tx_ids", missing).Msg("finality before credit; crediting first")
	return c.HandleIncomingPayments(ctx, missing)
}

func (c *Conversation) send(ctx context.Context, requesterID, text string) error {
	if text == "" {
		return nil
	}
	if err := c.Transport.Send(ctx, requesterID, text); err != nil {
		log.Warn().Err(err).Str("requester_id", requesterID).Msg("reply not delivered")
		return err
	}
	return nil
}
