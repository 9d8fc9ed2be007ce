// Package services – Poster
//
// Poster publishes attestations for finalized payments. Posting is
// idempotent per payment transaction: the tx lock and the write-once
// attestation column guarantee at most one attestation transaction per
// payment, and RetryPendingAttestations picks up jobs whose posting failed.

package services

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/username-attestor/internal/ledger"
	"github.com/tbourn/username-attestor/internal/notify"
	"github.com/tbourn/username-attestor/internal/repo"
	"github.com/tbourn/username-attestor/internal/texts"
	"github.com/tbourn/username-attestor/internal/transport"
)

// Profile is the attested public profile.
type Profile struct {
	Identifier string `json:"identifier"`
	ProfileID  string `json:"profile_id"`
}

// Payload binds a payer address to a profile.
type Payload struct {
	Address string  `json:"address"`
	Profile Profile `json:"profile"`
}

// BuildPayload returns the attestation payload for payer and identifier.
// ProfileID is the base64 SHA-256 of the JSON array [profile, salt], so it
// is stable for the same identifier and salt and unlinkable without the salt.
func BuildPayload(payer, identifier, salt string) Payload {
	fields := struct {
		Identifier string `json:"identifier"`
	}{identifier}
	raw, _ := json.Marshal([]any{fields, salt})
	sum := sha256.Sum256(raw)
	return Payload{
		Address: payer,
		Profile: Profile{Identifier: identifier, ProfileID: base64.StdEncoding.EncodeToString(sum[:])},
	}
}

func inlineMessage(app string, payload any) ledger.Message {
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return ledger.Message{
		App:             app,
		PayloadLocation: "inline",
		PayloadHash:     base64.StdEncoding.EncodeToString(sum[:]),
		Payload:         payload,
	}
}

// Poster posts attestations.
type Poster struct {
	DB        *gorm.DB
	Ledger    ledger.Client
	Transport transport.Transport
	Operator  notify.Operator
	Locks     *Locks
	Settings  Settings
	Now       func() time.Time
}

// PostAndWriteAttestation posts the attestation for a finalized payment and
// returns the attestation transaction id.
//
// Behavior:
//   - Serialized per payment by the tx lock.
//   - If the job already has an attestation, returns it without posting.
//   - On a ledger failure the operator is told (with the attestor balance
//     when it can be read) and ErrComposeOrBroadcast is returned; the job
//     stays pending for the retry sweep.
//   - On success the attestation is recorded, the requester's claims are
//     released and the requester is told.
func (p *Poster) PostAndWriteAttestation(ctx context.Context, paymentTxID string) (string, error) {
	tr := otel.Tracer("services/Poster")
	ctx, span := tr.Start(ctx, "PostAndWriteAttestation",
		trace.WithAttributes(attribute.String("payment.tx_id", paymentTxID)),
	)
	defer span.End()

	var attTx string
	err := p.Locks.Tx.WithLock(ctx, txKey(paymentTxID), func(ctx context.Context) error {
		t, err := repo.GetAttestationTarget(ctx, p.DB, paymentTxID)
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownPayment, paymentTxID)
		}
		if err != nil {
			return err
		}
		if t.AttestationTxID != nil {
			attTx = *t.AttestationTxID
			attestationsTotal.WithLabelValues("noop").Inc()
			return nil
		}

		now := clock(p.Now)
		msgs := []ledger.Message{inlineMessage("attestation", BuildPayload(t.PayerAddress, t.Identifier, p.Settings.ProfileSalt))}
		if p.Settings.PostTimestamp {
			msgs = append(msgs, inlineMessage("data_feed", map[string]int64{"timestamp": now.UnixMilli()}))
		}
		txID, err := p.Ledger.ComposeAndBroadcast(ctx, ledger.Compose{
			Messages:        msgs,
			PayingAddresses: []string{p.Settings.AttestorAddress},
			Outputs:         []ledger.Output{{Address: p.Settings.AttestorAddress, Amount: 0}},
		})
		if err != nil {
			attestationsTotal.WithLabelValues("failed").Inc()
			p.alert(ctx, paymentTxID, err)
			return fmt.Errorf("%w: %v", ErrComposeOrBroadcast, err)
		}

		err = p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := repo.SetAttestationTx(ctx, tx, paymentTxID, txID, now); err != nil {
				return err
			}
			if err := repo.ClearClaims(ctx, tx, t.RequesterID); err != nil && !errors.Is(err, repo.ErrNotFound) {
				return err
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("record attestation %s: %w", txID, err)
		}
		attTx = txID
		attestationsTotal.WithLabelValues("posted").Inc()
		log.Info().Str("payment_tx_id", paymentTxID).Str("attestation_tx_id", txID).Str("identifier", t.Identifier).Msg("attestation posted")

		locale := t.Locale
		if locale == "" {
			locale = p.Settings.DefaultLocale()
		}
		if err := p.Transport.Send(ctx, t.RequesterID, texts.Render(locale, texts.UsernameAttested, t.Identifier, txID)); err != nil {
			log.Warn().Err(err).Str("requester_id", t.RequesterID).Msg("attestation notice not delivered")
		}
		return nil
	})
	return attTx, err
}

func (p *Poster) alert(ctx context.Context, paymentTxID string, cause error) {
	body := fmt.Sprintf("posting the attestation for payment %s failed: %v", paymentTxID, cause)
	if bal, err := p.Ledger.ReadBalance(ctx, p.Settings.AttestorAddress); err == nil {
		body += fmt.Sprintf("\nattestor %s balance: %s", p.Settings.AttestorAddress, texts.FormatAmount(bal))
	}
	if p.Operator == nil {
		log.Error().Msg(body)
		return
	}
	if err := p.Operator.Notify(ctx, "attestation failed", body); err != nil {
		log.Warn().Err(err).Msg("operator not notified")
	}
}

// RetryPendingAttestations re-posts every finalized payment that has no
// attestation yet. It returns the number posted and the joined errors of
// the failures.
func (p *Poster) RetryPendingAttestations(ctx context.Context) (int, error) {
	ids, err := repo.ListPendingAttestations(ctx, p.DB, 100)
	if err != nil {
		return 0, err
	}
	var (
		posted int
		errs   []error
	)
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := p.PostAndWriteAttestation(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		posted++
	}
	return posted, errors.Join(errs...)
}
