// Package services – Funds
//
// Funds moves money the bot holds: bounces of rejected payments, periodic
// consolidation of receiving addresses into the accumulation address, and
// payouts from the accumulation address. Periodic moves skip their cycle
// while the ledger is catching up. Failures go to the operator.

package services

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/username-attestor/internal/domain"
	"github.com/tbourn/username-attestor/internal/ledger"
	"github.com/tbourn/username-attestor/internal/notify"
	"github.com/tbourn/username-attestor/internal/repo"
	"github.com/tbourn/username-attestor/internal/texts"
	"github.com/tbourn/username-attestor/internal/transport"
)

// Funds moves funds through the ledger.
type Funds struct {
	DB        *gorm.DB
	Ledger    ledger.Client
	Operator  notify.Operator
	Transport transport.Transport
	Settings  Settings
}

// Bounce returns amount minus the bounce fee from the reservation's
// receiving address to its payer. Amounts below the minimum bounce are
// kept and "" is returned.
func (f *Funds) Bounce(ctx context.Context, r *domain.Reservation, amount int64) (string, error) {
	ctx, span := otel.Tracer("services/Funds").Start(ctx, "Bounce",
		trace.WithAttributes(
			attribute.String("reservation.id", r.ReservationID),
			attribute.Int64("amount", amount),
		),
	)
	defer span.End()

	if amount < f.Settings.MinBounceAmount {
		log.Info().Str("reservation_id", r.ReservationID).Int64("amount", amount).Msg("amount below minimum bounce, kept")
		return "", nil
	}
	back := amount - f.Settings.BounceFee
	txID, err := f.Ledger.SendPayment(ctx, ledger.Send{
		From:          []string{r.ReservationID},
		To:            r.PayerAddress,
		Amount:        back,
		ChangeAddress: f.Settings.AccumulationAddr,
	})
	if err != nil {
		fundMovesTotal.WithLabelValues("bounce", "failed").Inc()
		f.alert(ctx, "bounce failed", fmt.Sprintf("bouncing %d from %s to %s failed: %v", back, r.ReservationID, r.PayerAddress, err))
		return "", err
	}
	fundMovesTotal.WithLabelValues("bounce", "ok").Inc()
	log.Info().Str("reservation_id", r.ReservationID).Str("tx_id", txID).Int64("amount", back).Msg("payment bounced")

	if f.Transport != nil {
		locale := userLocale(ctx, f.DB, r.RequesterID, f.Settings.DefaultLocale())
		msg := texts.Render(locale, texts.BouncedPayment, texts.FormatAmount(back), texts.FormatAmount(f.Settings.BounceFee))
		if err := f.Transport.Send(ctx, r.RequesterID, msg); err != nil {
			log.Warn().Err(err).Str("requester_id", r.RequesterID).Msg("bounce notice not delivered")
		}
	}
	return txID, nil
}

// Consolidate sweeps up to MaxAuthorsPerUnit receiving addresses with a
// positive balance into the accumulation address.
func (f *Funds) Consolidate(ctx context.Context) error {
	ctx, span := otel.Tracer("services/Funds").Start(ctx, "Consolidate")
	defer span.End()

	if f.syncing(ctx) {
		return nil
	}

	limit := f.Settings.MaxAuthorsPerUnit
	if limit <= 0 {
		limit = 16
	}
	var from []string
	for offset := 0; len(from) < limit; offset += limit {
		page, err := repo.ListReceivingAddresses(ctx, f.DB, offset, limit)
		if err != nil {
			return err
		}
		for _, addr := range page {
			bal, err := f.Ledger.ReadBalance(ctx, addr)
			if err != nil {
				return fmt.Errorf("read balance of %s: %w", addr, err)
			}
			if bal > 0 {
				from = append(from, addr)
				if len(from) == limit {
					break
				}
			}
		}
		if len(page) < limit {
			break
		}
	}
	if len(from) == 0 {
		return nil
	}

	txID, err := f.Ledger.SendPayment(ctx, ledger.Send{
		From:          from,
		To:            f.Settings.AccumulationAddr,
		SendAll:       true,
		ChangeAddress: f.Settings.AccumulationAddr,
	})
	if err != nil {
		fundMovesTotal.WithLabelValues("consolidate", "failed").Inc()
		body := fmt.Sprintf("consolidating %d addresses failed: %v", len(from), err)
		if bal, berr := f.Ledger.ReadBalance(ctx, from[0]); berr == nil {
			body += fmt.Sprintf("\nfirst address %s balance: %s", from[0], texts.FormatAmount(bal))
		}
		f.alert(ctx, "consolidation failed", body)
		return err
	}
	fundMovesTotal.WithLabelValues("consolidate", "ok").Inc()
	log.Info().Int("addresses", len(from)).Str("tx_id", txID).Msg("receiving addresses consolidated")
	return nil
}

// Payout sends the whole accumulation balance to the payout address. It is
// a no-op when no payout address is configured.
func (f *Funds) Payout(ctx context.Context) error {
	if f.Settings.PayoutAddress == "" {
		return nil
	}
	ctx, span := otel.Tracer("services/Funds").Start(ctx, "Payout")
	defer span.End()

	if f.syncing(ctx) {
		return nil
	}
	txID, err := f.Ledger.SendPayment(ctx, ledger.Send{
		From:          []string{f.Settings.AccumulationAddr},
		To:            f.Settings.PayoutAddress,
		SendAll:       true,
		ChangeAddress: f.Settings.AccumulationAddr,
	})
	if err != nil {
		fundMovesTotal.WithLabelValues("payout", "failed").Inc()
		f.alert(ctx, "payout failed", fmt.Sprintf("payout to %s failed: %v", f.Settings.PayoutAddress, err))
		return err
	}
	fundMovesTotal.WithLabelValues("payout", "ok").Inc()
	log.Info().Str("tx_id", txID).Msg("payout sent")
	return nil
}

func (f *Funds) syncing(ctx context.Context) bool {
	s, err := f.Ledger.IsSyncing(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("sync state unknown, skipping fund movement")
		return true
	}
	if s {
		log.Info().Msg("ledger syncing, skipping fund movement")
	}
	return s
}

func (f *Funds) alert(ctx context.Context, subject, body string) {
	if f.Operator == nil {
		log.Error().Str("subject", subject).Msg(body)
		return
	}
	if err := f.Operator.Notify(ctx, subject, body); err != nil {
		log.Warn().Err(err).Msg("operator not notified")
	}
}
