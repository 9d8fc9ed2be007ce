package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"

	"github.com/tbourn/username-attestor/internal/repo"
	"github.com/tbourn/username-attestor/internal/texts"
	"github.com/tbourn/username-attestor/internal/transport"
)

// ExpirySweeper warns requesters whose unpaid reservations are about to
// lose their price guarantee.
type ExpirySweeper struct {
	DB        *gorm.DB
	Transport transport.Transport
	Settings  Settings
	Now       func() time.Time
}

// SweepExpiringReservations sends one warning per due reservation and
// returns how many were delivered. A reservation is due once it is older
// than the price timeout minus the reminder lead, has no payment, was not
// warned yet and its payer has no paid reservation elsewhere. The warned
// flag is set only after the transport acknowledged delivery, so a failed
// send is retried by the next sweep.
func (s *ExpirySweeper) SweepExpiringReservations(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("services/ExpirySweeper").Start(ctx, "SweepExpiringReservations")
	defer span.End()

	due := clock(s.Now).Add(-(s.Settings.PriceTimeout - s.Settings.ReminderTimeout))
	rows, err := repo.ListExpiringReservations(ctx, s.DB, due)
	if err != nil {
		return 0, err
	}

	warned := 0
	for _, r := range rows {
		if ctx.Err() != nil {
			return warned, ctx.Err()
		}
		locale := userLocale(ctx, s.DB, r.RequesterID, s.Settings.DefaultLocale())
		if err := s.Transport.Send(ctx, r.RequesterID, texts.Render(locale, texts.ReservationWillExpire, r.Identifier)); err != nil {
			log.Warn().Err(err).Str("reservation_id", r.ReservationID).Msg("expiry warning not delivered")
			continue
		}
		if err := repo.MarkExpiryNotified(ctx, s.DB, r.ReservationID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return warned, err
		}
		warned++
		expiryWarningsTotal.Inc()
	}
	if warned > 0 {
		log.Info().Int("warned", warned).Msg("expiry warnings sent")
	}
	return warned, nil
}
