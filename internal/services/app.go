package services

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/username-attestor/internal/ledger"
	"github.com/tbourn/username-attestor/internal/notify"
	"github.com/tbourn/username-attestor/internal/transport"
)

// Sweep names accepted by App.Sweeps.
const (
	SweepRetry       = "retry"
	SweepExpiry      = "expiry"
	SweepConsolidate = "consolidate"
	SweepPayout      = "payout"
)

// Deps are the collaborators shared by every service.
type Deps struct {
	DB        *gorm.DB
	Ledger    ledger.Client
	Transport transport.Transport
	Operator  notify.Operator
	Locks     *Locks
	Settings  Settings
	// Now defaults to UTC wall time.
	Now func() time.Time
}

// App is the fully wired service graph.
type App struct {
	Reservations *ReservationService
	Validator    *Validator
	Poster       *Poster
	Expiry       *ExpirySweeper
	Funds        *Funds
	Conversation *Conversation
	Admin        *AdminService
}

// NewApp wires the services over d. Locks default to process-local ones.
func NewApp(d Deps) *App {
	if d.Locks == nil {
		d.Locks = NewLocks()
	}
	if d.Now == nil {
		d.Now = nowUTC
	}
	a := &App{
		Reservations: &ReservationService{DB: d.DB, Ledger: d.Ledger, Locks: d.Locks, Settings: d.Settings, Now: d.Now},
		Validator:    &Validator{DB: d.DB, Locks: d.Locks, Settings: d.Settings, Transport: d.Transport, Now: d.Now},
		Poster: &Poster{
			DB: d.DB, Ledger: d.Ledger, Transport: d.Transport, Operator: d.Operator,
			Locks: d.Locks, Settings: d.Settings, Now: d.Now,
		},
		Expiry: &ExpirySweeper{DB: d.DB, Transport: d.Transport, Settings: d.Settings, Now: d.Now},
		Funds:  &Funds{DB: d.DB, Ledger: d.Ledger, Operator: d.Operator, Transport: d.Transport, Settings: d.Settings},
		Admin:  NewAdminService(d.DB),
	}
	a.Conversation = &Conversation{
		DB: d.DB, Ledger: d.Ledger, Transport: d.Transport,
		Reservations: a.Reservations, Validator: a.Validator, Poster: a.Poster, Funds: a.Funds,
		Settings: d.Settings, Now: d.Now,
	}
	return a
}

// Sweeps exposes the periodic jobs by name for the scheduler and the
// operator API.
func (a *App) Sweeps() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		SweepRetry: func(ctx context.Context) error {
			_, err := a.Poster.RetryPendingAttestations(ctx)
			return err
		},
		SweepExpiry: func(ctx context.Context) error {
			_, err := a.Expiry.SweepExpiringReservations(ctx)
			return err
		},
		SweepConsolidate: a.Funds.Consolidate,
		SweepPayout:      a.Funds.Payout,
	}
}
