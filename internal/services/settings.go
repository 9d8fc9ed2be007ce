package services

import (
	"time"

	"github.com/tbourn/username-attestor/internal/config"
	"github.com/tbourn/username-attestor/internal/keymutex"
	"github.com/tbourn/username-attestor/internal/pricing"
)

// Settings is the runtime state shared by the services. It is built once at
// startup, after the attestor and accumulation addresses are known, and is
// read-only afterwards.
type Settings struct {
	Pricing           pricing.Table
	PriceTimeout      time.Duration
	ReminderTimeout   time.Duration
	MaxPerRequester   int
	BounceFee         int64
	MinBounceAmount   int64
	ProfileSalt       string
	PostTimestamp     bool
	Languages         []string
	AttestorAddress   string
	AccumulationAddr  string
	PayoutAddress     string
	MaxAuthorsPerUnit int
}

// NewSettings derives Settings from the loaded configuration.
func NewSettings(cfg config.Config, attestor, accumulation string) Settings {
	return Settings{
		Pricing:           pricing.New(cfg.PriceTable),
		PriceTimeout:      cfg.PriceTimeout,
		ReminderTimeout:   cfg.ReminderTimeout,
		MaxPerRequester:   cfg.MaxPerRequester,
		BounceFee:         cfg.BounceFee,
		MinBounceAmount:   cfg.MinBounceAmount,
		ProfileSalt:       cfg.ProfileSalt,
		PostTimestamp:     cfg.PostTimestamp,
		Languages:         cfg.Languages,
		AttestorAddress:   attestor,
		AccumulationAddr:  accumulation,
		PayoutAddress:     cfg.PayoutAddress,
		MaxAuthorsPerUnit: cfg.MaxAuthorsPerUnit,
	}
}

// DefaultLocale is the first configured language.
func (s Settings) DefaultLocale() string {
	if len(s.Languages) == 0 {
		return "en"
	}
	return s.Languages[0]
}

// Locks groups the keyed mutexes. Identifier serializes reservation creation
// and payment validation per identifier (keys "identifier:<id>") and address
// issuance per requester (keys "requester:<id>"). Tx serializes attestation
// posting per payment transaction ("tx:<id>").
type Locks struct {
	Identifier *keymutex.Mutex
	Tx         *keymutex.Mutex
}

// NewLocks returns process-local locks with the given options applied to both.
func NewLocks(opts ...keymutex.Option) *Locks {
	return &Locks{
		Identifier: keymutex.New("reservation", opts...),
		Tx:         keymutex.New("attestation", opts...),
	}
}

func identifierKey(id string) string { return "identifier:" + id }
func requesterKey(id string) string  { return "requester:" + id }
func txKey(id string) string         { return "tx:" + id }

func nowUTC() time.Time { return time.Now().UTC() }

func clock(now func() time.Time) time.Time {
	if now == nil {
		return nowUTC()
	}
	return now()
}
