package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/username-attestor/internal/config"
	"github.com/tbourn/username-attestor/internal/domain"
	"github.com/tbourn/username-attestor/internal/ledger"
	"github.com/tbourn/username-attestor/internal/pricing"
	"github.com/tbourn/username-attestor/internal/repo"
	"github.com/tbourn/username-attestor/internal/transport"
)

// newSvcDB opens a migrated in-memory database. A single connection keeps
// concurrent tests free of shared-cache table locks.
func newSvcDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	db.Exec("PRAGMA foreign_keys=ON;")
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeLedger struct {
	mu         sync.Mutex
	issued     int
	syncing    bool
	composeErr  error
	sendErr     error
	incomingErr error
	composed   []ledger.Compose
	sends      []ledger.Send
	balances   map[string]int64
	incoming   map[string]ledger.IncomingPayment
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: map[string]int64{}, incoming: map[string]ledger.IncomingPayment{}}
}

func (f *fakeLedger) IssueReceivingAddress(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued++
	return fmt.Sprintf("RECV%03d", f.issued), nil
}

func (f *fakeLedger) IsSyncing(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncing, nil
}

func (f *fakeLedger) ComposeAndBroadcast(_ context.Context, c ledger.Compose) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.composeErr != nil {
		return "", f.composeErr
	}
	f.composed = append(f.composed, c)
	return fmt.Sprintf("ATT%03d", len(f.composed)), nil
}

func (f *fakeLedger) ReadBalance(_ context.Context, addr string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[addr], nil
}

func (f *fakeLedger) SendPayment(_ context.Context, s ledger.Send) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sends = append(f.sends, s)
	return fmt.Sprintf("SEND%03d", len(f.sends)), nil
}

func (f *fakeLedger) IncomingPayments(_ context.Context, txIDs []string) ([]ledger.IncomingPayment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.incomingErr != nil {
		return nil, f.incomingErr
	}
	var out []ledger.IncomingPayment
	for _, id := range txIDs {
		if p, ok := f.incoming[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeLedger) IsValidAddress(_ context.Context, addr string) (bool, error) {
	return strings.HasPrefix(addr, "ADDR"), nil
}

func (f *fakeLedger) composeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.composed)
}

type captureTransport struct {
	mu   sync.Mutex
	sent []transport.Outbound
	err  error
}

func (c *captureTransport) Send(_ context.Context, requesterID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, transport.Outbound{RequesterID: requesterID, Text: text})
	return nil
}

func (c *captureTransport) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return ""
	}
	return c.sent[len(c.sent)-1].Text
}

func (c *captureTransport) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type captureOperator struct {
	mu       sync.Mutex
	subjects []string
	bodies   []string
}

func (c *captureOperator) Notify(_ context.Context, subject, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subjects = append(c.subjects, subject)
	c.bodies = append(c.bodies, body)
	return nil
}

var errLedgerDown = errors.New("ledger down")

func testSettings() Settings {
	return Settings{
		Pricing:           pricing.New([]config.PriceThreshold{{MinLength: 3, Amount: 1450}}),
		PriceTimeout:      3 * time.Hour,
		ReminderTimeout:   time.Hour,
		MaxPerRequester:   1,
		BounceFee:         10000,
		MinBounceAmount:   20000,
		ProfileSalt:       "salt",
		Languages:         []string{"en"},
		AttestorAddress:   "ATTESTOR",
		AccumulationAddr:  "ACCUMULATION",
		MaxAuthorsPerUnit: 16,
	}
}

// harness wires every service over one database and fake collaborators.
type harness struct {
	db    *gorm.DB
	clock *testClock
	led   *fakeLedger
	out   *captureTransport
	op    *captureOperator
	set   Settings
	locks *Locks

	app   *App
	res   *ReservationService
	val   *Validator
	post  *Poster
	funds *Funds
	exp   *ExpirySweeper
	conv  *Conversation
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		db:    newSvcDB(t),
		clock: newClock(),
		led:   newFakeLedger(),
		out:   &captureTransport{},
		op:    &captureOperator{},
		set:   testSettings(),
		locks: NewLocks(),
	}
	h.rewire()
	return h
}

// rewire rebuilds the services after h.set changed.
func (h *harness) rewire() {
	h.app = NewApp(Deps{
		DB: h.db, Ledger: h.led, Transport: h.out, Operator: h.op,
		Locks: h.locks, Settings: h.set, Now: h.clock.Now,
	})
	h.res = h.app.Reservations
	h.val = h.app.Validator
	h.post = h.app.Poster
	h.funds = h.app.Funds
	h.exp = h.app.Expiry
	h.conv = h.app.Conversation
}

func (h *harness) reserve(t *testing.T, requester, payer, identifier string) *domain.Reservation {
	t.Helper()
	if _, err := repo.EnsureUser(context.Background(), h.db, requester, "en"); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	r, err := h.res.GetOrCreate(context.Background(), requester, payer, identifier)
	if err != nil {
		t.Fatalf("GetOrCreate(%s,%s,%s): %v", requester, payer, identifier, err)
	}
	return r
}

func (h *harness) pay(t *testing.T, txID string, r *domain.Reservation, amount int64) Verdict {
	t.Helper()
	v, err := h.val.ValidatePayment(context.Background(), ledger.IncomingPayment{
		TxID: txID, ReceivingAddress: r.ReservationID, Amount: amount, Authors: []string{r.PayerAddress},
	})
	if err != nil {
		t.Fatalf("ValidatePayment(%s): %v", txID, err)
	}
	return v
}

func (h *harness) finalize(t *testing.T, txIDs ...string) {
	t.Helper()
	if err := h.conv.HandlePaymentsFinalized(context.Background(), txIDs); err != nil {
		t.Fatalf("HandlePaymentsFinalized: %v", err)
	}
}
