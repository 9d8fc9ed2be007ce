package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/username-attestor/internal/config"
	"github.com/tbourn/username-attestor/internal/pricing"
)

func TestNormalizeIdentifier(t *testing.T) {
	cases := []struct {
		in, want string
		ok       bool
	}{
		{"@Bob", "bob", true},
		{"  alice_1 ", "alice_1", true},
		{"a-b", "a-b", true},
		{"", "", false},
		{"@", "", false},
		{"bob smith", "", false},
		{strings.Repeat("x", 33), "", false},
		{"боб", "", false},
	}
	for _, tc := range cases {
		got, err := NormalizeIdentifier(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("NormalizeIdentifier(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidIdentifier) {
			t.Fatalf("NormalizeIdentifier(%q) expected ErrInvalidIdentifier, got %v", tc.in, err)
		}
	}
}

func TestGetOrCreate_NotForSale(t *testing.T) {
	h := newHarness(t)
	_, err := h.res.GetOrCreate(context.Background(), "d1", "ADDR1", "ab")
	rej, ok := AsRejection(err)
	if !ok || !errors.Is(err, ErrNotForSale) {
		t.Fatalf("expected not-for-sale rejection, got %v", err)
	}
	if !strings.Contains(rej.Message, "@ab") {
		t.Fatalf("message should name the identifier: %q", rej.Message)
	}
}

func TestGetOrCreate_InvalidIdentifier(t *testing.T) {
	h := newHarness(t)
	if _, err := h.res.GetOrCreate(context.Background(), "d1", "ADDR1", "Bob!"); !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("expected ErrInvalidIdentifier, got %v", err)
	}
}

func TestGetOrCreate_ReusesFreshReservation(t *testing.T) {
	h := newHarness(t)
	r1 := h.reserve(t, "d1", "ADDR1", "bob")
	if r1.Price != 1450 || r1.ReservationID == "" {
		t.Fatalf("unexpected reservation: %+v", r1)
	}
	h.clock.Advance(time.Hour)
	r2 := h.reserve(t, "d1", "ADDR1", "bob")
	if r2.ReservationID != r1.ReservationID {
		t.Fatalf("fresh reservation should be reused: %s vs %s", r1.ReservationID, r2.ReservationID)
	}
	if h.led.issued != 1 {
		t.Fatalf("expected one issued address, got %d", h.led.issued)
	}
}

func TestGetOrCreate_StaleOrRepricedIssuesNewRow(t *testing.T) {
	h := newHarness(t)
	r1 := h.reserve(t, "d1", "ADDR1", "bob")

	h.clock.Advance(4 * time.Hour)
	r2 := h.reserve(t, "d1", "ADDR1", "bob")
	if r2.ReservationID == r1.ReservationID {
		t.Fatalf("stale reservation should be superseded")
	}

	h.set.Pricing = pricing.New([]config.PriceThreshold{{MinLength: 3, Amount: 2050}})
	h.rewire()
	r3 := h.reserve(t, "d1", "ADDR1", "bob")
	if r3.ReservationID == r2.ReservationID || r3.Price != 2050 {
		t.Fatalf("repriced reservation should be a new row at the new price: %+v", r3)
	}
}

func TestGetOrCreate_TakenByFreshOrPaidOwner(t *testing.T) {
	h := newHarness(t)
	r := h.reserve(t, "d1", "ADDR1", "bob")

	_, err := h.res.GetOrCreate(context.Background(), "d2", "ADDR2", "bob")
	if !errors.Is(err, ErrIdentifierTaken) {
		t.Fatalf("expected ErrIdentifierTaken while fresh, got %v", err)
	}
	// Same requester with another payer is another owner too.
	if _, err := h.res.GetOrCreate(context.Background(), "d1", "ADDR9", "bob"); !errors.Is(err, ErrIdentifierTaken) {
		t.Fatalf("expected ErrIdentifierTaken for another payer, got %v", err)
	}

	h.clock.Advance(4 * time.Hour)
	if _, err := h.res.GetOrCreate(context.Background(), "d2", "ADDR2", "bob"); err != nil {
		t.Fatalf("expired unpaid reservation must not block: %v", err)
	}

	// Once paid the identifier is blocked regardless of age.
	h2 := newHarness(t)
	r = h2.reserve(t, "d1", "ADDR1", "bob")
	if v := h2.pay(t, "T1", r, 1450); !v.Accepted() {
		t.Fatalf("payment should be accepted: %+v", v.Rejection)
	}
	h2.clock.Advance(24 * time.Hour)
	if _, err := h2.res.GetOrCreate(context.Background(), "d2", "ADDR2", "bob"); !errors.Is(err, ErrIdentifierTaken) {
		t.Fatalf("expected ErrIdentifierTaken for paid identifier, got %v", err)
	}
}

func TestGetOrCreate_PaidReservationReturnedUnchanged(t *testing.T) {
	h := newHarness(t)
	r := h.reserve(t, "d1", "ADDR1", "bob")
	h.pay(t, "T1", r, 1450)
	h.clock.Advance(24 * time.Hour)

	got := h.reserve(t, "d1", "ADDR1", "bob")
	if got.ReservationID != r.ReservationID {
		t.Fatalf("paid reservation should be returned: %s vs %s", got.ReservationID, r.ReservationID)
	}
}

func TestGetOrCreate_AwaitingConfirmation(t *testing.T) {
	h := newHarness(t)
	h.set.MaxPerRequester = 5
	h.rewire()
	r := h.reserve(t, "d1", "ADDR1", "bob")
	h.pay(t, "T1", r, 1450)

	_, err := h.res.GetOrCreate(context.Background(), "d1", "ADDR1", "alice")
	rej, ok := AsRejection(err)
	if !ok || !errors.Is(err, ErrAwaitingConfirmation) {
		t.Fatalf("expected awaiting confirmation, got %v", err)
	}
	if !strings.Contains(rej.Message, "@bob") {
		t.Fatalf("message should name the in-flight identifier: %q", rej.Message)
	}

	h.finalize(t, "T1")
	if _, err := h.res.GetOrCreate(context.Background(), "d1", "ADDR7", "alice"); err != nil {
		t.Fatalf("after attestation a new reservation should be allowed: %v", err)
	}
}

func TestGetOrCreate_Limits(t *testing.T) {
	h := newHarness(t)
	r := h.reserve(t, "d1", "ADDR1", "bob")
	h.pay(t, "T1", r, 1450)
	h.finalize(t, "T1")

	if _, err := h.res.GetOrCreate(context.Background(), "d1", "ADDR2", "alice"); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected per-requester limit, got %v", err)
	}
	_, err := h.res.GetOrCreate(context.Background(), "d2", "ADDR1", "carol")
	rej, ok := AsRejection(err)
	if !ok || !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected per-payer limit, got %v", err)
	}
	if !strings.Contains(rej.Message, "already paid") {
		t.Fatalf("unexpected payer limit message: %q", rej.Message)
	}
}

func TestGetOrCreate_ConcurrentRequestersGetOneReservation(t *testing.T) {
	h := newHarness(t)
	const n = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		ok    int
		taken int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.res.GetOrCreate(context.Background(), fmt.Sprintf("d%d", i), fmt.Sprintf("ADDR%d", i), "bob")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrIdentifierTaken):
				taken++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if ok != 1 || taken != n-1 {
		t.Fatalf("expected exactly one reservation, got ok=%d taken=%d", ok, taken)
	}
}
