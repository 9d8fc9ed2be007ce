package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tbourn/username-attestor/internal/repo"
)

func TestSweep_WarnsOnceWhenDue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.reserve(t, "d1", "ADDR1", "bob")

	h.clock.Advance(time.Hour)
	if n, err := h.exp.SweepExpiringReservations(ctx); err != nil || n != 0 {
		t.Fatalf("not due yet: n=%d err=%v", n, err)
	}

	h.clock.Advance(time.Hour)
	n, err := h.exp.SweepExpiringReservations(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one warning, n=%d err=%v", n, err)
	}
	if !strings.Contains(h.out.last(), "@bob") {
		t.Fatalf("unexpected warning: %q", h.out.last())
	}
	got, _ := repo.GetReservation(ctx, h.db, r.ReservationID)
	if !got.NotifiedExpiry {
		t.Fatalf("reservation should be flagged")
	}

	sent := h.out.count()
	if n, err := h.exp.SweepExpiringReservations(ctx); err != nil || n != 0 || h.out.count() != sent {
		t.Fatalf("second sweep must not warn again: n=%d err=%v", n, err)
	}
}

func TestSweep_FailedDeliveryIsRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.reserve(t, "d1", "ADDR1", "bob")
	h.clock.Advance(2 * time.Hour)

	h.out.err = errors.New("chat offline")
	if n, err := h.exp.SweepExpiringReservations(ctx); err != nil || n != 0 {
		t.Fatalf("failed delivery: n=%d err=%v", n, err)
	}
	got, _ := repo.GetReservation(ctx, h.db, r.ReservationID)
	if got.NotifiedExpiry {
		t.Fatalf("undelivered warning must not flag the reservation")
	}

	h.out.err = nil
	if n, err := h.exp.SweepExpiringReservations(ctx); err != nil || n != 1 {
		t.Fatalf("retry should deliver: n=%d err=%v", n, err)
	}
}

func TestSweep_SkipsPaidReservations(t *testing.T) {
	h := newHarness(t)
	r := h.reserve(t, "d1", "ADDR1", "bob")
	h.pay(t, "T1", r, 1450)
	h.clock.Advance(2 * time.Hour)
	if n, err := h.exp.SweepExpiringReservations(context.Background()); err != nil || n != 0 {
		t.Fatalf("paid reservation must not be warned: n=%d err=%v", n, err)
	}
}
