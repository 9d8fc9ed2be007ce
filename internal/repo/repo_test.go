package repo

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/username-attestor/internal/domain"
)

func newRepoDB(t *testing.T, migrate bool) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
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
	if migrate {
		if err := AutoMigrate(db); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func mustReserve(t *testing.T, db *gorm.DB, id, requester, payer, ident string, at time.Time) *domain.Reservation {
	t.Helper()
	r := &domain.Reservation{ReservationID: id, RequesterID: requester, PayerAddress: payer, Identifier: ident, Price: 1450, CreatedAt: at}
	if err := CreateReservation(context.Background(), db, r); err != nil {
		t.Fatalf("CreateReservation: %v", err)
	}
	return r
}

func mustPay(t *testing.T, db *gorm.DB, tx, reservationID string, amount int64) {
	t.Helper()
	if err := CreatePayment(context.Background(), db, &domain.Payment{PaymentTxID: tx, ReservationID: reservationID, PriceAtTime: amount, ReceivedAmount: amount}); err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
}

func TestVerifySchema(t *testing.T) {
	empty := newRepoDB(t, false)
	if err := VerifySchema(empty); err == nil {
		t.Fatalf("expected missing table error on empty schema")
	}
	if err := empty.AutoMigrate(&domain.User{}); err != nil {
		t.Fatalf("migrate users: %v", err)
	}
	if err := VerifySchema(empty); err == nil || err.Error() != `missing table "reservations"` {
		t.Fatalf("expected reservations to be reported, got %v", err)
	}
	if err := VerifySchema(newRepoDB(t, true)); err != nil {
		t.Fatalf("VerifySchema on migrated db: %v", err)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if db, err := Open("oracle", "x"); err == nil || db != nil {
		t.Fatalf("expected unsupported driver error, got db=%v err=%v", db, err)
	}
}

func TestUsers_EnsureAndClaims(t *testing.T) {
	ctx := context.Background()
	db := newRepoDB(t, true)

	u, err := EnsureUser(ctx, db, "d1", "ru")
	if err != nil || u.Locale != "ru" {
		t.Fatalf("EnsureUser: %+v %v", u, err)
	}
	// Second call keeps the stored locale.
	u, err = EnsureUser(ctx, db, "d1", "en")
	if err != nil || u.Locale != "ru" {
		t.Fatalf("EnsureUser should not overwrite locale: %+v %v", u, err)
	}

	addr, ident := "A", "bob"
	if err := SetPayerAddress(ctx, db, "d1", &addr); err != nil {
		t.Fatalf("SetPayerAddress: %v", err)
	}
	if err := SetIdentifier(ctx, db, "d1", &ident); err != nil {
		t.Fatalf("SetIdentifier: %v", err)
	}
	u, _ = GetUser(ctx, db, "d1")
	if u.PayerAddress == nil || *u.PayerAddress != "A" || u.Identifier == nil || *u.Identifier != "bob" {
		t.Fatalf("claims not stored: %+v", u)
	}
	if err := ClearClaims(ctx, db, "d1"); err != nil {
		t.Fatalf("ClearClaims: %v", err)
	}
	u, _ = GetUser(ctx, db, "d1")
	if u.PayerAddress != nil || u.Identifier != nil {
		t.Fatalf("claims not cleared: %+v", u)
	}
	if err := SetUserLocale(ctx, db, "nobody", "en"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown requester, got %v", err)
	}
}

func TestFindBlockingReservation(t *testing.T) {
	ctx := context.Background()
	db := newRepoDB(t, true)
	now := time.Now().UTC()
	cut := now.Add(-time.Hour)

	// Own reservation never blocks.
	mustReserve(t, db, "R-own", "d1", "A", "bob", now)
	if _, err := FindBlockingReservation(ctx, db, "bob", "d1", "A", cut); !errors.Is(err, ErrNotFound) {
		t.Fatalf("own reservation must not block, got %v", err)
	}

	// Stale unpaid reservation from someone else does not block.
	mustReserve(t, db, "R-old", "d2", "B", "bob", now.Add(-2*time.Hour))
	if _, err := FindBlockingReservation(ctx, db, "bob", "d1", "A", cut); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale reservation must not block, got %v", err)
	}

	// Same requester with a different payer is a different owner.
	r, err := FindBlockingReservation(ctx, db, "bob", "d1", "C", cut)
	if err != nil || r.ReservationID != "R-own" {
		t.Fatalf("fresh reservation of other owner should block: %+v %v", r, err)
	}

	// Once the stale one is paid it blocks and is preferred.
	mustPay(t, db, "T-old", "R-old", 1450)
	r, err = FindBlockingReservation(ctx, db, "bob", "d9", "Z", cut)
	if err != nil || r.ReservationID != "R-old" {
		t.Fatalf("paid reservation should block first: %+v %v", r, err)
	}
}

func TestCompetitors(t *testing.T) {
	ctx := context.Background()
	db := newRepoDB(t, true)
	now := time.Now().UTC()

	mustReserve(t, db, "R1", "d1", "A", "bob", now.Add(-2*time.Hour))
	mustReserve(t, db, "R2", "d2", "B", "bob", now.Add(-time.Minute))

	if _, err := FindPaidCompetitor(ctx, db, "bob", "R1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("no paid competitor expected, got %v", err)
	}
	r, err := FindFreshCompetitor(ctx, db, "bob", "d1", "A", now.Add(-time.Hour))
	if err != nil || r.ReservationID != "R2" {
		t.Fatalf("fresh competitor expected: %+v %v", r, err)
	}
	// Sharing the payer address is not a competitor.
	if _, err := FindFreshCompetitor(ctx, db, "bob", "d1", "B", now.Add(-time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("same payer must not compete, got %v", err)
	}

	mustPay(t, db, "T2", "R2", 1450)
	if r, err := FindPaidCompetitor(ctx, db, "bob", "R1"); err != nil || r.ReservationID != "R2" {
		t.Fatalf("paid competitor expected: %+v %v", r, err)
	}
	if _, err := FindPaidCompetitor(ctx, db, "bob", "R2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("reservation must not compete with itself, got %v", err)
	}
}

func TestLimitsAndUnattested(t *testing.T) {
	ctx := context.Background()
	db := newRepoDB(t, true)
	now := time.Now().UTC()

	mustReserve(t, db, "R1", "d1", "A", "bob", now)
	mustReserve(t, db, "R2", "d1", "A", "alice", now)
	if n, err := CountPaidReservations(ctx, db, "d1"); err != nil || n != 0 {
		t.Fatalf("count before payments: %d %v", n, err)
	}
	if ok, _ := PayerHasPayment(ctx, db, "A"); ok {
		t.Fatalf("payer has no payment yet")
	}
	if _, err := FindUnattestedPayment(ctx, db, "d1", "A"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected nothing unattested, got %v", err)
	}

	mustPay(t, db, "T1", "R1", 1450)
	if n, _ := CountPaidReservations(ctx, db, "d1"); n != 1 {
		t.Fatalf("expected 1 paid reservation, got %d", n)
	}
	if ok, _ := PayerHasPayment(ctx, db, "A"); !ok {
		t.Fatalf("payer should have a payment")
	}
	// Lookup by payer alone also finds it.
	if ident, err := FindUnattestedPayment(ctx, db, "other", "A"); err != nil || ident != "bob" {
		t.Fatalf("expected bob unattested, got %q %v", ident, err)
	}

	if ok, err := FinalizePayment(ctx, db, "T1", now); err != nil || !ok {
		t.Fatalf("FinalizePayment: %v %v", ok, err)
	}
	if err := CreateAttestationJob(ctx, db, "T1", now); err != nil {
		t.Fatalf("CreateAttestationJob: %v", err)
	}
	if err := SetAttestationTx(ctx, db, "T1", "U1", now); err != nil {
		t.Fatalf("SetAttestationTx: %v", err)
	}
	if _, err := FindUnattestedPayment(ctx, db, "d1", "A"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("attested payment must not be reported, got %v", err)
	}
}

func TestFinalizePayment_Idempotent(t *testing.T) {
	ctx := context.Background()
	db := newRepoDB(t, true)
	mustReserve(t, db, "R1", "d1", "A", "bob", time.Now().UTC())
	mustPay(t, db, "T1", "R1", 1450)

	if ok, err := FinalizePayment(ctx, db, "T1", time.Now()); err != nil || !ok {
		t.Fatalf("first finalize: %v %v", ok, err)
	}
	if ok, err := FinalizePayment(ctx, db, "T1", time.Now()); err != nil || ok {
		t.Fatalf("second finalize should report no change: %v %v", ok, err)
	}
	if _, err := FinalizePayment(ctx, db, "missing", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	p, _ := GetPayment(ctx, db, "T1")
	if !p.Final() || p.ConfirmedAt == nil {
		t.Fatalf("payment not final: %+v", p)
	}
}

func TestAttestationJobs(t *testing.T) {
	ctx := context.Background()
	db := newRepoDB(t, true)
	now := time.Now().UTC()
	if _, err := EnsureUser(ctx, db, "d1", "en"); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	mustReserve(t, db, "R1", "d1", "A", "bob", now)
	mustPay(t, db, "T1", "R1", 1450)

	if err := CreateAttestationJob(ctx, db, "T1", now); err != nil {
		t.Fatalf("CreateAttestationJob: %v", err)
	}
	if err := CreateAttestationJob(ctx, db, "T1", now); err != nil {
		t.Fatalf("second CreateAttestationJob should be ignored: %v", err)
	}
	pending, err := ListPendingAttestations(ctx, db, 10)
	if err != nil || len(pending) != 1 || pending[0] != "T1" {
		t.Fatalf("pending: %v %v", pending, err)
	}

	tg, err := GetAttestationTarget(ctx, db, "T1")
	if err != nil {
		t.Fatalf("GetAttestationTarget: %v", err)
	}
	if tg.RequesterID != "d1" || tg.PayerAddress != "A" || tg.Identifier != "bob" || tg.Locale != "en" || tg.AttestationTxID != nil {
		t.Fatalf("unexpected target: %+v", tg)
	}

	if err := SetAttestationTx(ctx, db, "T1", "U1", now); err != nil {
		t.Fatalf("SetAttestationTx: %v", err)
	}
	if err := SetAttestationTx(ctx, db, "T1", "U2", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second write must not apply, got %v", err)
	}
	j, _ := GetAttestationJob(ctx, db, "T1")
	if j.AttestationTxID == nil || *j.AttestationTxID != "U1" {
		t.Fatalf("attestation tx overwritten: %+v", j)
	}
	if pending, _ := ListPendingAttestations(ctx, db, 10); len(pending) != 0 {
		t.Fatalf("expected no pending after post, got %v", pending)
	}
	if _, err := GetAttestationTarget(ctx, db, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// No user row: the locale is left to the caller's default.
	mustReserve(t, db, "R2", "ghost", "B", "carol", now)
	mustPay(t, db, "T2", "R2", 1450)
	if err := CreateAttestationJob(ctx, db, "T2", now); err != nil {
		t.Fatalf("CreateAttestationJob: %v", err)
	}
	if tg, err := GetAttestationTarget(ctx, db, "T2"); err != nil || tg.Locale != "" || tg.RequesterID != "ghost" {
		t.Fatalf("target without user = %+v, %v", tg, err)
	}
}

func TestReservationStatus(t *testing.T) {
	ctx := context.Background()
	db := newRepoDB(t, true)
	now := time.Now().UTC()
	mustReserve(t, db, "R1", "d1", "A", "bob", now)

	if _, err := GetReservationStatus(ctx, db, "R1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before payment, got %v", err)
	}
	mustPay(t, db, "T1", "R1", 1450)
	st, err := GetReservationStatus(ctx, db, "R1")
	if err != nil || st.PaymentTxID != "T1" || st.IsConfirmed != nil || st.AttestationTxID != nil {
		t.Fatalf("pending status unexpected: %+v %v", st, err)
	}
	_, _ = FinalizePayment(ctx, db, "T1", now)
	_ = CreateAttestationJob(ctx, db, "T1", now)
	_ = SetAttestationTx(ctx, db, "T1", "U1", now)
	st, err = GetReservationStatus(ctx, db, "R1")
	if err != nil || st.IsConfirmed == nil || *st.IsConfirmed != domain.PaymentFinal || st.AttestationTxID == nil || st.AttestedAt == nil {
		t.Fatalf("attested status unexpected: %+v %v", st, err)
	}
}

func TestExpiringReservations(t *testing.T) {
	ctx := context.Background()
	db := newRepoDB(t, true)
	now := time.Now().UTC()
	due := now.Add(-58 * time.Minute)

	mustReserve(t, db, "R-due", "d1", "A", "bob", now.Add(-59*time.Minute))
	mustReserve(t, db, "R-young", "d2", "B", "carol", now.Add(-10*time.Minute))
	mustReserve(t, db, "R-paid", "d3", "C", "dave", now.Add(-59*time.Minute))
	mustPay(t, db, "T3", "R-paid", 1450)
	// Payer C is engaged elsewhere, so its second reservation is skipped.
	mustReserve(t, db, "R-engaged", "d3", "C", "erin", now.Add(-59*time.Minute))

	got, err := ListExpiringReservations(ctx, db, due)
	if err != nil || len(got) != 1 || got[0].ReservationID != "R-due" {
		t.Fatalf("expiring: %+v %v", got, err)
	}
	if err := MarkExpiryNotified(ctx, db, "R-due"); err != nil {
		t.Fatalf("MarkExpiryNotified: %v", err)
	}
	if err := MarkExpiryNotified(ctx, db, "R-due"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second mark should be ErrNotFound, got %v", err)
	}
	if got, _ := ListExpiringReservations(ctx, db, due); len(got) != 0 {
		t.Fatalf("notified reservation listed again: %+v", got)
	}
}

func TestRejectedPayments_AndTxSeen(t *testing.T) {
	ctx := context.Background()
	db := newRepoDB(t, true)
	mustReserve(t, db, "R1", "d1", "A", "bob", time.Now().UTC())

	if seen, _ := TxSeen(ctx, db, "T1", "R1"); seen {
		t.Fatalf("fresh tx reported as seen")
	}
	rp := &domain.RejectedPayment{ReservationID: "R1", Price: 1450, ReceivedAmount: 500, PaymentTxID: "T1", Reason: "underpaid"}
	if err := CreateRejectedPayment(ctx, db, rp); err != nil || rp.ID == "" {
		t.Fatalf("CreateRejectedPayment: %v id=%q", err, rp.ID)
	}
	if err := CreateRejectedPayment(ctx, db, &domain.RejectedPayment{ReservationID: "R1", PaymentTxID: "T1", Reason: "underpaid"}); err != nil {
		t.Fatalf("duplicate audit row should be ignored: %v", err)
	}
	rows, err := ListRejectedPayments(ctx, db, "R1")
	if err != nil || len(rows) != 1 {
		t.Fatalf("ListRejectedPayments: %+v %v", rows, err)
	}
	if seen, _ := TxSeen(ctx, db, "T1", "R1"); !seen {
		t.Fatalf("rejected tx should be seen")
	}
	mustPay(t, db, "T2", "R1", 1450)
	if seen, _ := TxSeen(ctx, db, "T2", "other"); !seen {
		t.Fatalf("credited tx should be seen for any reservation")
	}
	if err := CreatePayment(ctx, db, &domain.Payment{PaymentTxID: "T2", ReservationID: "R1"}); !IsDuplicate(err) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestReceivingAddresses(t *testing.T) {
	ctx := context.Background()
	db := newRepoDB(t, true)
	now := time.Now().UTC()
	mustReserve(t, db, "R1", "d1", "A", "bob", now.Add(-time.Hour))
	mustReserve(t, db, "R2", "d2", "B", "carol", now)
	mustReserve(t, db, "R3", "d3", "C", "dave", now.Add(-30*time.Minute))
	mustPay(t, db, "T1", "R1", 1450)
	if err := CreateRejectedPayment(ctx, db, &domain.RejectedPayment{ReservationID: "R3", PaymentTxID: "T3", Reason: "underpaid"}); err != nil {
		t.Fatalf("CreateRejectedPayment: %v", err)
	}

	// R1 still awaits finality; its funds may be needed for a bounce.
	addrs, err := ListReceivingAddresses(ctx, db, 0, 16)
	if err != nil || len(addrs) != 1 || addrs[0] != "R3" {
		t.Fatalf("ListReceivingAddresses before finality: %v %v", addrs, err)
	}
	if _, err := FinalizePayment(ctx, db, "T1", now); err != nil {
		t.Fatalf("FinalizePayment: %v", err)
	}
	addrs, err = ListReceivingAddresses(ctx, db, 0, 16)
	if err != nil || len(addrs) != 2 || addrs[0] != "R1" || addrs[1] != "R3" {
		t.Fatalf("ListReceivingAddresses after finality: %v %v", addrs, err)
	}
	// A pending credit blocks the address even next to a rejection.
	mustPay(t, db, "T4", "R3", 1450)
	addrs, _ = ListReceivingAddresses(ctx, db, 0, 16)
	if len(addrs) != 1 || addrs[0] != "R1" {
		t.Fatalf("pending credit must block R3: %v", addrs)
	}
	if ok, _ := IsReceivingAddress(ctx, db, "R2"); !ok {
		t.Fatalf("R2 should be a receiving address")
	}
	if ok, _ := IsReceivingAddress(ctx, db, "A"); ok {
		t.Fatalf("payer address is not a receiving address")
	}
	page, _ := ListReservationsPage(ctx, db, "d1", 0, 10)
	total, _ := CountReservations(ctx, db, "d1")
	if len(page) != 1 || total != 1 {
		t.Fatalf("page=%v total=%d", page, total)
	}
}

func TestIsDuplicate(t *testing.T) {
	cases := map[string]bool{
		"UNIQUE constraint failed: payments.payment_tx_id":  true,
		"duplicate key value violates unique constraint":    true,
		"Error 1062 (23000): Duplicate entry 'x' for key 'P'": true,
		"some other error": false,
	}
	for msg, want := range cases {
		if got := IsDuplicate(errors.New(msg)); got != want {
			t.Fatalf("IsDuplicate(%q) = %v; want %v", msg, got, want)
		}
	}
	if IsDuplicate(nil) {
		t.Fatalf("IsDuplicate(nil) = true")
	}
}
