package postgres

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/repository"
)

// testDSNEnv names a disposable Postgres the store tests may create schemas in.
const testDSNEnv = "OUTBOUND_TEST_POSTGRES_DSN"

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := os.Getenv(testDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", testDSNEnv)
	}
	ctx := context.Background()

	admin, err := sqlx.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = admin.Close() })

	schema := "users_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := admin.ExecContext(ctx, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() { _, _ = admin.ExecContext(context.Background(), "DROP SCHEMA "+schema+" CASCADE") })

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sqlx.Open("pgx", dsn+sep+"search_path="+schema)
	if err != nil {
		t.Fatalf("open schema: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ddl, err := os.ReadFile("../../../migrations/postgres/0001_users_calls.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	for _, stmt := range strings.Split(string(ddl), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("migrate: %v", err)
		}
	}
	return db
}

func insertUser(t *testing.T, db *sqlx.DB, id string, next *time.Time) {
	t.Helper()
	if _, err := db.ExecContext(context.Background(),
		`INSERT INTO users (id, phone, name, next_call_at) VALUES ($1, $2, $3, $4)`,
		id, "+1555"+id, "User "+id, next,
	); err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
}

func userIDs(users []domain.DueUser) []string {
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.UserID)
	}
	return ids
}

var base = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	t := base.Add(d)
	return &t
}

func TestFindUsersDueForCallClaimsEachWindowOnce(t *testing.T) {
	db := openTestDB(t)
	store := NewUserStore(db)
	ctx := context.Background()

	insertUser(t, db, "u1", at(-2*time.Minute))
	insertUser(t, db, "u2", at(-time.Minute))
	insertUser(t, db, "u3", at(time.Hour))
	insertUser(t, db, "u4", nil)

	users, err := store.FindUsersDueForCall(ctx, base, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got := userIDs(users); len(got) != 2 || got[0] != "u1" || got[1] != "u2" {
		t.Fatalf("expected u1,u2 in due order, got %v", got)
	}
	if !users[0].ScheduledAt.Equal(*at(-2 * time.Minute)) || users[0].Name == nil || *users[0].Name != "User u1" {
		t.Fatalf("unexpected claimed row %+v", users[0])
	}

	again, err := store.FindUsersDueForCall(ctx, base.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("claimed window returned twice: %v", userIDs(again))
	}

	// Moving next_call_at opens a new window for the same user.
	if _, err := db.ExecContext(ctx, `UPDATE users SET next_call_at = $1 WHERE id = 'u1'`, *at(30 * time.Second)); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	next, err := store.FindUsersDueForCall(ctx, base.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("claim next window: %v", err)
	}
	if got := userIDs(next); len(got) != 1 || got[0] != "u1" {
		t.Fatalf("expected only rescheduled u1, got %v", got)
	}
}

func TestFindUsersDueForCallSkipsLockedRows(t *testing.T) {
	db := openTestDB(t)
	store := NewUserStore(db)
	ctx := context.Background()

	insertUser(t, db, "u1", at(-time.Minute))
	insertUser(t, db, "u2", at(-time.Minute))

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `SELECT id FROM users WHERE id = 'u1' FOR UPDATE`); err != nil {
		t.Fatalf("lock: %v", err)
	}

	users, err := store.FindUsersDueForCall(ctx, base, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got := userIDs(users); len(got) != 1 || got[0] != "u2" {
		t.Fatalf("expected locked u1 skipped, got %v", got)
	}
}

func TestReleaseClaimsOnlyClearsMatchingWindow(t *testing.T) {
	db := openTestDB(t)
	store := NewUserStore(db)
	ctx := context.Background()

	insertUser(t, db, "u1", at(-time.Minute))
	insertUser(t, db, "u2", at(-time.Minute))

	claimed, err := store.FindUsersDueForCall(ctx, base, 10)
	if err != nil || len(claimed) != 2 {
		t.Fatalf("claim: %v %v", userIDs(claimed), err)
	}

	stale := domain.DueUser{UserID: "u2", ScheduledAt: base.Add(-time.Hour)}
	if err := store.ReleaseClaims(ctx, []domain.DueUser{claimed[0], stale}); err != nil {
		t.Fatalf("release: %v", err)
	}

	users, err := store.FindUsersDueForCall(ctx, base, 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if got := userIDs(users); len(got) != 1 || got[0] != "u1" {
		t.Fatalf("expected only released u1 claimable, got %v", got)
	}
}

func TestRecordCallStatusKeepsTerminalStatus(t *testing.T) {
	db := openTestDB(t)
	store := NewUserStore(db)
	store.now = func() time.Time { return base }
	ctx := context.Background()

	insertUser(t, db, "u1", nil)
	if err := store.RecordCallInitiated(ctx, "c-1", "v-1", "u1"); err != nil {
		t.Fatalf("initiated: %v", err)
	}

	apply := func(status domain.CallStatus) {
		t.Helper()
		if err := store.RecordCallStatus(ctx, domain.CallStatusUpdate{VendorCallID: "v-1", Status: status, OccurredAt: base}); err != nil {
			t.Fatalf("status %s: %v", status, err)
		}
	}
	apply(domain.CallStatusCompleted)
	apply(domain.CallStatusRinging)

	var status string
	if err := db.GetContext(ctx, &status, `SELECT status FROM calls WHERE call_id = 'c-1'`); err != nil {
		t.Fatalf("read: %v", err)
	}
	if status != string(domain.CallStatusCompleted) {
		t.Fatalf("late ringing overwrote terminal status: %s", status)
	}

	err := store.RecordCallStatus(ctx, domain.CallStatusUpdate{VendorCallID: "v-missing", Status: domain.CallStatusRinging, OccurredAt: base})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDueUserRecordToModel(t *testing.T) {
	loc := time.FixedZone("EST", -5*60*60)
	rec := dueUserRecord{ID: "u1", Phone: "+15550001", NextCallAt: time.Date(2024, 3, 4, 5, 0, 0, 0, loc)}

	u := rec.toModel()
	if u.Name != nil {
		t.Fatalf("null name should map to nil, got %q", *u.Name)
	}
	if u.ScheduledAt.Location() != time.UTC || !u.ScheduledAt.Equal(base) {
		t.Fatalf("expected UTC scheduled time, got %v", u.ScheduledAt)
	}

	rec.Name.String, rec.Name.Valid = "Ada", true
	if u := rec.toModel(); u.Name == nil || *u.Name != "Ada" {
		t.Fatalf("expected name Ada, got %v", u.Name)
	}
}

func TestNullString(t *testing.T) {
	for _, tc := range []struct {
		in    string
		valid bool
	}{{"", false}, {"v-1", true}} {
		if got := nullString(tc.in); got.Valid != tc.valid || got.String != tc.in {
			t.Fatalf("nullString(%q) = %+v", tc.in, got)
		}
	}
}
