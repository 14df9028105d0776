package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/orchardlabs/orchard/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Failed to close test store: %v", err)
		}
	})
	return repo
}

func TestUpsertIdentityRefreshes(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.UpsertIdentity(ctx, &domain.Identity{Key: "u1", Name: "first", Handle: "h1"}); err != nil {
		t.Fatalf("Failed to upsert: %v", err)
	}
	if err := repo.UpsertIdentity(ctx, &domain.Identity{Key: "u1", Name: "second", Handle: "h2"}); err != nil {
		t.Fatalf("Failed to upsert: %v", err)
	}

	id, err := repo.GetIdentity(ctx, "u1")
	if err != nil {
		t.Fatalf("Failed to get identity: %v", err)
	}
	if id.Name != "second" || id.Handle != "h2" {
		t.Errorf("Expected refreshed name and handle, got %+v", id)
	}

	unknown, err := repo.GetIdentity(ctx, "nobody")
	if err != nil {
		t.Fatalf("Failed to get identity: %v", err)
	}
	if unknown != nil {
		t.Errorf("Expected nil for an unknown key, got %+v", unknown)
	}
}

func TestGrantUpdatesWithoutGrant(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.SetSuspended(ctx, "nobody", true); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := repo.SetExpiration(ctx, "nobody", time.Now()); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRedeemTokenPreservesGrantState(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	key := "u1"

	// An existing grant with quota consumption and an override.
	daily := 5
	if err := repo.SetLimits(ctx, key, &daily, nil, nil, now.Format(domain.DayMarkerFormat)); err != nil {
		t.Fatalf("Failed to create grant: %v", err)
	}
	if _, err := repo.ReserveDailyQuota(ctx, key,
		now.Format(domain.DayMarkerFormat), now.Format(domain.HourMarkerFormat), 10); err != nil {
		t.Fatalf("Failed to reserve: %v", err)
	}

	expiration := now.Add(time.Hour)
	if err := repo.InsertToken(ctx, &domain.AccessToken{Code: "cafe0001", IdentityKey: key, Expiration: expiration}); err != nil {
		t.Fatalf("Failed to insert token: %v", err)
	}

	grant, err := repo.RedeemToken(ctx, "cafe0001", key, now)
	if err != nil {
		t.Fatalf("Failed to redeem: %v", err)
	}

	// Redemption replaces the expiration and nothing else.
	if grant.Expiration.Unix() != expiration.Unix() {
		t.Errorf("Expected expiration %v, got %v", expiration.Unix(), grant.Expiration.Unix())
	}
	if grant.UsedToday != 1 || grant.UsedTotal != 1 {
		t.Errorf("Expected quota counters to survive, got today=%d total=%d", grant.UsedToday, grant.UsedTotal)
	}
	if grant.DailyLimit == nil || *grant.DailyLimit != 5 {
		t.Errorf("Expected daily override to survive, got %v", grant.DailyLimit)
	}
}

func TestRedeemTokenErrorPrecedence(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	// Expired token bound to another identity: owner wins over expiry.
	if err := repo.InsertToken(ctx, &domain.AccessToken{Code: "cafe0002", IdentityKey: "owner", Expiration: now.Add(-time.Hour)}); err != nil {
		t.Fatalf("Failed to insert token: %v", err)
	}
	if _, err := repo.RedeemToken(ctx, "cafe0002", "intruder", now); !errors.Is(err, domain.ErrTokenWrongOwner) {
		t.Errorf("Expected ErrTokenWrongOwner, got %v", err)
	}
	if _, err := repo.RedeemToken(ctx, "cafe0002", "owner", now); !errors.Is(err, domain.ErrTokenExpired) {
		t.Errorf("Expected ErrTokenExpired, got %v", err)
	}

	// Consumed wins over everything.
	if err := repo.InsertToken(ctx, &domain.AccessToken{Code: "cafe0003", IdentityKey: "owner", Expiration: now.Add(time.Hour)}); err != nil {
		t.Fatalf("Failed to insert token: %v", err)
	}
	if _, err := repo.RedeemToken(ctx, "cafe0003", "owner", now); err != nil {
		t.Fatalf("Failed to redeem: %v", err)
	}
	if _, err := repo.RedeemToken(ctx, "cafe0003", "intruder", now); !errors.Is(err, domain.ErrTokenUsed) {
		t.Errorf("Expected ErrTokenUsed, got %v", err)
	}

	// Failed redemptions leave no grant behind.
	grant, err := repo.GetGrant(ctx, "intruder")
	if err != nil {
		t.Fatalf("Failed to get grant: %v", err)
	}
	if grant != nil {
		t.Errorf("Expected no grant for the failed redeemer, got %+v", grant)
	}
}

func TestReserveDailyQuotaLazyReset(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	key := "u1"

	if err := repo.SetLimits(ctx, key, nil, nil, nil, "2024-01-01"); err != nil {
		t.Fatalf("Failed to create grant: %v", err)
	}

	// Two reservations on day one.
	for i := 0; i < 2; i++ {
		res, err := repo.ReserveDailyQuota(ctx, key, "2024-01-01", "2024-01-01 09", 2)
		if err != nil {
			t.Fatalf("Reservation failed: %v", err)
		}
		if !res.Admitted {
			t.Fatalf("Reservation %d denied", i+1)
		}
	}

	// Day one is exhausted.
	res, err := repo.ReserveDailyQuota(ctx, key, "2024-01-01", "2024-01-01 10", 2)
	if err != nil {
		t.Fatalf("Reservation failed: %v", err)
	}
	if res.Admitted {
		t.Error("Expected denial at the limit")
	}
	if res.Used != 2 || res.Limit != 2 {
		t.Errorf("Expected used=2 limit=2, got %+v", res)
	}

	// A new day resets the counter; the total keeps accumulating.
	res, err = repo.ReserveDailyQuota(ctx, key, "2024-01-02", "2024-01-02 09", 2)
	if err != nil {
		t.Fatalf("Reservation failed: %v", err)
	}
	if !res.Admitted || res.Used != 1 {
		t.Errorf("Expected a fresh window with used=1, got %+v", res)
	}

	grant, err := repo.GetGrant(ctx, key)
	if err != nil {
		t.Fatalf("Failed to get grant: %v", err)
	}
	if grant.UsedTotal != 3 {
		t.Errorf("Expected total 3, got %d", grant.UsedTotal)
	}
	if grant.DayMarker != "2024-01-02" {
		t.Errorf("Expected day marker moved, got %q", grant.DayMarker)
	}
}

func TestReserveDailyQuotaWithoutGrant(t *testing.T) {
	repo := newTestStore(t)

	_, err := repo.ReserveDailyQuota(context.Background(), "nobody", "2024-01-01", "2024-01-01 09", 10)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func testRecord(key, flowID, category string) *domain.CompletedRecord {
	return &domain.CompletedRecord{
		FlowID:      flowID,
		IdentityKey: key,
		Category:    category,
		DrawnCell:   3,
		DrawnSide:   domain.SideLeft,
		PlayedCell:  2,
		PlayedSide:  domain.SideRight,
		Grade:       domain.GradeGood,
		Outcome:     domain.OutcomeWon,
		Stake:       "100",
		Seed:        "seed",
		RecordedAt:  time.Now(),
	}
}

func TestHistoryRoundTrip(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	records := []*domain.CompletedRecord{
		testRecord("u1", "flow-1", domain.Categories[0]),
		testRecord("u1", "flow-1", domain.Categories[1]),
		testRecord("u2", "flow-2", domain.Categories[0]),
	}
	if err := repo.AppendRecords(ctx, records); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	listed, err := repo.ListRecords(ctx, "u1")
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("Expected 2 records for u1, got %d", len(listed))
	}
	if listed[0].Category != domain.Categories[0] || listed[1].Category != domain.Categories[1] {
		t.Errorf("Expected oldest-first order, got %s then %s", listed[0].Category, listed[1].Category)
	}

	recent, err := repo.ListRecentRecords(ctx, "u1", 1)
	if err != nil {
		t.Fatalf("Failed to list recent: %v", err)
	}
	if len(recent) != 1 || recent[0].Category != domain.Categories[1] {
		t.Errorf("Expected the newest record, got %+v", recent)
	}

	deleted, err := repo.DeleteHistory(ctx, "u1")
	if err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 deleted, got %d", deleted)
	}

	// Another identity's history stays put.
	others, err := repo.ListRecords(ctx, "u2")
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(others) != 1 {
		t.Errorf("Expected u2 history intact, got %d records", len(others))
	}
}

func TestReplaceHistory(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.AppendRecords(ctx, []*domain.CompletedRecord{
		testRecord("u1", "old-1", domain.Categories[0]),
		testRecord("u1", "old-1", domain.Categories[1]),
		testRecord("u2", "other-1", domain.Categories[0]),
	}); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	if err := repo.ReplaceHistory(ctx, "u1", []*domain.CompletedRecord{
		testRecord("u1", "new-1", domain.Categories[0]),
	}); err != nil {
		t.Fatalf("Failed to replace: %v", err)
	}

	records, err := repo.ListRecords(ctx, "u1")
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(records) != 1 || records[0].FlowID != "new-1" {
		t.Errorf("Expected only the replacement record, got %+v", records)
	}

	// Another identity's history is untouched.
	others, err := repo.ListRecords(ctx, "u2")
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(others) != 1 {
		t.Errorf("Expected u2 history intact, got %d records", len(others))
	}

	// Replacing with nothing clears the history.
	if err := repo.ReplaceHistory(ctx, "u1", nil); err != nil {
		t.Fatalf("Failed to replace with empty: %v", err)
	}
	if records, _ := repo.ListRecords(ctx, "u1"); len(records) != 0 {
		t.Errorf("Expected an empty history, got %d records", len(records))
	}
}

func TestPurgeIdentity(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	key := "u1"

	if err := repo.UpsertIdentity(ctx, &domain.Identity{Key: key, Name: "n", Handle: "h"}); err != nil {
		t.Fatalf("Failed to upsert identity: %v", err)
	}
	if err := repo.SetLimits(ctx, key, nil, nil, nil, now.Format(domain.DayMarkerFormat)); err != nil {
		t.Fatalf("Failed to create grant: %v", err)
	}
	if err := repo.InsertToken(ctx, &domain.AccessToken{Code: "cafe0004", IdentityKey: key, Expiration: now.Add(time.Hour)}); err != nil {
		t.Fatalf("Failed to insert token: %v", err)
	}
	if err := repo.AppendRecords(ctx, []*domain.CompletedRecord{testRecord(key, "flow-1", domain.Categories[0])}); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	if err := repo.PurgeIdentity(ctx, key); err != nil {
		t.Fatalf("Failed to purge: %v", err)
	}

	if id, _ := repo.GetIdentity(ctx, key); id != nil {
		t.Error("Expected the identity gone")
	}
	if grant, _ := repo.GetGrant(ctx, key); grant != nil {
		t.Error("Expected the grant gone")
	}
	if token, _ := repo.GetToken(ctx, "cafe0004"); token != nil {
		t.Error("Expected the token gone")
	}
	if records, _ := repo.ListRecords(ctx, key); len(records) != 0 {
		t.Errorf("Expected the history gone, got %d records", len(records))
	}
}
