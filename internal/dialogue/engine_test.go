package dialogue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/orchardlabs/orchard/internal/access"
	"github.com/orchardlabs/orchard/internal/domain"
	"github.com/orchardlabs/orchard/internal/quota"
	"github.com/orchardlabs/orchard/internal/store"
)

func newTestEngine(t *testing.T, dailyLimit int) (*Engine, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Failed to close test store: %v", err)
		}
	})

	registry := access.NewRegistry(repo, nil)
	tracker := quota.NewTracker(repo, nil, quota.Limits{Daily: dailyLimit})
	return NewEngine(registry, tracker, repo, NewSessions()), repo
}

func respondent(key string) *domain.Identity {
	return &domain.Identity{Key: key, Role: domain.RoleDefault}
}

// admit gives the identity an active grant.
func admit(t *testing.T, repo store.Repository, key string) {
	t.Helper()
	ctx := context.Background()
	if err := repo.SetLimits(ctx, key, nil, nil, nil, time.Now().Format(domain.DayMarkerFormat)); err != nil {
		t.Fatalf("Failed to create grant: %v", err)
	}
	if err := repo.SetExpiration(ctx, key, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Failed to set expiration: %v", err)
	}
}

// say sends one input turn and fails the test on error.
func say(t *testing.T, engine *Engine, id *domain.Identity, input string) []Reply {
	t.Helper()
	replies, err := engine.Input(context.Background(), id, input)
	if err != nil {
		t.Fatalf("Input %q failed: %v", input, err)
	}
	if len(replies) == 0 {
		t.Fatalf("Input %q produced no replies", input)
	}
	return replies
}

func TestStartWithoutGrant(t *testing.T) {
	engine, _ := newTestEngine(t, 10)

	_, err := engine.Start(context.Background(), respondent("user-1"))
	if !errors.Is(err, domain.ErrAccessDenied) {
		t.Errorf("Expected ErrAccessDenied, got %v", err)
	}
}

func TestStartElevatedNeedsNoGrant(t *testing.T) {
	engine, _ := newTestEngine(t, 10)
	admin := &domain.Identity{Key: "admin", Role: domain.RoleElevated}

	replies, err := engine.Start(context.Background(), admin)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if replies[0].Type != "prompt" {
		t.Errorf("Expected the opening prompt, got %+v", replies[0])
	}
}

func TestStartSpendsQuota(t *testing.T) {
	engine, repo := newTestEngine(t, 1)
	user := respondent("user-1")
	admit(t, repo, user.Key)

	if _, err := engine.Start(context.Background(), user); err != nil {
		t.Fatalf("First start failed: %v", err)
	}
	if _, err := engine.Start(context.Background(), user); !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Errorf("Expected ErrQuotaExceeded on the second start, got %v", err)
	}
}

func TestFullFlow(t *testing.T) {
	engine, repo := newTestEngine(t, 10)
	ctx := context.Background()
	user := respondent("user-1")
	admit(t, repo, user.Key)

	if _, err := engine.Start(ctx, user); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	say(t, engine, user, "skip")
	replies := say(t, engine, user, "100")

	// Skipped id plus a stake still seeds the draw.
	if replies[0].Type != "seed" {
		t.Fatalf("Expected a seed reply, got %+v", replies[0])
	}
	var drawn *Reply
	for i := range replies {
		if replies[i].Type == "sequence" {
			drawn = &replies[i]
		}
	}
	if drawn == nil || drawn.Sequence == nil {
		t.Fatal("Expected a sequence reply")
	}

	say(t, engine, user, "won")
	say(t, engine, user, "3")
	say(t, engine, user, "left")
	say(t, engine, user, "good")
	say(t, engine, user, "2")
	say(t, engine, user, "right")
	replies = say(t, engine, user, "bad")

	if replies[0].Type != "saved" {
		t.Fatalf("Expected the flow to commit, got %+v", replies[0])
	}

	records, err := repo.ListRecords(ctx, user.Key)
	if err != nil {
		t.Fatalf("Failed to list records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected exactly 2 records, got %d", len(records))
	}

	first, second := records[0], records[1]
	if first.FlowID != second.FlowID {
		t.Error("Expected both records to share the flow id")
	}
	if first.Outcome != domain.OutcomeWon || second.Outcome != domain.OutcomeWon {
		t.Error("Expected the outcome shared by both records")
	}
	if first.Stake != "100" || second.Stake != "100" {
		t.Errorf("Expected stake 100 on both, got %q and %q", first.Stake, second.Stake)
	}
	if first.Seed == "" || first.Seed != second.Seed {
		t.Errorf("Expected a shared seed, got %q and %q", first.Seed, second.Seed)
	}
	if first.Category != domain.Categories[0] || second.Category != domain.Categories[1] {
		t.Errorf("Expected records in category order, got %s then %s", first.Category, second.Category)
	}
	if first.PlayedCell != 3 || first.PlayedSide != domain.SideLeft || first.Grade != domain.GradeGood {
		t.Errorf("Unexpected first record details: %+v", first)
	}
	if second.PlayedCell != 2 || second.PlayedSide != domain.SideRight || second.Grade != domain.GradeBad {
		t.Errorf("Unexpected second record details: %+v", second)
	}
}

func TestCommitChainsNextFlowWithoutQuota(t *testing.T) {
	engine, repo := newTestEngine(t, 10)
	ctx := context.Background()
	user := respondent("user-1")
	admit(t, repo, user.Key)

	if _, err := engine.Start(ctx, user); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	say(t, engine, user, "skip")
	say(t, engine, user, "100")
	firstFlow := engine.sessions.Get(user.Key).FlowID

	for _, input := range []string{"won", "1", "left", "good", "2", "right", "good"} {
		say(t, engine, user, input)
	}

	// The committed flow chains straight into the next one: fresh draw,
	// fresh flow id, waiting for the outcome.
	sess := engine.sessions.Get(user.Key)
	if sess == nil {
		t.Fatal("Expected an open follow-up session")
	}
	if sess.FlowID == firstFlow {
		t.Error("Expected a fresh flow id after commit")
	}
	if sess.State != StateAskOutcome {
		t.Errorf("Expected the follow-up to wait for the outcome, got %s", sess.State)
	}

	// Only the explicit start spent quota.
	grant, err := repo.GetGrant(ctx, user.Key)
	if err != nil {
		t.Fatalf("Failed to load grant: %v", err)
	}
	if grant.UsedToday != 1 {
		t.Errorf("Expected 1 quota unit spent, got %d", grant.UsedToday)
	}
}

func TestCancelDiscardsEverything(t *testing.T) {
	engine, repo := newTestEngine(t, 10)
	ctx := context.Background()
	user := respondent("user-1")
	admit(t, repo, user.Key)

	if _, err := engine.Start(ctx, user); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	say(t, engine, user, "skip")
	say(t, engine, user, "100")
	say(t, engine, user, "won")
	say(t, engine, user, "3")

	replies := say(t, engine, user, "cancel")
	if replies[0].Type != "info" {
		t.Errorf("Expected a cancellation notice, got %+v", replies[0])
	}
	if engine.sessions.Get(user.Key) != nil {
		t.Error("Expected the session destroyed")
	}

	records, err := repo.ListRecords(ctx, user.Key)
	if err != nil {
		t.Fatalf("Failed to list records: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Expected nothing committed, got %d records", len(records))
	}

	// The working memory survives cancellation: a new start goes straight
	// to the draw.
	replies, err = engine.Start(ctx, user)
	if err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if engine.sessions.Get(user.Key).State != StateAskOutcome {
		t.Errorf("Expected the cached id and stake to be reused, got %+v", replies)
	}
}

func TestInvalidInputRepromptsWithoutAdvancing(t *testing.T) {
	engine, repo := newTestEngine(t, 10)
	ctx := context.Background()
	user := respondent("user-1")
	admit(t, repo, user.Key)

	if _, err := engine.Start(ctx, user); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	say(t, engine, user, "skip")
	say(t, engine, user, "100")
	say(t, engine, user, "won")

	sess := engine.sessions.Get(user.Key)
	for _, input := range []string{"0", "6", "abc", ""} {
		say(t, engine, user, input)
		if sess.State != StateAskCell {
			t.Fatalf("Input %q: expected to stay in ask_cell, got %s", input, sess.State)
		}
		if sess.Cursor != 0 || sess.Details[0].Cell != 0 {
			t.Fatalf("Input %q: expected no partial data recorded", input)
		}
	}

	say(t, engine, user, "3")
	if sess.State != StateAskSide {
		t.Errorf("Expected valid input to advance, got %s", sess.State)
	}
}

func TestExternalIDConfirmLoop(t *testing.T) {
	engine, repo := newTestEngine(t, 10)
	ctx := context.Background()
	user := respondent("user-1")
	admit(t, repo, user.Key)

	if _, err := engine.Start(ctx, user); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sess := engine.sessions.Get(user.Key)

	// Not 10 digits: rejected without a state change.
	say(t, engine, user, "12345")
	say(t, engine, user, "12345678901")
	say(t, engine, user, "12345abcde")
	if sess.State != StateAskExternalID {
		t.Fatalf("Expected to stay in ask_external_id, got %s", sess.State)
	}

	say(t, engine, user, "1234567890")
	if sess.State != StateConfirmExternalID {
		t.Fatalf("Expected confirmation, got %s", sess.State)
	}

	// Declining re-enters entry; nothing is cached yet.
	say(t, engine, user, "no")
	if sess.State != StateAskExternalID {
		t.Fatalf("Expected re-entry, got %s", sess.State)
	}
	if engine.sessions.Memory(user.Key).ExternalID != nil {
		t.Fatal("Expected no cached id before confirmation")
	}

	say(t, engine, user, "0987654321")
	say(t, engine, user, "ok")
	cached := engine.sessions.Memory(user.Key).ExternalID
	if cached == nil || *cached != "0987654321" {
		t.Fatalf("Expected the confirmed id cached, got %v", cached)
	}
	if sess.State != StateAskStake {
		t.Errorf("Expected the stake question next, got %s", sess.State)
	}
}

func TestResetMemory(t *testing.T) {
	engine, repo := newTestEngine(t, 10)
	ctx := context.Background()
	user := respondent("user-1")
	admit(t, repo, user.Key)

	if _, err := engine.Start(ctx, user); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	say(t, engine, user, "skip")
	say(t, engine, user, "100")

	engine.ResetMemory(user)
	if engine.sessions.Get(user.Key) != nil {
		t.Error("Expected the open session destroyed with the memory")
	}

	// The next flow starts from scratch.
	if _, err := engine.Start(ctx, user); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if got := engine.sessions.Get(user.Key).State; got != StateAskExternalID {
		t.Errorf("Expected the id question again, got %s", got)
	}
}

func TestRestartReplacesSession(t *testing.T) {
	engine, repo := newTestEngine(t, 10)
	ctx := context.Background()
	user := respondent("user-1")
	admit(t, repo, user.Key)

	if _, err := engine.Start(ctx, user); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	first := engine.sessions.Get(user.Key).FlowID

	if _, err := engine.Start(ctx, user); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if engine.sessions.Get(user.Key).FlowID == first {
		t.Error("Expected the restart to install a new session")
	}
}

func TestStakeRejectsNonFiniteInput(t *testing.T) {
	engine, repo := newTestEngine(t, 10)
	ctx := context.Background()
	user := respondent("user-1")
	admit(t, repo, user.Key)

	if _, err := engine.Start(ctx, user); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	say(t, engine, user, "skip")

	sess := engine.sessions.Get(user.Key)
	for _, input := range []string{"nan", "inf", "+inf", "-inf", "infinity"} {
		say(t, engine, user, input)
		if sess.State != StateAskStake {
			t.Fatalf("Input %q: expected to stay in ask_stake, got %s", input, sess.State)
		}
		if got := engine.sessions.Memory(user.Key).Stake; got != "" {
			t.Fatalf("Input %q: expected no stake cached, got %q", input, got)
		}
	}

	say(t, engine, user, "100")
	if engine.sessions.Get(user.Key).State != StateAskOutcome {
		t.Error("Expected a finite stake to advance the flow")
	}
}

func TestTurnLocksReclaimed(t *testing.T) {
	engine, repo := newTestEngine(t, 10)
	ctx := context.Background()

	for _, key := range []string{"user-1", "user-2", "user-3"} {
		user := respondent(key)
		admit(t, repo, key)
		if _, err := engine.Start(ctx, user); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		say(t, engine, user, "skip")
		say(t, engine, user, "cancel")
	}

	engine.mu.Lock()
	remaining := len(engine.locks)
	engine.mu.Unlock()
	if remaining != 0 {
		t.Errorf("Expected all turn locks reclaimed, %d remain", remaining)
	}
}

func TestIdleSweepConcurrentWithTurns(t *testing.T) {
	engine, repo := newTestEngine(t, 10)
	ctx := context.Background()
	user := respondent("user-1")
	admit(t, repo, user.Key)

	if _, err := engine.Start(ctx, user); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if _, err := engine.Input(ctx, user, "skip"); err != nil {
				t.Errorf("Input failed: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			engine.sessions.DestroyIdle(time.Hour)
		}
	}()
	wg.Wait()

	// Nothing was idle for an hour, so the session survives throughout.
	if engine.sessions.Get(user.Key) == nil {
		t.Error("Expected the active session to survive the sweeps")
	}
}

func TestInputWithoutSession(t *testing.T) {
	engine, _ := newTestEngine(t, 10)
	user := respondent("user-1")

	replies, err := engine.Input(context.Background(), user, "hello")
	if err != nil {
		t.Fatalf("Input failed: %v", err)
	}
	if replies[0].Type != "info" {
		t.Errorf("Expected a gentle nudge, got %+v", replies[0])
	}
}
