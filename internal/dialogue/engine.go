package dialogue

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orchardlabs/orchard/internal/access"
	"github.com/orchardlabs/orchard/internal/domain"
	"github.com/orchardlabs/orchard/internal/draw"
	"github.com/orchardlabs/orchard/internal/quota"
	"github.com/orchardlabs/orchard/internal/store"
)

// Reply is one outbound message produced by a dialogue turn.
type Reply struct {
	Type     string         `json:"type"` // prompt, sequence, seed, info, saved
	Text     string         `json:"text"`
	Sequence *draw.Sequence `json:"sequence,omitempty"`
}

func prompt(format string, args ...any) Reply {
	return Reply{Type: "prompt", Text: fmt.Sprintf(format, args...)}
}

func info(format string, args ...any) Reply {
	return Reply{Type: "info", Text: fmt.Sprintf(format, args...)}
}

// Engine walks identities through the collection flow. Turns for the same
// identity are serialized; different identities progress independently.
type Engine struct {
	registry *access.Registry
	tracker  *quota.Tracker
	repo     store.Repository
	sessions *Sessions

	mu    sync.Mutex
	locks map[string]*turnLock
}

// turnLock is reference-counted so idle entries can be reclaimed from the
// map once the last waiting turn has released it.
type turnLock struct {
	mu   sync.Mutex
	refs int
}

// NewEngine creates a dialogue engine.
func NewEngine(registry *access.Registry, tracker *quota.Tracker, repo store.Repository, sessions *Sessions) *Engine {
	return &Engine{
		registry: registry,
		tracker:  tracker,
		repo:     repo,
		sessions: sessions,
		locks:    make(map[string]*turnLock),
	}
}

// lock serializes turns per identity.
func (e *Engine) lock(identityKey string) func() {
	e.mu.Lock()
	l, ok := e.locks[identityKey]
	if !ok {
		l = &turnLock{}
		e.locks[identityKey] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, identityKey)
		}
		e.mu.Unlock()
	}
}

// Start enters a new flow. The access gate and the quota reservation run
// exactly once, here; subsequent turns of the open session spend nothing.
// An already-open session is replaced outright.
func (e *Engine) Start(ctx context.Context, id *domain.Identity) ([]Reply, error) {
	defer e.lock(id.Key)()

	admitted, err := e.registry.Check(ctx, id)
	if err != nil {
		return nil, err
	}
	if !admitted {
		return nil, domain.ErrAccessDenied
	}
	if err := e.tracker.CheckAndReserve(ctx, id); err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &Session{
		FlowID:       uuid.NewString(),
		StartedAt:    now,
		LastActivity: now,
	}

	// The session is fully initialized before it becomes visible to the
	// idle sweep via Put.
	memory := e.sessions.Memory(id.Key)
	var replies []Reply
	switch {
	case memory.ExternalID == nil:
		sess.State = StateAskExternalID
		replies = []Reply{promptExternalID()}
	case memory.Stake == "":
		sess.State = StateAskStake
		replies = []Reply{promptStake()}
	default:
		replies = e.generate(id.Key, sess, memory)
	}
	e.sessions.Put(id.Key, sess)
	return replies, nil
}

// Input applies one turn of respondent input to the open session. Input that
// fails the current state's validator re-prompts without touching partial
// data or the cursor. "cancel" is accepted from every state.
func (e *Engine) Input(ctx context.Context, id *domain.Identity, input string) ([]Reply, error) {
	defer e.lock(id.Key)()

	input = strings.ToLower(strings.TrimSpace(input))
	if input == "cancel" {
		return e.cancel(id.Key), nil
	}

	sess := e.sessions.Get(id.Key)
	if sess == nil {
		return []Reply{info("No flow in progress. Send start to begin.")}, nil
	}
	e.sessions.Touch(id.Key)

	switch sess.State {
	case StateAskExternalID:
		return e.handleExternalID(id.Key, sess, input), nil
	case StateConfirmExternalID:
		return e.handleConfirmExternalID(id.Key, sess, input), nil
	case StateAskStake:
		return e.handleStake(id.Key, sess, input), nil
	case StateAskOutcome:
		return e.handleOutcome(sess, input), nil
	case StateAskCell:
		return e.handleCell(sess, input), nil
	case StateAskSide:
		return e.handleSide(sess, input), nil
	case StateAskGrade:
		return e.handleGrade(ctx, id.Key, sess, input)
	}
	return nil, fmt.Errorf("dialogue: unhandled state %s", sess.State)
}

// Cancel discards the open session unconditionally. Nothing is committed.
func (e *Engine) Cancel(id *domain.Identity) []Reply {
	defer e.lock(id.Key)()
	return e.cancel(id.Key)
}

func (e *Engine) cancel(identityKey string) []Reply {
	if e.sessions.Get(identityKey) == nil {
		return []Reply{info("Nothing to cancel.")}
	}
	e.sessions.Destroy(identityKey)
	return []Reply{info("Flow cancelled. Nothing was recorded.")}
}

// ResetMemory clears the cached external id and stake, so the next flow asks
// for them again. Any open session is discarded with them.
func (e *Engine) ResetMemory(id *domain.Identity) []Reply {
	defer e.lock(id.Key)()

	e.sessions.Destroy(id.Key)
	e.sessions.ResetMemory(id.Key)
	return []Reply{info("Your cached choices were reset. Start a new flow whenever you like.")}
}

func (e *Engine) handleExternalID(identityKey string, sess *Session, input string) []Reply {
	if input == "skip" {
		skipped := ""
		e.sessions.Memory(identityKey).ExternalID = &skipped
		return e.afterExternalID(identityKey, sess)
	}
	if !isExternalID(input) {
		return []Reply{prompt("The account id must be exactly 10 digits. Try again, or send skip.")}
	}
	sess.PendingID = input
	sess.State = StateConfirmExternalID
	return []Reply{prompt("Id entered: %s. Send ok to confirm or no to re-enter.", input)}
}

func (e *Engine) handleConfirmExternalID(identityKey string, sess *Session, input string) []Reply {
	switch input {
	case "ok":
		confirmed := sess.PendingID
		sess.PendingID = ""
		e.sessions.Memory(identityKey).ExternalID = &confirmed
		return e.afterExternalID(identityKey, sess)
	case "no":
		sess.PendingID = ""
		sess.State = StateAskExternalID
		return []Reply{promptExternalID()}
	default:
		return []Reply{prompt("Send ok to confirm %s or no to re-enter.", sess.PendingID)}
	}
}

func (e *Engine) afterExternalID(identityKey string, sess *Session) []Reply {
	memory := e.sessions.Memory(identityKey)
	if memory.Stake == "" {
		sess.State = StateAskStake
		return []Reply{promptStake()}
	}
	return e.generate(identityKey, sess, memory)
}

func (e *Engine) handleStake(identityKey string, sess *Session, input string) []Reply {
	amount, err := strconv.ParseFloat(input, 64)
	if err != nil || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return []Reply{prompt("Invalid amount. Enter a number such as 100 or 50.5.")}
	}
	if amount <= 0 {
		return []Reply{prompt("The stake must be positive.")}
	}

	memory := e.sessions.Memory(identityKey)
	memory.Stake = input
	return e.generate(identityKey, sess, memory)
}

// generate draws the sequence for this flow, stores it in the session for
// later audit and moves the machine to AskOutcome.
func (e *Engine) generate(identityKey string, sess *Session, memory *Memory) []Reply {
	externalID := ""
	if memory.ExternalID != nil {
		externalID = *memory.ExternalID
	}

	sess.Sequence = draw.Draw(externalID, memory.Stake, time.Now())
	sess.State = StateAskOutcome

	slog.Info("sequence generated",
		"identity_key", identityKey,
		"flow_id", sess.FlowID,
		"seeded", sess.Sequence.Seed != "")

	replies := make([]Reply, 0, 4)
	if sess.Sequence.Seed != "" {
		replies = append(replies, Reply{Type: "seed", Text: "Seed used: " + sess.Sequence.Seed})
	}
	replies = append(replies, Reply{
		Type:     "sequence",
		Text:     describeSequence(sess.Sequence),
		Sequence: &sess.Sequence,
	})
	replies = append(replies, prompt("After playing, tell me whether you won or lost the sequence."))
	return replies
}

func (e *Engine) handleOutcome(sess *Session, input string) []Reply {
	switch input {
	case "won":
		sess.Outcome = domain.OutcomeWon
	case "lost":
		sess.Outcome = domain.OutcomeLost
	default:
		return []Reply{prompt("Please answer won or lost.")}
	}
	sess.Cursor = 0
	sess.State = StateAskCell
	return []Reply{promptCell(sess)}
}

func (e *Engine) handleCell(sess *Session, input string) []Reply {
	cell, err := strconv.Atoi(input)
	if err != nil || cell < 1 || cell > 5 {
		return []Reply{prompt("Please enter a valid cell: 1, 2, 3, 4 or 5.")}
	}
	sess.Details[sess.Cursor].Cell = cell
	sess.State = StateAskSide
	return []Reply{prompt("Did you play left or right of cell %d for tier %s?",
		cell, domain.Categories[sess.Cursor])}
}

func (e *Engine) handleSide(sess *Session, input string) []Reply {
	switch input {
	case "left":
		sess.Details[sess.Cursor].Side = domain.SideLeft
	case "right":
		sess.Details[sess.Cursor].Side = domain.SideRight
	default:
		return []Reply{prompt("Please answer left or right.")}
	}
	sess.State = StateAskGrade
	return []Reply{prompt("Was cell %d (%s) for tier %s good or bad?",
		sess.Details[sess.Cursor].Cell, sess.Details[sess.Cursor].Side, domain.Categories[sess.Cursor])}
}

func (e *Engine) handleGrade(ctx context.Context, identityKey string, sess *Session, input string) ([]Reply, error) {
	switch input {
	case "good":
		sess.Details[sess.Cursor].Grade = domain.GradeGood
	case "bad":
		sess.Details[sess.Cursor].Grade = domain.GradeBad
	default:
		return []Reply{prompt("Please answer good or bad.")}, nil
	}

	if sess.Cursor+1 < len(domain.Categories) {
		sess.Cursor++
		sess.State = StateAskCell
		return []Reply{promptCell(sess)}, nil
	}

	return e.commit(ctx, identityKey, sess)
}

// commit appends both sub-entries in one transaction, then starts the next
// flow in place: a fresh draw with the cached external id and stake, waiting
// in AskOutcome. Quota is only spent on explicit flow entry.
func (e *Engine) commit(ctx context.Context, identityKey string, sess *Session) ([]Reply, error) {
	now := time.Now()
	records := make([]*domain.CompletedRecord, 0, len(domain.Categories))
	memory := e.sessions.Memory(identityKey)

	for i := range domain.Categories {
		records = append(records, &domain.CompletedRecord{
			FlowID:      sess.FlowID,
			IdentityKey: identityKey,
			Category:    sess.Sequence.Predictions[i].Category,
			DrawnCell:   sess.Sequence.Predictions[i].Cell,
			DrawnSide:   sess.Sequence.Predictions[i].Side,
			PlayedCell:  sess.Details[i].Cell,
			PlayedSide:  sess.Details[i].Side,
			Grade:       sess.Details[i].Grade,
			Outcome:     sess.Outcome,
			Stake:       memory.Stake,
			Seed:        sess.Sequence.Seed,
			RecordedAt:  now,
		})
	}

	if err := e.repo.AppendRecords(ctx, records); err != nil {
		// The append rolled back in full; rewind the last grade so the
		// turn reads as never having happened.
		sess.Details[sess.Cursor].Grade = ""
		slog.Error("failed to record completed flow", "identity_key", identityKey, "flow_id", sess.FlowID, "error", err)
		return nil, fmt.Errorf("record completed flow: %w", err)
	}

	slog.Info("flow recorded", "identity_key", identityKey, "flow_id", sess.FlowID, "outcome", sess.Outcome)

	// Next flow, same cached choices. Drawn before Put so the idle sweep
	// never observes a half-built session.
	next := &Session{
		FlowID:       uuid.NewString(),
		StartedAt:    now,
		LastActivity: now,
	}
	replies := []Reply{{Type: "saved", Text: "Sequence recorded."}}
	replies = append(replies, e.generate(identityKey, next, memory)...)
	e.sessions.Put(identityKey, next)
	return replies, nil
}

func promptExternalID() Reply {
	return prompt("For a personalized simulation, enter your 10-digit account id, or send skip for a fully random draw.")
}

func promptStake() Reply {
	return prompt("Enter your stake amount (e.g. 100 or 50.5):")
}

func promptCell(sess *Session) Reply {
	return prompt("For tier %s, which cell were you on? (1-5)", domain.Categories[sess.Cursor])
}

func describeSequence(seq draw.Sequence) string {
	var b strings.Builder
	for i, p := range seq.Predictions {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Tier %s: pick cell %d, counting from the %s.", p.Category, p.Cell, p.Side)
	}
	return b.String()
}

func isExternalID(s string) bool {
	if len(s) != 10 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
