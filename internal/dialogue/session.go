// Package dialogue drives the multi-turn collection flow as a finite state
// machine, one session per identity.
package dialogue

import (
	"time"

	"github.com/orchardlabs/orchard/internal/domain"
	"github.com/orchardlabs/orchard/internal/draw"
)

// State tags the dialogue position of an open session.
type State int

const (
	// StateAskExternalID waits for a 10-digit external id or "skip".
	StateAskExternalID State = iota
	// StateConfirmExternalID waits for "ok"/"no" on the entered id.
	StateConfirmExternalID
	// StateAskStake waits for a positive stake amount.
	StateAskStake
	// StateAskOutcome waits for "won"/"lost" after the sequence was played.
	StateAskOutcome
	// StateAskCell waits for the played cell (1-5) of the current category.
	StateAskCell
	// StateAskSide waits for the played side (left/right).
	StateAskSide
	// StateAskGrade waits for the respondent's grade (good/bad).
	StateAskGrade
)

func (s State) String() string {
	switch s {
	case StateAskExternalID:
		return "ask_external_id"
	case StateConfirmExternalID:
		return "confirm_external_id"
	case StateAskStake:
		return "ask_stake"
	case StateAskOutcome:
		return "ask_outcome"
	case StateAskCell:
		return "ask_cell"
	case StateAskSide:
		return "ask_side"
	case StateAskGrade:
		return "ask_grade"
	}
	return "unknown"
}

// detail accumulates the respondent-supplied fields for one category.
type detail struct {
	Cell  int
	Side  domain.Side
	Grade domain.Grade
}

// Session is the transient per-identity state of one open flow. It lives in
// memory only: a crash loses the partial session, which is acceptable since
// nothing is committed before the final turn.
type Session struct {
	State        State
	FlowID       string
	PendingID    string
	Sequence     draw.Sequence
	Outcome      domain.Outcome
	Cursor       int // which category's sub-item is being collected
	Details      [2]detail
	StartedAt    time.Time

	// LastActivity is guarded by Sessions.mu after the session is stored;
	// the engine refreshes it through Sessions.Touch.
	LastActivity time.Time
}

// Memory is the identity's working memory surviving across flows: the
// external id and stake are asked once and reused until an explicit reset.
// ExternalID is nil until asked; a pointer to "" records an explicit skip.
type Memory struct {
	ExternalID *string
	Stake      string
}
