package domain

import "time"

// Outcome labels a completed flow as won or lost overall.
type Outcome string

const (
	OutcomeWon  Outcome = "won"
	OutcomeLost Outcome = "lost"
)

// Side is a counting direction or a played side.
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

// Grade is the respondent's own rating of one sub-entry.
type Grade string

const (
	GradeGood Grade = "good"
	GradeBad  Grade = "bad"
)

// Categories are the two fixed wager tiers collected per flow, in order.
var Categories = [2]string{"1.23", "1.54"}

// CompletedRecord is one sub-entry of a completed flow. Exactly two records
// share a FlowID, along with the flow's outcome, stake, seed and timestamp.
// Records are immutable once appended; the only mutation the history store
// supports is bulk delete by identity.
type CompletedRecord struct {
	ID          int64     `json:"id"`
	FlowID      string    `json:"flow_id"`
	IdentityKey string    `json:"identity_key"`
	Category    string    `json:"category"`
	DrawnCell   int       `json:"drawn_cell"`
	DrawnSide   Side      `json:"drawn_side"`
	PlayedCell  int       `json:"played_cell"`
	PlayedSide  Side      `json:"played_side"`
	Grade       Grade     `json:"grade"`
	Outcome     Outcome   `json:"outcome"`
	Stake       string    `json:"stake"`
	Seed        string    `json:"seed,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}
