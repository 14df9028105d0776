// Package draw produces the pseudo-random outcome sequence for one flow.
package draw

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	mathrand "math/rand/v2"
	"strings"
	"time"

	"github.com/orchardlabs/orchard/internal/domain"
)

// Prediction is one drawn sub-item: a cell and the side to count it from.
type Prediction struct {
	Category string      `json:"category"`
	Cell     int         `json:"cell"`
	Side     domain.Side `json:"side"`
}

// Sequence is the full outcome of one draw call: one prediction per fixed
// category, in category order. Seed is the composite seed descriptor, empty
// when the sequence came from the non-reproducible source.
type Sequence struct {
	Predictions [2]Prediction `json:"predictions"`
	Seed        string        `json:"seed,omitempty"`
}

// timestampFormat renders the draw instant to microsecond precision,
// e.g. 20240131_154502_123456.
const timestampFormat = "20060102_150405"

// CompositeSeed joins the non-absent components in fixed order with a fixed
// separator. It is returned alongside the sequence so a draw can be logged,
// audited and replayed.
func CompositeSeed(externalID, stake string, now time.Time) string {
	parts := make([]string, 0, 3)
	if externalID != "" {
		parts = append(parts, externalID)
	}
	parts = append(parts, fmt.Sprintf("%s_%06d", now.Format(timestampFormat), now.Nanosecond()/1000))
	if stake != "" {
		parts = append(parts, stake)
	}
	return strings.Join(parts, "_")
}

// Draw produces the two-category sequence. With neither external id nor
// stake, the draws come from a cryptographically strong source and the
// sequence cannot be replayed. Otherwise the stream is fully determined by
// the composite seed string.
//
// Exactly 4 choices are consumed, in fixed order: category 0 cell, category
// 0 side, category 1 cell, category 1 side. That order is a contract point:
// replaying a seed must reproduce the sequence choice for choice.
func Draw(externalID, stake string, now time.Time) Sequence {
	var seq Sequence
	var rng *mathrand.Rand

	if externalID == "" && stake == "" {
		var key [32]byte
		if _, err := rand.Read(key[:]); err != nil {
			// crypto/rand.Read does not fail on supported platforms.
			panic(fmt.Sprintf("draw: read random seed: %v", err))
		}
		rng = mathrand.New(mathrand.NewChaCha8(key))
	} else {
		seq.Seed = CompositeSeed(externalID, stake, now)
		rng = mathrand.New(mathrand.NewChaCha8(sha256.Sum256([]byte(seq.Seed))))
	}

	for i, category := range domain.Categories {
		seq.Predictions[i] = Prediction{
			Category: category,
			Cell:     rng.IntN(5) + 1,
			Side:     drawSide(rng),
		}
	}
	return seq
}

// Replay reproduces the sequence for a previously logged composite seed.
func Replay(seed string) Sequence {
	seq := Sequence{Seed: seed}
	rng := mathrand.New(mathrand.NewChaCha8(sha256.Sum256([]byte(seed))))
	for i, category := range domain.Categories {
		seq.Predictions[i] = Prediction{
			Category: category,
			Cell:     rng.IntN(5) + 1,
			Side:     drawSide(rng),
		}
	}
	return seq
}

func drawSide(rng *mathrand.Rand) domain.Side {
	if rng.IntN(2) == 0 {
		return domain.SideLeft
	}
	return domain.SideRight
}
