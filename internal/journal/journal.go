// Package journal records completed translation turns for later review.
//
// A [Recorder] receives one [Turn] per transcript the translator handled,
// whether the turn finished or was abandoned. The pipeline treats recording
// as best effort: a failing recorder is logged and never stops a direction.
//
// [PostgresStore] persists turns to PostgreSQL via pgx; wrap it in [Async] so
// that database latency never blocks translation.
package journal

import (
	"context"
	"time"
)

// Outcome describes how a translation turn ended.
type Outcome string

// Turn outcomes.
const (
	// OutcomeCompleted means every chunk of the turn was handed to synthesis.
	OutcomeCompleted Outcome = "completed"

	// OutcomeAbandoned means the turn was cut short by a translation or
	// synthesis failure.
	OutcomeAbandoned Outcome = "abandoned"

	// OutcomeCancelled means the direction shut down mid-turn.
	OutcomeCancelled Outcome = "cancelled"
)

// Turn is the record of one translated utterance.
type Turn struct {
	// Direction is the name of the bridge direction.
	Direction string

	// ContextID is the synthesis context the turn was spoken under.
	ContextID string

	// Source is the transcript that was translated.
	Source string

	// Translation is the concatenated text of every chunk sent to synthesis.
	Translation string

	// Chunks is the number of chunks sent to synthesis.
	Chunks int

	// StartedAt is when the translator picked up the transcript.
	StartedAt time.Time

	// FirstChunk is the delay from StartedAt to the first chunk. Zero when no
	// chunk was produced.
	FirstChunk time.Duration

	// Duration is the total turn time.
	Duration time.Duration

	// Outcome tells how the turn ended.
	Outcome Outcome

	// Error is the failure that ended an abandoned turn.
	Error string
}

// Recorder stores turns. Implementations must be safe for concurrent use.
type Recorder interface {
	RecordTurn(ctx context.Context, turn Turn) error
}
