package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/varkey/ferryman/internal/media"
)

// State is the pipeline position of a record. Transitions are only
// legal along the edges below; everything else is rejected by the
// store, which is what makes concurrent rediscovery of an in-flight
// file a harmless no-op.
type State string

const (
	StateDiscovered       State = "DISCOVERED"
	StateClassified       State = "CLASSIFIED"
	StateRemuxing         State = "REMUXING"
	StateTransferring     State = "TRANSFERRING"
	StateVerified         State = "VERIFIED"
	StateCleanedUp        State = "CLEANED_UP"
	StateCleanedUpPartial State = "CLEANED_UP_PARTIAL"
	StateFailed           State = "FAILED"
	StateSkipped          State = "SKIPPED"
)

var transitions = map[State][]State{
	StateDiscovered:   {StateClassified, StateSkipped, StateFailed},
	StateClassified:   {StateRemuxing, StateTransferring, StateSkipped, StateFailed},
	StateRemuxing:     {StateTransferring, StateFailed},
	StateTransferring: {StateVerified, StateFailed},
	StateVerified:     {StateCleanedUp, StateCleanedUpPartial, StateFailed},
}

// CanTransitionTo reports whether next is a legal edge from this state.
func (state State) CanTransitionTo(next State) bool {
	for _, allowed := range transitions[state] {
		if allowed == next {
			return true
		}
	}

	return false
}

// IsTerminal reports whether the record has finished its lifecycle.
// Terminal records are retained for history and only removed by the
// retention policy.
func (state State) IsTerminal() bool {
	switch state {
	case StateCleanedUp, StateCleanedUpPartial, StateFailed, StateSkipped:
		return true
	default:
		return false
	}
}

// TerminalStates returns every terminal state, in a stable order.
func TerminalStates() []State {
	return []State{StateCleanedUp, StateCleanedUpPartial, StateFailed, StateSkipped}
}

// recordsLastError reports whether arriving in this state should also
// update the record's last_error column.
func (state State) recordsLastError() bool {
	switch state {
	case StateFailed, StateSkipped, StateCleanedUpPartial:
		return true
	default:
		return false
	}
}

type (
	// Record is one file's journey through the pipeline. Nullable
	// columns are pointers; season and episode are only set for
	// episodic media.
	Record struct {
		ID               uuid.UUID      `db:"id"`
		SourcePath       string         `db:"source_path"`
		ContentHash      *string        `db:"content_hash"`
		State            State          `db:"state"`
		Kind             media.Kind     `db:"kind"`
		Language         media.Language `db:"language"`
		Title            string         `db:"title"`
		Season           *int           `db:"season"`
		Episode          *int           `db:"episode"`
		Resolution       *string        `db:"resolution"`
		DestinationPath  *string        `db:"destination_path"`
		RemuxPath        *string        `db:"remux_path"`
		AttemptCount     int            `db:"attempt_count"`
		BytesTransferred int64          `db:"bytes_transferred"`
		Checksum         *string        `db:"checksum"`
		LastError        *string        `db:"last_error"`
		CreatedAt        time.Time      `db:"created_at"`
		UpdatedAt        time.Time      `db:"updated_at"`
	}

	// Event is one append-only history row. FromState is nil for the
	// creation event. The json tags match the column names so rows can
	// round-trip through a JSONB aggregate.
	Event struct {
		ID        int64     `db:"id" json:"id"`
		RecordID  uuid.UUID `db:"record_id" json:"record_id"`
		FromState *State    `db:"from_state" json:"from_state"`
		ToState   State     `db:"to_state" json:"to_state"`
		Detail    *string   `db:"detail" json:"detail"`
		CreatedAt time.Time `db:"created_at" json:"created_at"`
	}

	// Stats is the aggregate view consumed by dashboards.
	Stats struct {
		Counts           map[State]int
		BytesTransferred int64
	}
)
