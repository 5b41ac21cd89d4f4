package pipeline

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/varkey/ferryman/internal/media"
	"github.com/varkey/ferryman/internal/remux"
)

type (
	ItemState int

	// Item is the in-memory representation of one file moving through
	// the pipeline. The durable truth lives in the ledger record the
	// item is attached to; the item carries the queue state, the cached
	// classification, and any trouble awaiting operator resolution.
	Item struct {
		ID      uuid.UUID
		Path    string
		State   ItemState
		Trouble *Trouble

		// RecordID is set once the item has been attached to a ledger
		// record; nil while the item is merely queued.
		RecordID *uuid.UUID

		file *media.MediaFile
		plan *remux.Plan

		languageOverride *media.Language
		forceOriginal    bool
	}
)

const (
	Idle ItemState = iota
	ImportHold
	Processing
	Troubled
	Complete
)

func (item *Item) modtimeDiff() (*time.Duration, error) {
	itemInfo, err := os.Stat(item.Path)
	if err != nil {
		return nil, err
	}

	diff := time.Since(itemInfo.ModTime())
	return &diff, nil
}

func (item *Item) String() string {
	return fmt.Sprintf("PipelineItem{ID=%s state=%s}", item.ID, item.State)
}

func (s ItemState) String() string {
	switch s {
	case Idle:
		return fmt.Sprintf("IDLE[%d]", int(s))
	case ImportHold:
		return fmt.Sprintf("IMPORT_HOLD[%d]", int(s))
	case Processing:
		return fmt.Sprintf("PROCESSING[%d]", int(s))
	case Troubled:
		return fmt.Sprintf("TROUBLED[%d]", int(s))
	case Complete:
		return fmt.Sprintf("COMPLETE[%d]", int(s))
	default:
		return fmt.Sprintf("UNKNOWN[%d]", int(s))
	}
}
