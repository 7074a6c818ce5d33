package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/creator-crawler/internal/crawler"
)

// Stage marks where in a crawl an Event was produced.
type Stage string

const (
	// StageSessionStart is emitted once a crawl session row exists.
	StageSessionStart Stage = "SESSION_START"
	// StageSessionEnd is emitted after a session is closed.
	StageSessionEnd Stage = "SESSION_END"
	// StagePagePersisted is emitted after a listing page's identifiers are stored.
	StagePagePersisted Stage = "PAGE_PERSISTED"
	// StageListDone is emitted when the list crawler reaches Completed or Stopped.
	StageListDone Stage = "LIST_DONE"
	// StageItemDone is emitted after one profile detail attempt is classified.
	StageItemDone Stage = "ITEM_DONE"
	// StageBatchDone is emitted after every item in a detail batch settled.
	StageBatchDone Stage = "BATCH_DONE"
)

// Event is one progress record. Fields that do not apply to a stage stay zero.
type Event struct {
	TS        time.Time
	Stage     Stage
	SessionID string
	// Page is the listing page number (list stages only).
	Page int
	// ProfileID and Outcome describe a single classified profile.
	ProfileID string
	Outcome   crawler.OutcomeKind
	// Count is the number of identifiers on a page or items in a batch.
	Count int
	// Inserted is the number of identifiers that were new to the store.
	Inserted int
	Dur      time.Duration
	Note     string
}

var errMissingTimestamp = errors.New("progress event timestamp is required")

// Validate rejects events that sinks could not interpret.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errMissingTimestamp
	}
	if e.Dur < 0 {
		return fmt.Errorf("progress event %s has negative duration", e.Stage)
	}
	switch e.Stage {
	case StageSessionStart, StageSessionEnd, StageListDone, StageBatchDone:
	case StagePagePersisted:
		if e.Page <= 0 {
			return fmt.Errorf("progress event %s requires a page number", e.Stage)
		}
	case StageItemDone:
		if e.ProfileID == "" || e.Outcome == "" {
			return fmt.Errorf("progress event %s requires profile id and outcome", e.Stage)
		}
	default:
		return fmt.Errorf("unknown progress stage %q", e.Stage)
	}
	return nil
}
