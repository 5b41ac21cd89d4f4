package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rjeczalik/notify"
	"github.com/varkey/ferryman/internal/cleanup"
	"github.com/varkey/ferryman/internal/database"
	"github.com/varkey/ferryman/internal/event"
	"github.com/varkey/ferryman/internal/ledger"
	"github.com/varkey/ferryman/internal/media"
	"github.com/varkey/ferryman/internal/remux"
	"github.com/varkey/ferryman/internal/route"
	"github.com/varkey/ferryman/internal/transfer"
	"github.com/varkey/ferryman/pkg/logger"
	"github.com/varkey/ferryman/pkg/worker"
)

var log = logger.Get("Pipeline")

type (
	inspector interface {
		Inspect(ctx context.Context, path string) (*media.Container, error)
	}

	remuxer interface {
		Remux(ctx context.Context, plan *remux.Plan) (string, error)
	}

	transferrer interface {
		Transfer(ctx context.Context, request transfer.Request, onProgress transfer.ProgressFunc) (*transfer.Result, error)
	}

	sweeper interface {
		Sweep(sourcePath string, remuxPath string) *cleanup.Outcome
	}

	recordStore interface {
		Create(db database.Queryable, sourcePath string) (*ledger.Record, error)
		Get(db database.Queryable, id uuid.UUID) (*ledger.Record, error)
		ActiveBySourcePath(db database.Queryable, sourcePath string) (*ledger.Record, error)
		ActiveSourcePaths(db database.Queryable) ([]string, error)
		Outstanding(db database.Queryable) ([]*ledger.Record, error)
		Transition(db database.Queryable, id uuid.UUID, from ledger.State, to ledger.State, detail string) (ledger.State, error)
		RecordClassification(db database.Queryable, id uuid.UUID, file *media.MediaFile) error
		SetDestination(db database.Queryable, id uuid.UUID, destinationPath string) error
		SetRemuxPath(db database.Queryable, id uuid.UUID, remuxPath string) error
		ClearRemuxPath(db database.Queryable, id uuid.UUID) error
		RecordTransferProgress(db database.Queryable, id uuid.UUID, bytesTransferred int64) error
		RecordTransferResult(db database.Queryable, id uuid.UUID, attempts int, bytesTransferred int64, checksum string) error
	}

	// service owns the detection and processing of media files under the
	// watch path. Detected files are queued as Items, claimed one at a
	// time by pool workers, and driven through the ledger state machine
	// by the stage functions in process.go.
	service struct {
		*sync.Mutex

		inspector   inspector
		remuxer     remuxer
		transferrer transferrer
		sweeper     sweeper
		records     recordStore
		db          *sqlx.DB
		eventBus    event.EventCoordinator

		config   Config
		template route.Template
		policy   remux.Policy

		items            []*Item
		importHoldTimers map[uuid.UUID]*time.Timer
		workerPool       *worker.WorkerPool
		runCtx           context.Context
	}
)

// New constructs the pipeline service. The watch path is created when
// missing; a watch path that exists but is not a directory is an error.
func New(
	config Config,
	template route.Template,
	inspector inspector,
	remuxer remuxer,
	transferrer transferrer,
	sweeper sweeper,
	records recordStore,
	db *sqlx.DB,
	eventBus event.EventCoordinator,
) (*service, error) {
	if info, err := os.Stat(config.WatchPath); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("watch path '%s' is not a directory", config.WatchPath)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(config.WatchPath, os.ModeDir|os.ModePerm); err != nil {
			return nil, fmt.Errorf("watch path '%s' could not be created: %w", config.WatchPath, err)
		}
	} else {
		return nil, fmt.Errorf("watch path '%s' could not be accessed: %w", config.WatchPath, err)
	}

	if err := template.Validate(); err != nil {
		return nil, fmt.Errorf("destination template is invalid: %w", err)
	}

	target, ok := media.ParseLanguage(config.TargetLanguage)
	if !ok {
		return nil, fmt.Errorf("target language %q is not recognised", config.TargetLanguage)
	}

	subtitles, err := parseSubtitleMode(config.SubtitleMode)
	if err != nil {
		return nil, err
	}

	service := &service{
		Mutex:            &sync.Mutex{},
		inspector:        inspector,
		remuxer:          remuxer,
		transferrer:      transferrer,
		sweeper:          sweeper,
		records:          records,
		db:               db,
		eventBus:         eventBus,
		config:           config,
		template:         template,
		policy:           remux.Policy{Target: target, Subtitles: subtitles},
		items:            make([]*Item, 0),
		importHoldTimers: make(map[uuid.UUID]*time.Timer),
		workerPool:       worker.NewWorkerPool(),
	}

	for i := 0; i < config.Parallelism; i++ {
		label := fmt.Sprintf("pipeline-worker-%d", i)
		service.workerPool.PushWorker(worker.NewWorker(label, service.ExecuteTask))
	}

	return service, nil
}

func parseSubtitleMode(mode string) (remux.SubtitleMode, error) {
	switch remux.SubtitleMode(mode) {
	case remux.SubtitlesAll, remux.SubtitlesTarget, remux.SubtitlesNone:
		return remux.SubtitleMode(mode), nil
	default:
		return "", fmt.Errorf("subtitle mode %q is not recognised", mode)
	}
}

// Run is the main entry point of this service. It resumes any ledger
// records left outstanding by a previous run, then reacts to filesystem
// change events and the forced sync ticker until the context provided
// is cancelled.
func (service *service) Run(ctx context.Context) error {
	service.Lock()
	service.runCtx = ctx
	service.Unlock()

	if err := service.workerPool.Start(); err != nil {
		return err
	}
	defer service.workerPool.Close()
	defer service.clearAllImportHoldTimers()

	fsNotifyChannel := make(chan notify.EventInfo, 128)
	watchTarget := filepath.Join(service.config.WatchPath, "...")
	if err := notify.Watch(watchTarget, fsNotifyChannel, notify.Create, notify.Rename); err != nil {
		log.Emit(logger.WARNING, "Filesystem watch of %s unavailable (%v); relying on forced sync only\n", service.config.WatchPath, err)
	} else {
		defer notify.Stop(fsNotifyChannel)
	}

	forceSyncTicker := time.NewTicker(service.config.ForceSyncInterval())
	defer forceSyncTicker.Stop()

	service.resumeOutstanding()
	service.DiscoverNewFiles()

	for {
		select {
		case <-fsNotifyChannel:
			service.DiscoverNewFiles()
		case <-forceSyncTicker.C:
			service.DiscoverNewFiles()
		case <-ctx.Done():
			return nil
		}
	}
}

// resumeOutstanding re-queues every non-terminal ledger record as an
// idle item so processing continues from the last committed state.
//
// Note: This function takes ownership of the mutex, and releases it when returning
func (service *service) resumeOutstanding() {
	service.Lock()
	defer service.Unlock()

	outstanding, err := service.records.Outstanding(service.db)
	if err != nil {
		log.Emit(logger.ERROR, "Failed to load outstanding records for resume: %v\n", err)
		return
	}
	if len(outstanding) == 0 {
		return
	}

	tracked := make(map[string]bool, len(service.items))
	for _, item := range service.items {
		tracked[item.Path] = true
	}

	resumed := 0
	for _, record := range outstanding {
		if tracked[record.SourcePath] {
			continue
		}

		recordID := record.ID
		service.items = append(service.items, &Item{
			ID:       uuid.New(),
			Path:     record.SourcePath,
			State:    Idle,
			RecordID: &recordID,
		})
		resumed++
	}

	if resumed > 0 {
		log.Emit(logger.INFO, "Resuming %d outstanding pipeline records\n", resumed)
		service.wakeupWorkerPool()
	}
}

// DiscoverNewFiles scans the watch path for eligible files that neither
// the ledger nor the in-memory queue already knows about. Files younger
// than the modtime threshold are queued on import hold with a timer to
// re-evaluate them; the rest are queued idle and the worker pool woken.
//
// Note: This function takes ownership of the mutex, and releases it when returning
func (service *service) DiscoverNewFiles() {
	service.Lock()
	defer service.Unlock()

	activePaths, err := service.records.ActiveSourcePaths(service.db)
	if err != nil {
		log.Emit(logger.ERROR, "Filesystem sync skipped; active source paths unavailable: %v\n", err)
		return
	}

	known := make(map[string]bool, len(activePaths)+len(service.items))
	for _, path := range activePaths {
		known[path] = true
	}
	for _, item := range service.items {
		known[item.Path] = true
	}

	newItems, err := service.walkWatchPath(known)
	if err != nil {
		log.Emit(logger.ERROR, "Filesystem sync failed: %v\n", err)
		return
	}

	minModtimeAge := service.config.RequiredModTimeAgeDuration()
	dirty := false
	for itemPath, itemInfo := range newItems {
		itemID := uuid.New()
		timeDiff := time.Since(itemInfo.ModTime())

		itemState := ImportHold
		if timeDiff > minModtimeAge {
			dirty = true
			itemState = Idle
		}

		service.items = append(service.items, &Item{
			ID:    itemID,
			Path:  itemPath,
			State: itemState,
		})
		if itemState == ImportHold {
			service.scheduleImportHoldTimer(itemID, minModtimeAge-timeDiff)
		}
	}

	if dirty {
		service.wakeupWorkerPool()
	}
}

// walkWatchPath walks the watch path and returns eligible files that are
// not in the known set, keyed by path.
func (service *service) walkWatchPath(known map[string]bool) (map[string]fs.FileInfo, error) {
	foundItems := make(map[string]fs.FileInfo)
	err := filepath.WalkDir(service.config.WatchPath, func(path string, dir fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if dir.IsDir() || !service.config.allowsExtension(path) || known[path] {
			return nil
		}

		fileInfo, err := dir.Info()
		if err != nil {
			return err
		}

		foundItems[path] = fileInfo
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk watch path: %w", err)
	}

	return foundItems, nil
}

// RemoveItem removes the item with the given ID from the queue. Items
// that a worker is currently processing cannot be removed.
//
// Note: This function takes ownership of the mutex, and releases it when returning
func (service *service) RemoveItem(itemID uuid.UUID) error {
	service.Lock()
	defer service.Unlock()

	for k, item := range service.items {
		if item.ID == itemID {
			if item.State == Processing {
				return fmt.Errorf("cannot remove item %v as a worker is currently processing it", itemID)
			}

			service.clearImportHoldTimer(itemID)
			service.items = append(service.items[:k], service.items[k+1:]...)
			return nil
		}
	}

	return nil
}

// Item returns the queued item with the given ID, or nil.
func (service *service) Item(itemID uuid.UUID) *Item {
	service.Lock()
	defer service.Unlock()

	return service.findItemLocked(itemID)
}

// AllItems returns all items known to this service.
func (service *service) AllItems() []*Item {
	service.Lock()
	defer service.Unlock()

	items := make([]*Item, len(service.items))
	copy(items, service.items)
	return items
}

// ResolveTrouble applies an operator resolution to a troubled item:
// requeueing it, abandoning it, or requeueing it with an instruction
// the next processing pass honours.
func (service *service) ResolveTrouble(itemID uuid.UUID, method ResolutionType, context map[string]string) error {
	service.Lock()

	item := service.findItemLocked(itemID)
	if item == nil {
		service.Unlock()
		return ErrItemNotFound
	}
	if item.State != Troubled || item.Trouble == nil {
		service.Unlock()
		return ErrNoTrouble
	}

	resolution, err := item.Trouble.GenerateResolution(method, context)
	if err != nil {
		service.Unlock()
		return err
	}

	requeue, complete := false, false
	switch resolution := resolution.(type) {
	case *AbortResolution:
		service.abortItemLocked(item)
		complete = true
	case *RetryResolution:
		requeue = true
	case *TransferOriginalResolution:
		item.forceOriginal = true
		requeue = true
	case *SpecifyLanguageResolution:
		language := resolution.language
		item.languageOverride = &language
		item.file = nil
		item.plan = nil
		requeue = true
	}

	if requeue {
		item.Trouble = nil
		item.State = Idle
		service.detachTerminalRecordLocked(item)
	}
	service.Unlock()

	log.Emit(logger.INFO, "Resolved trouble on %s via %s\n", item, method)
	service.eventBus.Dispatch(event.ItemUpdateEvent, item.ID)
	if complete {
		service.eventBus.Dispatch(event.ItemCompleteEvent, item.ID)
	}
	if requeue {
		service.wakeupWorkerPool()
	}

	return nil
}

// detachTerminalRecordLocked drops the item's link to a ledger record
// that has already reached a terminal state. A requeued item then
// begins a fresh ledger attempt instead of completing immediately;
// failed source paths stay eligible because active uniqueness only
// covers non-terminal records.
func (service *service) detachTerminalRecordLocked(item *Item) {
	if item.RecordID == nil {
		return
	}

	record, err := service.records.Get(service.db, *item.RecordID)
	if err != nil || record.State.IsTerminal() {
		item.RecordID = nil
	}
}

// abortItemLocked marks the item complete and fails its ledger record
// if one is attached and not already terminal.
func (service *service) abortItemLocked(item *Item) {
	item.Trouble = nil
	item.State = Complete

	if item.RecordID == nil {
		return
	}

	record, err := service.records.Get(service.db, *item.RecordID)
	if err != nil {
		log.Emit(logger.WARNING, "Aborting %s could not load its record: %v\n", item, err)
		return
	}
	if record.State.IsTerminal() {
		return
	}

	err = database.WrapTx(service.db, func(tx *sqlx.Tx) error {
		_, err := service.records.Transition(tx, record.ID, record.State, ledger.StateFailed, "aborted by operator")
		return err
	})
	if err != nil {
		log.Emit(logger.WARNING, "Aborting %s could not fail its record: %v\n", item, err)
	}
}

// evaluateItemHold re-checks the modtime of an item on import hold,
// releasing it to the idle queue once the file has been quiescent for
// long enough. Items whose source has vanished are dropped.
//
// Note: this function takes ownership of the mutex, and releases it when returning
func (service *service) evaluateItemHold(id uuid.UUID) {
	service.Lock()
	defer service.Unlock()

	item := service.findItemLocked(id)
	if item == nil || item.State != ImportHold {
		return
	}

	timeDiff, err := item.modtimeDiff()
	if err != nil {
		service.removeItemLocked(id)
		return
	}

	thresholdModTime := service.config.RequiredModTimeAgeDuration()
	if *timeDiff < thresholdModTime {
		service.scheduleImportHoldTimer(id, thresholdModTime-*timeDiff)
		return
	}

	item.State = Idle
	service.wakeupWorkerPool()
}

// scheduleImportHoldTimer arranges for evaluateItemHold to run for the
// item after the given delay, cancelling any existing timer first.
func (service *service) scheduleImportHoldTimer(id uuid.UUID, delay time.Duration) {
	service.clearImportHoldTimer(id)
	service.importHoldTimers[id] = time.AfterFunc(delay, func() {
		service.evaluateItemHold(id)
	})
}

func (service *service) clearImportHoldTimer(id uuid.UUID) {
	if timer, ok := service.importHoldTimers[id]; ok {
		timer.Stop()
		delete(service.importHoldTimers, id)
	}
}

func (service *service) clearAllImportHoldTimers() {
	for key, timer := range service.importHoldTimers {
		timer.Stop()
		delete(service.importHoldTimers, key)
	}
}

// claimIdleItem finds an idle item and marks it as processing so no
// other worker claims it once the mutex is released.
//
// Note: This function takes ownership of the mutex, and releases it when returning
func (service *service) claimIdleItem() *Item {
	service.Lock()
	defer service.Unlock()

	for _, item := range service.items {
		if item.State == Idle {
			item.State = Processing
			return item
		}
	}

	return nil
}

func (service *service) findItemLocked(itemID uuid.UUID) *Item {
	for _, item := range service.items {
		if item.ID == itemID {
			return item
		}
	}

	return nil
}

func (service *service) removeItemLocked(itemID uuid.UUID) {
	for k, item := range service.items {
		if item.ID == itemID {
			service.clearImportHoldTimer(itemID)
			service.items = append(service.items[:k], service.items[k+1:]...)
			return
		}
	}
}

func (service *service) runContext() context.Context {
	service.Lock()
	defer service.Unlock()

	if service.runCtx == nil {
		return context.Background()
	}

	return service.runCtx
}

func (service *service) wakeupWorkerPool() {
	if err := service.workerPool.WakeupWorkers(); err != nil {
		log.Emit(logger.VERBOSE, "Worker pool wakeup skipped: %v\n", err)
	}
}
