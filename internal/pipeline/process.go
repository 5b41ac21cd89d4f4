package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
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

var errSourceVanished = errors.New("source file no longer exists")

// ExecuteTask is the task run by the pool workers. Each pass claims one
// idle item and drives it through the pipeline stages until it reaches
// a terminal ledger state or raises a trouble for operator attention.
func (service *service) ExecuteTask(w worker.Worker) (bool, error) {
	item := service.claimIdleItem()
	if item == nil {
		return false, nil
	}

	log.Emit(logger.DEBUG, "Worker %s claimed %s\n", w.Label(), item)

	err := service.processItem(service.runContext(), item)
	if err == nil {
		return true, nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		service.requeueItem(item)
		return false, nil
	}

	trouble := &Trouble{}
	if !errors.As(err, &trouble) {
		trouble = newTrouble(fmt.Errorf("processing of %s failed: %w", item.Path, err))
	}
	service.troubleItem(item, trouble)
	return true, nil
}

// processItem advances the item one ledger state at a time. Every stage
// commits its transition before the next stage runs, so a crash or
// cancellation between stages loses no more than the stage in flight.
func (service *service) processItem(ctx context.Context, item *Item) error {
	record, err := service.attachRecord(item)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var stageErr error
		switch record.State {
		case ledger.StateDiscovered:
			stageErr = service.classifyStage(ctx, item, record)
		case ledger.StateClassified:
			stageErr = service.routeStage(ctx, item, record)
		case ledger.StateRemuxing:
			stageErr = service.remuxStage(ctx, item, record)
		case ledger.StateTransferring:
			stageErr = service.transferStage(ctx, item, record)
		case ledger.StateVerified:
			stageErr = service.cleanupStage(item, record)
		default:
			level := logger.INFO
			if record.State == ledger.StateCleanedUp {
				level = logger.SUCCESS
			}

			log.Emit(level, "Processing of %s finished in state %s\n", item, record.State)
			service.completeItem(item)
			return nil
		}

		if stageErr != nil {
			return stageErr
		}

		service.eventBus.Dispatch(event.ItemUpdateEvent, item.ID)
	}
}

// attachRecord finds or creates the ledger record backing this item. A
// lost creation race simply adopts the record the winner created.
func (service *service) attachRecord(item *Item) (*ledger.Record, error) {
	if item.RecordID != nil {
		record, err := service.records.Get(service.db, *item.RecordID)
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, ledger.ErrRecordNotFound) {
			return nil, err
		}
	}

	record, err := service.records.ActiveBySourcePath(service.db, item.Path)
	if errors.Is(err, ledger.ErrRecordNotFound) {
		record, err = service.records.Create(service.db, item.Path)
		if errors.Is(err, ledger.ErrAlreadyActive) {
			record, err = service.records.ActiveBySourcePath(service.db, item.Path)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to attach ledger record to %s: %w", item, err)
	}

	service.setItemRecordID(item, record.ID)
	return record, nil
}

// commitTransition commits the state change and its event row in one
// transaction. A rejection whose observed state differs from ours means
// a concurrent writer won; we adopt its state and let the stage loop
// re-dispatch. A rejection with the state unchanged means the edge
// itself is illegal and is surfaced as an error.
func (service *service) commitTransition(record *ledger.Record, to ledger.State, detail string) error {
	var observed ledger.State
	err := database.WrapTx(service.db, func(tx *sqlx.Tx) error {
		state, err := service.records.Transition(tx, record.ID, record.State, to, detail)
		observed = state
		return err
	})

	if errors.Is(err, ledger.ErrTransitionRejected) {
		if observed == record.State {
			return fmt.Errorf("transition %s -> %s of record %s: %w", record.State, to, record.ID, err)
		}

		log.Emit(logger.DEBUG, "Transition %s -> %s of record %s lost to a concurrent writer (now %s)\n", record.State, to, record.ID, observed)
		record.State = observed
		return nil
	}
	if err != nil {
		return fmt.Errorf("transition %s -> %s of record %s: %w", record.State, to, record.ID, err)
	}

	record.State = to
	return nil
}

// inspectForClassification probes the container of the source file. An
// unreadable container is tolerated when an operator has supplied the
// language (classification falls back to the file name), and a source
// that has vanished fails the record outright.
func (service *service) inspectForClassification(ctx context.Context, item *Item, record *ledger.Record) (*media.Container, error) {
	container, err := service.inspector.Inspect(ctx, item.Path)
	if err == nil {
		return container, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	if errors.Is(err, fs.ErrNotExist) {
		log.Emit(logger.WARNING, "Source %s vanished before processing\n", item.Path)
		if commitErr := service.commitTransition(record, ledger.StateFailed, "source file no longer exists"); commitErr != nil {
			return nil, commitErr
		}
		return nil, errSourceVanished
	}

	if item.languageOverride != nil {
		log.Emit(logger.WARNING, "Container of %s is unreadable (%v); continuing with operator supplied language\n", item.Path, err)
		return nil, nil
	}

	return nil, newTrouble(err)
}

func (service *service) classifyItem(ctx context.Context, item *Item, record *ledger.Record) (*media.MediaFile, error) {
	container, err := service.inspectForClassification(ctx, item, record)
	if err != nil {
		return nil, err
	}

	file := media.Classify(item.Path, container)
	if item.languageOverride != nil {
		file.Language = *item.languageOverride
	}

	return file, nil
}

func (service *service) classifyStage(ctx context.Context, item *Item, record *ledger.Record) error {
	file, err := service.classifyItem(ctx, item, record)
	if err != nil {
		if errors.Is(err, errSourceVanished) {
			return nil
		}
		return err
	}

	if hash, hashErr := transfer.HashFile(item.Path); hashErr == nil {
		file.Hash = hash
	} else {
		log.Emit(logger.WARNING, "Content hash of %s unavailable: %v\n", item.Path, hashErr)
	}

	if err := service.records.RecordClassification(service.db, record.ID, file); err != nil {
		return fmt.Errorf("failed to persist classification of %s: %w", item.Path, err)
	}
	if err := service.commitTransition(record, ledger.StateClassified, fmt.Sprintf("classified as %s (%s)", file.Kind, file.Language)); err != nil {
		return err
	}

	item.file = file
	return nil
}

func (service *service) routeStage(ctx context.Context, item *Item, record *ledger.Record) error {
	file := item.file
	if file == nil {
		rebuilt, err := service.classifyItem(ctx, item, record)
		if err != nil {
			if errors.Is(err, errSourceVanished) {
				return nil
			}
			return err
		}
		if record.ContentHash != nil {
			rebuilt.Hash = *record.ContentHash
		}

		file = rebuilt
		item.file = file
	}

	destination, err := route.Build(file, &service.template)
	if err != nil {
		var unclassified *route.UnclassifiedMediaError
		if errors.As(err, &unclassified) {
			log.Emit(logger.INFO, "Skipping %s: kind could not be determined and no unsorted prefix is configured\n", item.Path)
			return service.commitTransition(record, ledger.StateSkipped, "unclassified media")
		}
		return err
	}

	if err := service.records.SetDestination(service.db, record.ID, destination); err != nil {
		return fmt.Errorf("failed to persist destination of %s: %w", item.Path, err)
	}
	destinationPath := destination
	record.DestinationPath = &destinationPath

	plan := remux.BuildPlan(file, service.policy)

	if service.config.DryRun {
		log.Emit(logger.INFO, "Dry run: %s would land at %s (remux=%t keep=%d drop=%d)\n",
			item.Path, destination, plan.NeedsRemux && !item.forceOriginal, len(plan.Keep), len(plan.Drop))
		return service.commitTransition(record, ledger.StateSkipped, "dry-run")
	}

	item.plan = plan

	if item.forceOriginal || !plan.NeedsRemux {
		return service.commitTransition(record, ledger.StateTransferring, "transferring original container")
	}

	return service.commitTransition(record, ledger.StateRemuxing,
		fmt.Sprintf("remux planned: keep %d tracks, drop %d", len(plan.Keep), len(plan.Drop)))
}

func (service *service) remuxStage(ctx context.Context, item *Item, record *ledger.Record) error {
	if item.forceOriginal {
		if err := service.records.ClearRemuxPath(service.db, record.ID); err != nil {
			return fmt.Errorf("failed to clear remux path of record %s: %w", record.ID, err)
		}
		record.RemuxPath = nil
		return service.commitTransition(record, ledger.StateTransferring, "transferring original container")
	}

	if record.RemuxPath != nil {
		// A previous run died mid-remux; the artifact cannot be trusted.
		if err := os.Remove(*record.RemuxPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Emit(logger.WARNING, "Stale remux artifact %s could not be removed: %v\n", *record.RemuxPath, err)
		}
		if err := service.records.ClearRemuxPath(service.db, record.ID); err != nil {
			return fmt.Errorf("failed to clear remux path of record %s: %w", record.ID, err)
		}
		record.RemuxPath = nil
	}

	plan := item.plan
	if plan == nil {
		file := item.file
		if file == nil {
			rebuilt, err := service.classifyItem(ctx, item, record)
			if err != nil {
				if errors.Is(err, errSourceVanished) {
					return nil
				}
				return err
			}

			file = rebuilt
			item.file = file
		}

		plan = remux.BuildPlan(file, service.policy)
		item.plan = plan
	}

	if !plan.NeedsRemux {
		return service.commitTransition(record, ledger.StateTransferring, "transferring original container")
	}

	outputPath, err := service.remuxer.Remux(ctx, plan)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// Record stays REMUXING so the next run redoes the remux.
			return ctxErr
		}

		if service.config.FallbackToOriginal {
			log.Emit(logger.WARNING, "Remux of %s failed (%v); transferring original container\n", item.Path, err)
			return service.commitTransition(record, ledger.StateTransferring, "remux failed; transferring original container")
		}

		return newTrouble(err)
	}

	if err := service.records.SetRemuxPath(service.db, record.ID, outputPath); err != nil {
		return fmt.Errorf("failed to persist remux path of record %s: %w", record.ID, err)
	}
	remuxPath := outputPath
	record.RemuxPath = &remuxPath

	return service.commitTransition(record, ledger.StateTransferring, "remux complete")
}

func (service *service) transferStage(ctx context.Context, item *Item, record *ledger.Record) error {
	localPath := item.Path
	if record.RemuxPath != nil {
		if _, err := os.Stat(*record.RemuxPath); err == nil {
			localPath = *record.RemuxPath
		} else if errors.Is(err, fs.ErrNotExist) {
			if commitErr := service.commitTransition(record, ledger.StateFailed, "remux artifact vanished before transfer"); commitErr != nil {
				return commitErr
			}
			return newTransferTrouble(fmt.Errorf("remux artifact %s vanished before transfer", *record.RemuxPath))
		} else {
			return fmt.Errorf("failed to stat remux artifact %s: %w", *record.RemuxPath, err)
		}
	}

	if record.DestinationPath == nil {
		return fmt.Errorf("record %s is transferring but has no destination", record.ID)
	}

	request := transfer.Request{
		LocalPath:  localPath,
		RemotePath: *record.DestinationPath,
		Resume:     record.BytesTransferred,
	}

	onProgress := func(progress transfer.Progress) {
		if progress.Stage != transfer.StageWriting {
			return
		}

		if err := service.records.RecordTransferProgress(service.db, record.ID, progress.BytesTransferred); err != nil {
			log.Emit(logger.VERBOSE, "Transfer checkpoint of record %s dropped: %v\n", record.ID, err)
		}
		service.eventBus.Dispatch(event.TransferProgressEvent, item.ID)
	}

	result, err := service.transferrer.Transfer(ctx, request, onProgress)
	if result != nil {
		if recordErr := service.records.RecordTransferResult(service.db, record.ID, result.Attempts, result.BytesTransferred, result.Checksum); recordErr != nil {
			log.Emit(logger.WARNING, "Transfer accounting of record %s could not be persisted: %v\n", record.ID, recordErr)
		}
	}

	if err != nil {
		kind := transfer.KindOf(err)
		if kind == transfer.FailureCancelled {
			if commitErr := service.commitTransition(record, ledger.StateFailed, "cancelled"); commitErr != nil {
				return commitErr
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return newTransferTrouble(err)
		}

		if commitErr := service.commitTransition(record, ledger.StateFailed, string(kind)); commitErr != nil {
			return commitErr
		}
		return newTransferTrouble(err)
	}

	detail := fmt.Sprintf("transfer verified after %d attempt(s)", result.Attempts)
	if result.AlreadyPresent {
		detail = "destination already contained verified copy"
	}

	return service.commitTransition(record, ledger.StateVerified, detail)
}

func (service *service) cleanupStage(item *Item, record *ledger.Record) error {
	remuxPath := ""
	if record.RemuxPath != nil {
		remuxPath = *record.RemuxPath
	}

	outcome := service.sweeper.Sweep(record.SourcePath, remuxPath)
	if !outcome.Clean() {
		log.Emit(logger.WARNING, "Cleanup of %s left artifacts behind: %s\n", record.SourcePath, outcome.Detail())
		return service.commitTransition(record, ledger.StateCleanedUpPartial, outcome.Detail())
	}

	return service.commitTransition(record, ledger.StateCleanedUp,
		fmt.Sprintf("removed %d file(s)", len(outcome.Removed)))
}

func (service *service) setItemRecordID(item *Item, id uuid.UUID) {
	service.Lock()
	defer service.Unlock()

	recordID := id
	item.RecordID = &recordID
}

func (service *service) requeueItem(item *Item) {
	service.Lock()
	defer service.Unlock()

	if item.State == Processing {
		item.State = Idle
	}
}

func (service *service) troubleItem(item *Item, trouble *Trouble) {
	service.Lock()
	item.Trouble = trouble
	item.State = Troubled
	service.Unlock()

	log.Emit(logger.ERROR, "Item %s raised %s: %v\n", item, trouble.Type(), trouble)
	service.eventBus.Dispatch(event.ItemUpdateEvent, item.ID)
}

func (service *service) completeItem(item *Item) {
	service.Lock()
	item.Trouble = nil
	item.State = Complete
	service.Unlock()

	service.eventBus.Dispatch(event.ItemUpdateEvent, item.ID)
	service.eventBus.Dispatch(event.ItemCompleteEvent, item.ID)
}
