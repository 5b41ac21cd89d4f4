package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/varkey/ferryman/internal/cleanup"
	"github.com/varkey/ferryman/internal/database"
	"github.com/varkey/ferryman/internal/event"
	"github.com/varkey/ferryman/internal/ledger"
	"github.com/varkey/ferryman/internal/media"
	"github.com/varkey/ferryman/internal/pipeline"
	"github.com/varkey/ferryman/internal/remux"
	"github.com/varkey/ferryman/internal/transfer"
	"github.com/varkey/ferryman/pkg/docker"
	"github.com/varkey/ferryman/pkg/logger"
)

var log = logger.Get("Core")

type (
	RunnableService interface {
		Run(context.Context) error
	}

	PipelineService interface {
		RunnableService
		DiscoverNewFiles()
		RemoveItem(uuid.UUID) error
		Item(uuid.UUID) *pipeline.Item
		AllItems() []*pipeline.Item
		ResolveTrouble(uuid.UUID, pipeline.ResolutionType, map[string]string) error
	}
)

// Ferryman represents the top-level object for the daemon, and is
// responsible for initialising embedded support services, the pipeline,
// stores, event handling, et cetera...
type ferrymanImpl struct {
	eventBus      event.EventCoordinator
	config        FerrymanConfig
	dockerManager docker.DockerManager

	pipelineService PipelineService
}

func New(config FerrymanConfig) *ferrymanImpl {
	log.Emit(logger.DEBUG, "Bootstrapping Ferryman services using config: %#v\n", config)

	return &ferrymanImpl{
		eventBus: event.New(),
		config:   config,
	}
}

// Run will start all of Ferryman by bringing up all required services and
// connections, such as:
// - Docker services
// - Database connection
// - The processing pipeline
//
// This function will not return until Ferryman is stopped.
// To stop Ferryman, the provided context must be cancelled. Errors from
// which Ferryman cannot recover will also cause it to stop.
func (ferryman *ferrymanImpl) Run(parent context.Context) error {
	ferryman.dockerManager = docker.NewDockerManager()
	defer ferryman.dockerManager.Shutdown(time.Second * 10)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel()
	}

	log.Emit(logger.NEW, "Initialising Docker services...\n")
	if err := ferryman.initialiseDockerServices(ferryman.config, crashHandler); err != nil {
		return err
	}

	log.Emit(logger.NEW, "Connecting to database...\n")
	db := database.New()
	if err := db.Connect(ferryman.config.Database); err != nil {
		return err
	}

	recordStore := ledger.NewStore()
	ferryman.logLedgerStatistics(db.GetSqlxDb(), recordStore)

	sweeper, err := cleanup.New(ferryman.config.Pipeline.WatchPath)
	if err != nil {
		return fmt.Errorf("failed to construct cleanup agent: %w", err)
	}

	transferManager := transfer.NewManager(ferryman.config.Transfer, transfer.NewDialer(ferryman.config.Transfer.Connection))
	defer transferManager.Close()

	pipelineService, err := pipeline.New(
		ferryman.config.Pipeline,
		ferryman.config.Routing,
		media.NewInspector(ferryman.config.Tools.FfprobeBinaryPath),
		remux.New(ferryman.config.Tools.FfmpegBinaryPath, ferryman.config.getTempDir()),
		transferManager,
		sweeper,
		recordStore,
		db.GetSqlxDb(),
		ferryman.eventBus,
	)
	if err != nil {
		return fmt.Errorf("failed to construct pipeline service: %w", err)
	}
	ferryman.pipelineService = pipelineService

	wg := &sync.WaitGroup{}
	ferryman.spawnAsyncService(ctx, wg, pipelineService, "pipeline-service", crashHandler)
	ferryman.spawnAsyncService(ctx, wg, newActivityReporter(pipelineService, ferryman.eventBus), "activity-reporter", crashHandler)
	if keepFor := ferryman.config.Retention.PurgeAfterDays; keepFor > 0 {
		janitor := &retentionJanitor{db: db.GetSqlxDb(), records: recordStore, keepFor: time.Hour * 24 * time.Duration(keepFor)}
		ferryman.spawnAsyncService(ctx, wg, janitor, "retention-janitor", crashHandler)
	}
	log.Emit(logger.SUCCESS, "Ferryman services spawned!\n")

	wg.Wait()
	return nil
}

// spawnAsyncService will run the provided function/service as it's own
// go-routine, ensuring that the Ferryman service waitgroup is updated correctly
func (ferryman *ferrymanImpl) spawnAsyncService(context context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(wg *sync.WaitGroup, label string, crash func(string, error)) {
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		defer wg.Done()
		if err := service.Run(context); err != nil {
			crash(label, err)
		}
	}(wg, serviceLabel, crashHandler)
}

// initialiseDockerServices will initialise all supporting services
// for Ferryman (Postgres, PgAdmin)
func (ferryman *ferrymanImpl) initialiseDockerServices(config FerrymanConfig, crashHandler func(string, error)) error {
	if config.Services.EnablePostgres {
		log.Emit(logger.INFO, "Initialising embedded database...\n")
		if _, err := database.InitialiseDockerDatabase(
			ferryman.dockerManager,
			config.Database,
			func(err error) { crashHandler("docker-postgres", err) },
		); err != nil {
			return err
		}
	}

	if config.Services.EnablePgAdmin {
		log.Emit(logger.INFO, "Initialising embedded pgAdmin server...\n")
		if _, err := database.InitialiseDockerPgAdmin(
			ferryman.dockerManager,
			func(err error) { crashHandler("docker-pgadmin", err) },
		); err != nil {
			return err
		}
	}

	return nil
}

// logLedgerStatistics emits a startup summary of what the ledger already
// holds, so an operator restarting the daemon can see at a glance how
// much history survives.
func (ferryman *ferrymanImpl) logLedgerStatistics(db *sqlx.DB, records *ledger.Store) {
	stats, err := records.Statistics(db)
	if err != nil {
		log.Emit(logger.WARNING, "Failed to aggregate ledger statistics: %v\n", err)
		return
	}

	total := 0
	for _, count := range stats.Counts {
		total += count
	}

	log.Emit(logger.INFO, "Ledger tracks %d record(s), %d byte(s) transferred to date\n", total, stats.BytesTransferred)
	if total > 0 {
		log.Emit(logger.DEBUG, "Ledger state breakdown: %v\n", stats.Counts)
	}
}

// retentionJanitor purges terminal ledger records last touched before
// the retention window, once at startup and daily thereafter.
type retentionJanitor struct {
	db      *sqlx.DB
	records *ledger.Store
	keepFor time.Duration
}

func (janitor *retentionJanitor) Run(ctx context.Context) error {
	janitor.purge()

	ticker := time.NewTicker(time.Hour * 24)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			janitor.purge()
		case <-ctx.Done():
			log.Emit(logger.STOP, "Retention janitor closed\n")
			return nil
		}
	}
}

func (janitor *retentionJanitor) purge() {
	cutoff := time.Now().Add(-janitor.keepFor)
	purged, err := janitor.records.PurgeTerminal(janitor.db, cutoff)
	if err != nil {
		log.Emit(logger.ERROR, "Failed to purge terminal ledger records: %v\n", err)
		return
	}

	if purged > 0 {
		log.Emit(logger.INFO, "Purged %d terminal ledger record(s) older than %s\n", purged, janitor.keepFor)
	}
}
