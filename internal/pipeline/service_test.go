// pipeline_test ensures files appearing under the watch path are
// detected, held until quiescent, claimed by the worker pool, and that
// operator resolutions drive troubled items back through the stages.
// The ledger store and the media components are faked here; the
// database-backed behaviour is covered by the integration test.
package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/varkey/ferryman/internal/cleanup"
	"github.com/varkey/ferryman/internal/database"
	"github.com/varkey/ferryman/internal/event"
	"github.com/varkey/ferryman/internal/ledger"
	"github.com/varkey/ferryman/internal/media"
	"github.com/varkey/ferryman/internal/pipeline"
	"github.com/varkey/ferryman/internal/remux"
	"github.com/varkey/ferryman/internal/route"
	"github.com/varkey/ferryman/internal/transfer"
	"github.com/varkey/ferryman/pkg/logger"
	"github.com/varkey/ferryman/tests/helpers"
)

// A default event bus which should be used as a NOOP event bus. DO NOT
// subscribe to this inside of a test as the subscribers are not removed
// between tests.
var (
	defaultEventBus = event.New()
	errExpected     = errors.New("test: expected error")
)

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

type Service interface {
	DiscoverNewFiles()
	AllItems() []*pipeline.Item
	Item(itemID uuid.UUID) *pipeline.Item
	RemoveItem(itemID uuid.UUID) error
	ResolveTrouble(itemID uuid.UUID, method pipeline.ResolutionType, context map[string]string) error
}

type fakeInspector struct {
	mu        sync.Mutex
	calls     int
	container *media.Container
	err       error
}

func (inspector *fakeInspector) Inspect(_ context.Context, _ string) (*media.Container, error) {
	inspector.mu.Lock()
	defer inspector.mu.Unlock()

	inspector.calls++
	if inspector.err != nil {
		return nil, inspector.err
	}

	return inspector.container, nil
}

func (inspector *fakeInspector) callCount() int {
	inspector.mu.Lock()
	defer inspector.mu.Unlock()

	return inspector.calls
}

type fakeRemuxer struct {
	output string
	err    error
}

func (remuxer *fakeRemuxer) Remux(_ context.Context, _ *remux.Plan) (string, error) {
	return remuxer.output, remuxer.err
}

type fakeTransferrer struct {
	result *transfer.Result
	err    error
}

func (transferrer *fakeTransferrer) Transfer(_ context.Context, _ transfer.Request, _ transfer.ProgressFunc) (*transfer.Result, error) {
	return transferrer.result, transferrer.err
}

type fakeSweeper struct{}

func (sweeper *fakeSweeper) Sweep(_ string, _ string) *cleanup.Outcome {
	return &cleanup.Outcome{}
}

// fakeStore is an in-memory recordStore with the same compare-and-swap
// transition semantics as the real ledger store.
type fakeStore struct {
	mu               sync.Mutex
	records          map[uuid.UUID]*ledger.Record
	seededPaths      []string
	activePathsCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[uuid.UUID]*ledger.Record)}
}

func copyRecord(record *ledger.Record) *ledger.Record {
	clone := *record
	return &clone
}

func (store *fakeStore) Create(_ database.Queryable, sourcePath string) (*ledger.Record, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	for _, record := range store.records {
		if record.SourcePath == sourcePath && !record.State.IsTerminal() {
			return nil, ledger.ErrAlreadyActive
		}
	}

	record := &ledger.Record{ID: uuid.New(), SourcePath: sourcePath, State: ledger.StateDiscovered}
	store.records[record.ID] = record
	return copyRecord(record), nil
}

func (store *fakeStore) Get(_ database.Queryable, id uuid.UUID) (*ledger.Record, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	record, ok := store.records[id]
	if !ok {
		return nil, ledger.ErrRecordNotFound
	}

	return copyRecord(record), nil
}

func (store *fakeStore) ActiveBySourcePath(_ database.Queryable, sourcePath string) (*ledger.Record, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	for _, record := range store.records {
		if record.SourcePath == sourcePath && !record.State.IsTerminal() {
			return copyRecord(record), nil
		}
	}

	return nil, ledger.ErrRecordNotFound
}

func (store *fakeStore) ActiveSourcePaths(_ database.Queryable) ([]string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.activePathsCalls++
	paths := append([]string{}, store.seededPaths...)
	for _, record := range store.records {
		if !record.State.IsTerminal() {
			paths = append(paths, record.SourcePath)
		}
	}

	return paths, nil
}

func (store *fakeStore) activeSourcePathsCalls() int {
	store.mu.Lock()
	defer store.mu.Unlock()

	return store.activePathsCalls
}

func (store *fakeStore) Outstanding(_ database.Queryable) ([]*ledger.Record, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	outstanding := make([]*ledger.Record, 0)
	for _, record := range store.records {
		if !record.State.IsTerminal() {
			outstanding = append(outstanding, copyRecord(record))
		}
	}

	return outstanding, nil
}

func (store *fakeStore) Transition(_ database.Queryable, id uuid.UUID, from ledger.State, to ledger.State, _ string) (ledger.State, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	record, ok := store.records[id]
	if !ok {
		return "", ledger.ErrRecordNotFound
	}
	if record.State != from || !from.CanTransitionTo(to) {
		return record.State, ledger.ErrTransitionRejected
	}

	record.State = to
	return to, nil
}

func (store *fakeStore) RecordClassification(_ database.Queryable, id uuid.UUID, file *media.MediaFile) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	record, ok := store.records[id]
	if !ok {
		return ledger.ErrRecordNotFound
	}

	record.Kind = file.Kind
	record.Language = file.Language
	record.Title = file.Title
	if file.Hash != "" {
		hash := file.Hash
		record.ContentHash = &hash
	}
	if file.Season >= 0 {
		season := file.Season
		record.Season = &season
	}
	if file.Episode >= 0 {
		episode := file.Episode
		record.Episode = &episode
	}

	return nil
}

func (store *fakeStore) SetDestination(_ database.Queryable, id uuid.UUID, destinationPath string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	record, ok := store.records[id]
	if !ok {
		return ledger.ErrRecordNotFound
	}

	record.DestinationPath = &destinationPath
	return nil
}

func (store *fakeStore) SetRemuxPath(_ database.Queryable, id uuid.UUID, remuxPath string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	record, ok := store.records[id]
	if !ok {
		return ledger.ErrRecordNotFound
	}

	record.RemuxPath = &remuxPath
	return nil
}

func (store *fakeStore) ClearRemuxPath(_ database.Queryable, id uuid.UUID) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	record, ok := store.records[id]
	if !ok {
		return ledger.ErrRecordNotFound
	}

	record.RemuxPath = nil
	return nil
}

func (store *fakeStore) RecordTransferProgress(_ database.Queryable, id uuid.UUID, bytesTransferred int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	record, ok := store.records[id]
	if !ok {
		return ledger.ErrRecordNotFound
	}

	record.BytesTransferred = bytesTransferred
	return nil
}

func (store *fakeStore) RecordTransferResult(_ database.Queryable, id uuid.UUID, attempts int, bytesTransferred int64, checksum string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	record, ok := store.records[id]
	if !ok {
		return ledger.ErrRecordNotFound
	}

	record.AttemptCount = attempts
	record.BytesTransferred = bytesTransferred
	if checksum != "" {
		record.Checksum = &checksum
	}

	return nil
}

func testTemplate() route.Template {
	return route.Template{
		Movies:          "movies",
		MalayalamMovies: "malayalam-movies",
		OtherMovies:     "other-movies",
		TvShows:         "tv-shows",
		MalayalamTv:     "malayalam-tv-shows",
		OtherTv:         "other-tv-shows",
	}
}

func testConfig(watchPath string) pipeline.Config {
	return pipeline.Config{
		WatchPath:        watchPath,
		ForceSyncSeconds: 100,
		Parallelism:      1,
		Extensions:       []string{"mkv", "mp4"},
		TargetLanguage:   "malayalam",
		SubtitleMode:     "all",
	}
}

func startServiceWithBus(
	t *testing.T,
	config pipeline.Config,
	inspector *fakeInspector,
	store *fakeStore,
	eventBus event.EventCoordinator,
) Service {
	srv, err := pipeline.New(config, testTemplate(), inspector, &fakeRemuxer{}, &fakeTransferrer{}, &fakeSweeper{}, store, nil, eventBus)
	require.NoError(t, err)

	wg := sync.WaitGroup{}
	wg.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer wg.Done()
		assert.Nil(t, srv.Run(ctx))
	}()

	t.Cleanup(func() {
		fmt.Println("Waiting for service to close...")
		cancel()
		wg.Wait()
	})

	return srv
}

func startService(t *testing.T, config pipeline.Config, inspector *fakeInspector, store *fakeStore) Service {
	return startServiceWithBus(t, config, inspector, store, defaultEventBus)
}

func Test_NewFile_QueuedAndTroubledWhenUnreadable(t *testing.T) {
	t.Parallel()
	tempDir, files := helpers.TempDirWithNamedFiles(t, map[string]string{
		"Premam.2015.mkv": "",
		"notes.srt":       "",
	})

	inspector := &fakeInspector{err: &media.UnreadableContainerError{Path: files["Premam.2015.mkv"]}}
	srv := startService(t, testConfig(tempDir), inspector, newFakeStore())

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		all := srv.AllItems()
		assert.Len(c, all, 1)
		if len(all) != 1 {
			return
		}

		item := all[0]
		assert.Equal(c, files["Premam.2015.mkv"], item.Path)
		assert.Equal(c, pipeline.Troubled, item.State)
		if assert.NotNil(c, item.Trouble) {
			assert.Equal(c, pipeline.InspectFailure, item.Trouble.Type())
		}
	}, 2*time.Second, 100*time.Millisecond)

	// The subtitle file must never be queued; its extension is not eligible.
	for _, item := range srv.AllItems() {
		assert.NotEqual(t, files["notes.srt"], item.Path)
	}
}

func Test_NewFile_IgnoredIfLedgerAlreadyActive(t *testing.T) {
	t.Parallel()
	tempDir, files := helpers.TempDirWithNamedFiles(t, map[string]string{"known.mkv": ""})

	store := newFakeStore()
	store.seededPaths = []string{files["known.mkv"]}

	srv := startService(t, testConfig(tempDir), &fakeInspector{err: errExpected}, store)
	srv.DiscoverNewFiles()

	assert.Never(t, func() bool { return len(srv.AllItems()) > 0 }, 2*time.Second, 500*time.Millisecond)
}

func Test_NewFile_CorrectlyHeld(t *testing.T) {
	t.Parallel()
	tempDir, files := helpers.TempDirWithNamedFiles(t, map[string]string{"fresh.mkv": ""})

	config := testConfig(tempDir)
	config.RequiredModTimeAgeSeconds = 2
	inspector := &fakeInspector{err: errExpected}

	srv := startService(t, config, inspector, newFakeStore())

	// The file was written moments ago, so it must be held first.
	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		all := srv.AllItems()
		assert.Len(c, all, 1)
		if len(all) == 1 {
			assert.Equal(c, pipeline.ImportHold, all[0].State)
		}
	}, 1*time.Second, 100*time.Millisecond)

	// A forced resync must not duplicate or release the held item.
	srv.DiscoverNewFiles()
	all := srv.AllItems()
	require.Len(t, all, 1)
	assert.Equal(t, pipeline.ImportHold, all[0].State)
	assert.Equal(t, files["fresh.mkv"], all[0].Path)

	// Once the modtime threshold passes the hold timer releases the item
	// and the failing inspector troubles it.
	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		all := srv.AllItems()
		assert.Len(c, all, 1)
		if len(all) != 1 {
			return
		}

		item := all[0]
		assert.Equal(c, pipeline.Troubled, item.State)
		if assert.NotNil(c, item.Trouble) {
			assert.Equal(c, pipeline.GenericFailure, item.Trouble.Type())
			assert.Contains(c, item.Trouble.Error(), errExpected.Error())
		}
	}, 4*time.Second, 200*time.Millisecond)
}

func Test_PollsFilesystemPeriodically(t *testing.T) {
	t.Parallel()
	tempDir := t.TempDir()

	config := testConfig(tempDir)
	config.ForceSyncSeconds = 1
	store := newFakeStore()

	_ = startService(t, config, &fakeInspector{err: errExpected}, store)
	time.Sleep(4 * time.Second)
	assert.GreaterOrEqual(t, store.activeSourcePathsCalls(), 3, "expected repeated forced filesystem syncs")
}

func Test_ResolveTrouble_RetryRequeuesItem(t *testing.T) {
	t.Parallel()
	tempDir, _ := helpers.TempDirWithNamedFiles(t, map[string]string{"stubborn.mkv": ""})

	inspector := &fakeInspector{err: &media.UnreadableContainerError{Path: "stubborn.mkv"}}
	srv := startService(t, testConfig(tempDir), inspector, newFakeStore())

	var itemID uuid.UUID
	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		all := srv.AllItems()
		assert.Len(c, all, 1)
		if len(all) == 1 && all[0].State == pipeline.Troubled {
			itemID = all[0].ID
			return
		}
		assert.Fail(c, "item not yet troubled")
	}, 2*time.Second, 100*time.Millisecond)

	callsBeforeRetry := inspector.callCount()
	require.NoError(t, srv.ResolveTrouble(itemID, pipeline.Retry, nil))

	// The retry re-runs inspection, which persistently fails.
	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.Greater(c, inspector.callCount(), callsBeforeRetry)

		item := srv.Item(itemID)
		if assert.NotNil(c, item) {
			assert.Equal(c, pipeline.Troubled, item.State)
		}
	}, 2*time.Second, 100*time.Millisecond)
}

func Test_ResolveTrouble_ValidatesItemAndMethod(t *testing.T) {
	t.Parallel()
	tempDir, _ := helpers.TempDirWithNamedFiles(t, map[string]string{"broken.mkv": ""})

	inspector := &fakeInspector{err: &media.UnreadableContainerError{Path: "broken.mkv"}}
	srv := startService(t, testConfig(tempDir), inspector, newFakeStore())

	var itemID uuid.UUID
	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		all := srv.AllItems()
		assert.Len(c, all, 1)
		if len(all) == 1 && all[0].State == pipeline.Troubled {
			itemID = all[0].ID
			return
		}
		assert.Fail(c, "item not yet troubled")
	}, 2*time.Second, 100*time.Millisecond)

	assert.ErrorIs(t, srv.ResolveTrouble(uuid.New(), pipeline.Retry, nil), pipeline.ErrItemNotFound)
	assert.ErrorIs(t, srv.ResolveTrouble(itemID, pipeline.TransferOriginal, nil), pipeline.ErrResolutionIncompatible)
	assert.ErrorIs(t, srv.ResolveTrouble(itemID, pipeline.SpecifyLanguage, map[string]string{}), pipeline.ErrResolutionIncomplete)
}

func Test_ResolveTrouble_RejectedForUntroubledItem(t *testing.T) {
	t.Parallel()
	tempDir, _ := helpers.TempDirWithNamedFiles(t, map[string]string{"held.mkv": ""})

	config := testConfig(tempDir)
	config.RequiredModTimeAgeSeconds = 600

	srv := startService(t, config, &fakeInspector{}, newFakeStore())

	var itemID uuid.UUID
	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		all := srv.AllItems()
		assert.Len(c, all, 1)
		if len(all) == 1 {
			itemID = all[0].ID
			assert.Equal(c, pipeline.ImportHold, all[0].State)
		}
	}, 2*time.Second, 100*time.Millisecond)

	assert.ErrorIs(t, srv.ResolveTrouble(itemID, pipeline.Retry, nil), pipeline.ErrNoTrouble)
}

func Test_RemoveItem_DropsQueuedItem(t *testing.T) {
	t.Parallel()
	tempDir, _ := helpers.TempDirWithNamedFiles(t, map[string]string{"doomed.mkv": ""})

	inspector := &fakeInspector{err: errExpected}
	srv := startService(t, testConfig(tempDir), inspector, newFakeStore())

	var itemID uuid.UUID
	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		all := srv.AllItems()
		assert.Len(c, all, 1)
		if len(all) == 1 && all[0].State == pipeline.Troubled {
			itemID = all[0].ID
			return
		}
		assert.Fail(c, "item not yet troubled")
	}, 2*time.Second, 100*time.Millisecond)

	require.NoError(t, srv.RemoveItem(itemID))
	assert.Empty(t, srv.AllItems())
	assert.Nil(t, srv.Item(itemID))

	// Removing an unknown item is a no-op.
	assert.NoError(t, srv.RemoveItem(uuid.New()))
}
