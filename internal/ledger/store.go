package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/varkey/ferryman/internal/database"
	"github.com/varkey/ferryman/internal/media"
	"github.com/varkey/ferryman/pkg/logger"
)

var (
	ErrRecordNotFound     = errors.New("pipeline record does not exist")
	ErrAlreadyActive      = errors.New("an active pipeline record already exists for this source path")
	ErrTransitionRejected = errors.New("pipeline state transition rejected")
)

var log = logger.Get("Ledger")

const uniqueViolation = pq.ErrorCode("23505")

// Store persists pipeline records and their append-only event history.
// Every method accepts a Queryable so callers can compose multiple
// mutations in one WrapTx transaction; the state transition itself is a
// compare-and-set on the state column and is the pipeline's only
// mutual-exclusion mechanism.
type Store struct{}

func NewStore() *Store { return &Store{} }

// Create inserts a new DISCOVERED record for the given source path.
// The partial unique index on active source paths makes concurrent
// discovery safe: the loser receives ErrAlreadyActive.
func (store *Store) Create(db database.Queryable, sourcePath string) (*Record, error) {
	id := uuid.New()
	_, err := db.Exec(`
		INSERT INTO pipeline_records(id, source_path, state)
		VALUES ($1, $2, $3)
	`, id, sourcePath, StateDiscovered)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, ErrAlreadyActive
		}

		return nil, fmt.Errorf("failed to insert pipeline record: %w", err)
	}

	if err := store.appendEvent(db, id, nil, StateDiscovered, ""); err != nil {
		return nil, err
	}

	return store.Get(db, id)
}

func (store *Store) Get(db database.Queryable, id uuid.UUID) (*Record, error) {
	query, args, err := selectRecordBuilder().Where("id = ?", id).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct select record query: %w", err)
	}

	var record Record
	if err := db.Get(&record, db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}

		return nil, err
	}

	return &record, nil
}

// ActiveBySourcePath returns the single non-terminal record for a
// source path, or ErrRecordNotFound when the path is not in flight.
func (store *Store) ActiveBySourcePath(db database.Queryable, sourcePath string) (*Record, error) {
	query, args, err := selectRecordBuilder().
		Where("source_path = ?", sourcePath).
		Where(squirrel.NotEq{"state": terminalStateStrings()}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct active record query: %w", err)
	}

	var record Record
	if err := db.Get(&record, db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}

		return nil, err
	}

	return &record, nil
}

// Outstanding lists every non-terminal record, oldest first. Consumed
// on startup to resume work left behind by a crash.
func (store *Store) Outstanding(db database.Queryable) ([]*Record, error) {
	query, args, err := selectRecordBuilder().
		Where(squirrel.NotEq{"state": terminalStateStrings()}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct outstanding records query: %w", err)
	}

	var records []*Record
	if err := db.Select(&records, db.Rebind(query), args...); err != nil {
		return nil, err
	}

	return records, nil
}

// ActiveSourcePaths lists the source paths of every non-terminal
// record. Discovery uses this to avoid re-queueing files the pipeline
// is already working on.
func (store *Store) ActiveSourcePaths(db database.Queryable) ([]string, error) {
	query, args, err := squirrel.
		Select("source_path").
		From("pipeline_records").
		Where(squirrel.NotEq{"state": terminalStateStrings()}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct active source paths query: %w", err)
	}

	var paths []string
	if err := db.Select(&paths, db.Rebind(query), args...); err != nil {
		return nil, err
	}

	return paths, nil
}

func (store *Store) ListByState(db database.Queryable, state State) ([]*Record, error) {
	query, args, err := selectRecordBuilder().
		Where("state = ?", state).
		OrderBy("updated_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct list records query: %w", err)
	}

	var records []*Record
	if err := db.Select(&records, db.Rebind(query), args...); err != nil {
		return nil, err
	}

	return records, nil
}

// Transition moves a record from one state to another via a single
// compare-and-set UPDATE. It returns the state the record is actually
// in afterwards: the requested state on success, or the current state
// alongside ErrTransitionRejected when the edge is illegal or another
// worker moved the record first. A rejected transition mutates nothing.
func (store *Store) Transition(db database.Queryable, id uuid.UUID, from State, to State, detail string) (State, error) {
	if !from.CanTransitionTo(to) {
		current := from
		if record, err := store.Get(db, id); err == nil {
			current = record.State
		}

		return current, ErrTransitionRejected
	}

	builder := squirrel.Update("pipeline_records").
		Set("state", string(to)).
		Set("updated_at", squirrel.Expr("current_timestamp")).
		Where(squirrel.Eq{"id": id, "state": string(from)})
	if to.recordsLastError() && detail != "" {
		builder = builder.Set("last_error", detail)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return from, fmt.Errorf("failed to construct transition query: %w", err)
	}

	result, err := db.Exec(db.Rebind(query), args...)
	if err != nil {
		return from, fmt.Errorf("failed to transition record %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return from, err
	}
	if affected == 0 {
		record, getErr := store.Get(db, id)
		if getErr != nil {
			return from, getErr
		}

		log.Emit(logger.DEBUG, "Transition %s -> %s rejected for record %s (currently %s)\n", from, to, id, record.State)
		return record.State, ErrTransitionRejected
	}

	if err := store.appendEvent(db, id, &from, to, detail); err != nil {
		return to, err
	}

	return to, nil
}

// RecordClassification stores the classifier's verdict on the record.
func (store *Store) RecordClassification(db database.Queryable, id uuid.UUID, file *media.MediaFile) error {
	builder := squirrel.Update("pipeline_records").
		Set("kind", file.Kind).
		Set("language", file.Language).
		Set("title", file.Title).
		Set("season", nullableInt(file.Season)).
		Set("episode", nullableInt(file.Episode)).
		Set("resolution", nullableString(file.Resolution)).
		Set("updated_at", squirrel.Expr("current_timestamp")).
		Where(squirrel.Eq{"id": id})
	if file.Hash != "" {
		builder = builder.Set("content_hash", file.Hash)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("failed to construct classification update: %w", err)
	}

	_, err = db.Exec(db.Rebind(query), args...)
	return err
}

func (store *Store) SetDestination(db database.Queryable, id uuid.UUID, destinationPath string) error {
	_, err := db.Exec(`UPDATE pipeline_records SET destination_path=$1, updated_at=current_timestamp WHERE id=$2`, destinationPath, id)
	return err
}

func (store *Store) SetRemuxPath(db database.Queryable, id uuid.UUID, remuxPath string) error {
	_, err := db.Exec(`UPDATE pipeline_records SET remux_path=$1, updated_at=current_timestamp WHERE id=$2`, remuxPath, id)
	return err
}

func (store *Store) ClearRemuxPath(db database.Queryable, id uuid.UUID) error {
	_, err := db.Exec(`UPDATE pipeline_records SET remux_path=NULL, updated_at=current_timestamp WHERE id=$1`, id)
	return err
}

// RecordTransferProgress checkpoints the flushed byte offset of an
// in-flight transfer. The guard on state means a checkpoint arriving
// after the record moved on is silently dropped rather than corrupting
// a later state.
func (store *Store) RecordTransferProgress(db database.Queryable, id uuid.UUID, bytesTransferred int64) error {
	_, err := db.Exec(`
		UPDATE pipeline_records SET bytes_transferred=$1, updated_at=current_timestamp
		WHERE id=$2 AND state=$3
	`, bytesTransferred, id, StateTransferring)
	return err
}

// RecordTransferResult stores the final accounting of a transfer,
// successful or not.
func (store *Store) RecordTransferResult(db database.Queryable, id uuid.UUID, attempts int, bytesTransferred int64, checksum string) error {
	_, err := db.Exec(`
		UPDATE pipeline_records
		SET attempt_count=$1, bytes_transferred=$2, checksum=NULLIF($3, ''), updated_at=current_timestamp
		WHERE id=$4
	`, attempts, bytesTransferred, checksum, id)
	return err
}

// History returns the record's events oldest first.
func (store *Store) History(db database.Queryable, id uuid.UUID) ([]Event, error) {
	var events []Event
	if err := db.Select(&events, `SELECT * FROM pipeline_events WHERE record_id=$1 ORDER BY id ASC`, id); err != nil {
		return nil, err
	}

	return events, nil
}

// recordWithHistoryModel carries the JSONB aggregated event rows
// alongside the record columns; the container type is hidden from the
// public API.
type recordWithHistoryModel struct {
	Record
	Events database.JsonColumn[[]Event] `db:"events"`
}

// RecordWithHistory is the read model consumed by dashboards: the
// record and its full event trail in one round trip.
type RecordWithHistory struct {
	Record
	Events []Event
}

func (store *Store) GetWithHistory(db database.Queryable, id uuid.UUID) (*RecordWithHistory, error) {
	query, args, err := squirrel.
		Select(
			"pipeline_records.*",
			"COALESCE(JSONB_AGG(pipeline_events ORDER BY pipeline_events.id) FILTER (WHERE pipeline_events.id IS NOT NULL), '[]') AS events",
		).
		From("pipeline_records").
		LeftJoin("pipeline_events ON pipeline_events.record_id = pipeline_records.id").
		Where("pipeline_records.id = ?", id).
		GroupBy("pipeline_records.id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct record history query: %w", err)
	}

	var model recordWithHistoryModel
	if err := db.Get(&model, db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}

		return nil, err
	}

	out := &RecordWithHistory{Record: model.Record}
	if events := model.Events.Get(); events != nil {
		out.Events = *events
	}

	return out, nil
}

type statsModel struct {
	Counts           database.JsonColumn[map[State]int] `db:"counts"`
	BytesTransferred int64                              `db:"bytes_transferred"`
}

// Statistics aggregates record counts per state plus total transferred
// bytes.
func (store *Store) Statistics(db database.Queryable) (*Stats, error) {
	var model statsModel
	err := db.Get(&model, `
		SELECT
			COALESCE(JSONB_OBJECT_AGG(grouped.state, grouped.cnt) FILTER (WHERE grouped.state IS NOT NULL), '{}') AS counts,
			COALESCE(SUM(grouped.bytes), 0)::BIGINT AS bytes_transferred
		FROM (
			SELECT state, COUNT(*) AS cnt, SUM(bytes_transferred) AS bytes
			FROM pipeline_records
			GROUP BY state
		) grouped
	`)
	if err != nil {
		return nil, err
	}

	stats := &Stats{Counts: map[State]int{}, BytesTransferred: model.BytesTransferred}
	if counts := model.Counts.Get(); counts != nil {
		stats.Counts = *counts
	}

	return stats, nil
}

// PurgeTerminal deletes terminal records last touched before the
// cutoff, cascading their events. Returns the number of records purged.
func (store *Store) PurgeTerminal(db database.Queryable, before time.Time) (int64, error) {
	query, args, err := squirrel.
		Delete("pipeline_records").
		Where(squirrel.Eq{"state": terminalStateStrings()}).
		Where("updated_at < ?", before).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to construct purge query: %w", err)
	}

	result, err := db.Exec(db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

func (store *Store) appendEvent(db database.Queryable, id uuid.UUID, from *State, to State, detail string) error {
	_, err := db.Exec(`
		INSERT INTO pipeline_events(record_id, from_state, to_state, detail)
		VALUES ($1, $2, $3, NULLIF($4, ''))
	`, id, from, to, detail)
	if err != nil {
		return fmt.Errorf("failed to append pipeline event: %w", err)
	}

	return nil
}

func selectRecordBuilder() squirrel.SelectBuilder {
	return squirrel.Select("*").From("pipeline_records")
}

func terminalStateStrings() []string {
	states := TerminalStates()
	out := make([]string, len(states))
	for i, state := range states {
		out[i] = string(state)
	}

	return out
}

func nullableInt(v int) any {
	if v < 0 {
		return nil
	}

	return v
}

func nullableString(v string) any {
	if v == "" || v == "unknown" {
		return nil
	}

	return v
}
