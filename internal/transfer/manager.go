package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/varkey/ferryman/pkg/logger"
)

// Stage is the per-attempt protocol state of a transfer. Stages are
// reported through the progress callback; the ledger's states are a
// separate, coarser machine.
type Stage string

const (
	StagePending    Stage = "PENDING"
	StageConnecting Stage = "CONNECTING"
	StageWriting    Stage = "WRITING"
	StageVerifying  Stage = "VERIFYING"
	StageConfirmed  Stage = "CONFIRMED"
	StageFailed     Stage = "FAILED"
)

type (
	// Request describes one file to place on the share. Resume carries
	// the ledger's last known flushed offset; the remote partial file
	// remains the ground truth and is consulted on every attempt.
	Request struct {
		LocalPath  string
		RemotePath string
		Resume     int64
	}

	// Result reports the outcome of a transfer. It is returned for
	// failed transfers too, so callers can persist the attempt count
	// and flushed byte offset.
	Result struct {
		BytesTransferred int64
		Checksum         string
		Attempts         int
		AlreadyPresent   bool
	}

	Progress struct {
		Stage            Stage
		Attempt          int
		BytesTransferred int64
		TotalBytes       int64
	}

	ProgressFunc func(Progress)

	Config struct {
		Connection     ConnectionConfig `yaml:"connection"`
		ChunkSizeKB    int              `yaml:"chunk_size_kb" env:"FERRYMAN_TRANSFER_CHUNK_KB" env-default:"1024"`
		ProgressEvery  int              `yaml:"progress_every_kb" env:"FERRYMAN_TRANSFER_PROGRESS_KB" env-default:"65536"`
		MaxAttempts    int              `yaml:"max_attempts" env:"FERRYMAN_TRANSFER_MAX_ATTEMPTS" env-default:"0"`
		BackoffBase    time.Duration    `yaml:"backoff_base" env:"FERRYMAN_TRANSFER_BACKOFF_BASE" env-default:"500ms"`
		BackoffCeiling time.Duration    `yaml:"backoff_ceiling" env:"FERRYMAN_TRANSFER_BACKOFF_CEILING" env-default:"30s"`
		PoolSize       int              `yaml:"pool_size" env:"FERRYMAN_TRANSFER_POOL_SIZE" env-default:"2"`
	}
)

var log = logger.Get("Transfer")

// Manager copies local files on to the remote share with bounded
// retries, resumable writes and end-to-end checksum verification.
// Sessions are pooled and handed to one transfer at a time; a session
// suspected of being broken is discarded rather than returned.
type Manager struct {
	config Config
	dialer Dialer
	idle   chan Share
}

func NewManager(config Config, dialer Dialer) *Manager {
	poolSize := config.PoolSize
	if poolSize <= 0 {
		poolSize = 1
	}

	return &Manager{config: config, dialer: dialer, idle: make(chan Share, poolSize)}
}

// Close tears down all pooled sessions. In-flight transfers must have
// finished before calling this.
func (manager *Manager) Close() {
	for {
		select {
		case share := <-manager.idle:
			if err := share.Close(); err != nil {
				log.Emit(logger.WARNING, "Failed to close pooled share session: %v\n", err)
			}
		default:
			return
		}
	}
}

// Transfer runs the PENDING -> CONNECTING -> WRITING -> VERIFYING
// protocol for one file, retrying per the static RetryPolicy. The
// returned Result is non-nil even on failure so the caller can record
// attempts and flushed bytes. An already-confirmed remote copy is
// detected and reported without rewriting anything.
func (manager *Manager) Transfer(ctx context.Context, request Request, onProgress ProgressFunc) (*Result, error) {
	result := &Result{}

	localInfo, err := os.Stat(request.LocalPath)
	if err != nil {
		result.Attempts = 1
		return result, err
	}
	totalBytes := localInfo.Size()

	localHash, err := HashFile(request.LocalPath)
	if err != nil {
		result.Attempts = 1
		return result, err
	}

	report := func(stage Stage, attempt int, bytes int64) {
		if onProgress != nil {
			onProgress(Progress{Stage: stage, Attempt: attempt, BytesTransferred: bytes, TotalBytes: totalBytes})
		}
	}

	log.Emit(logger.INFO, "Transferring %s -> %s (%d bytes, resume hint %d)\n", request.LocalPath, request.RemotePath, totalBytes, request.Resume)
	report(StagePending, 0, request.Resume)

	attempt := 0
	for {
		attempt++
		result.Attempts = attempt

		outcome, err := manager.attempt(ctx, request, localHash, totalBytes, attempt, report)
		result.BytesTransferred = outcome.bytesFlushed
		if err == nil {
			result.Checksum = outcome.checksum
			result.AlreadyPresent = outcome.alreadyPresent
			report(StageConfirmed, attempt, totalBytes)
			log.Emit(logger.SUCCESS, "Transfer of %s confirmed (checksum %.12s, attempts %d)\n", request.RemotePath, result.Checksum, attempt)
			return result, nil
		}

		kind := KindOf(err)
		rule := ruleFor(kind)
		maxAttempts := rule.MaxAttempts
		if rule.Retryable && manager.config.MaxAttempts > 0 {
			maxAttempts = manager.config.MaxAttempts
		}

		if !rule.Retryable || attempt >= maxAttempts {
			report(StageFailed, attempt, outcome.bytesFlushed)
			log.Emit(logger.ERROR, "Transfer of %s failed (%s) after %d attempt(s): %v\n", request.RemotePath, kind, attempt, err)
			return result, err
		}

		delay := manager.backoffDelay(attempt)
		log.Emit(logger.WARNING, "Transfer attempt %d/%d for %s failed (%s), retrying in %s: %v\n", attempt, maxAttempts, request.RemotePath, kind, delay, err)
		select {
		case <-ctx.Done():
			report(StageFailed, attempt, outcome.bytesFlushed)
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}
}

type attemptOutcome struct {
	bytesFlushed   int64
	checksum       string
	alreadyPresent bool
}

func (manager *Manager) attempt(ctx context.Context, request Request, localHash string, totalBytes int64, attempt int, report func(Stage, int, int64)) (outcome attemptOutcome, retErr error) {
	outcome.bytesFlushed = request.Resume

	report(StageConnecting, attempt, outcome.bytesFlushed)
	share, err := manager.acquire(ctx)
	if err != nil {
		return outcome, err
	}
	defer func() {
		kind := KindOf(retErr)
		manager.release(share, kind != FailureConnection && kind != FailureRemoteWrite)
	}()

	// Idempotent re-entry: a matching destination means a previous run
	// completed after its last ledger commit.
	if info, statErr := share.Stat(request.RemotePath); statErr == nil && info.Size() >= totalBytes {
		report(StageVerifying, attempt, totalBytes)
		remoteHash, hashErr := manager.hashRemote(share, request.RemotePath, info.Size())
		if hashErr != nil {
			return outcome, &ConnectionFailedError{Server: manager.server(), err: hashErr}
		}
		if remoteHash == localHash {
			if _, partErr := share.Stat(request.RemotePath + ".part"); partErr == nil {
				_ = share.Remove(request.RemotePath + ".part")
			}

			outcome.bytesFlushed = totalBytes
			outcome.checksum = localHash
			outcome.alreadyPresent = true
			return outcome, nil
		}
	}

	if dir := path.Dir(request.RemotePath); dir != "." && dir != "/" {
		if err := share.MkdirAll(dir, 0755); err != nil {
			return outcome, &RemoteWriteFailedError{Path: dir, err: err}
		}
	}

	partPath := request.RemotePath + ".part"
	offset := int64(0)
	if info, statErr := share.Stat(partPath); statErr == nil {
		offset = info.Size()
		if offset > totalBytes {
			// Leftover from a different source file; start over.
			offset = 0
		}
	}
	if offset != request.Resume {
		log.Emit(logger.DEBUG, "Resume offset for %s is %d (remote partial), ledger hint was %d\n", request.RemotePath, offset, request.Resume)
	}
	outcome.bytesFlushed = offset

	local, err := os.Open(request.LocalPath)
	if err != nil {
		return outcome, err
	}
	defer local.Close()

	remote, err := share.OpenFile(partPath, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return outcome, &RemoteWriteFailedError{Path: partPath, err: err}
	}
	closed := false
	defer func() {
		if !closed {
			remote.Close()
		}
	}()

	report(StageWriting, attempt, offset)
	buffer := make([]byte, manager.chunkSize())
	reader := io.NewSectionReader(local, offset, totalBytes-offset)
	nextReport := offset + manager.progressStride()

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return outcome, ctxErr
		}

		n, readErr := reader.Read(buffer)
		if n > 0 {
			written, writeErr := remote.WriteAt(buffer[:n], offset)
			offset += int64(written)
			outcome.bytesFlushed = offset
			if writeErr != nil {
				return outcome, &RemoteWriteFailedError{Path: partPath, err: writeErr}
			}

			if offset >= nextReport {
				report(StageWriting, attempt, offset)
				nextReport = offset + manager.progressStride()
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return outcome, readErr
		}
	}

	if err := remote.Close(); err != nil {
		return outcome, &RemoteWriteFailedError{Path: partPath, err: err}
	}
	closed = true

	report(StageVerifying, attempt, offset)
	info, err := share.Stat(partPath)
	if err != nil {
		return outcome, &ConnectionFailedError{Server: manager.server(), err: err}
	}
	if info.Size() != totalBytes {
		return outcome, &RemoteWriteFailedError{Path: partPath, err: fmt.Errorf("remote has %d bytes, expected %d", info.Size(), totalBytes)}
	}

	remoteHash, err := manager.hashRemote(share, partPath, totalBytes)
	if err != nil {
		return outcome, &ConnectionFailedError{Server: manager.server(), err: err}
	}
	if remoteHash != localHash {
		// The partial is provably corrupt, keeping it would poison the
		// next attempt's resume offset.
		if removeErr := share.Remove(partPath); removeErr != nil {
			log.Emit(logger.WARNING, "Failed to remove corrupt partial %s: %v\n", partPath, removeErr)
		}
		return outcome, &ChecksumMismatchError{Path: request.RemotePath, Expected: localHash, Actual: remoteHash}
	}

	if _, statErr := share.Stat(request.RemotePath); statErr == nil {
		if err := share.Remove(request.RemotePath); err != nil {
			return outcome, &RemoteWriteFailedError{Path: request.RemotePath, err: err}
		}
	}
	if err := share.Rename(partPath, request.RemotePath); err != nil {
		return outcome, &RemoteWriteFailedError{Path: request.RemotePath, err: err}
	}

	outcome.bytesFlushed = totalBytes
	outcome.checksum = localHash
	return outcome, nil
}

func (manager *Manager) hashRemote(share Share, p string, size int64) (string, error) {
	file, err := share.OpenFile(p, os.O_RDONLY, 0)
	if err != nil {
		return "", err
	}
	defer file.Close()

	return HashReader(io.NewSectionReader(file, 0, size))
}

func (manager *Manager) acquire(ctx context.Context) (Share, error) {
	select {
	case share := <-manager.idle:
		return share, nil
	default:
	}

	return manager.dialer.Dial(ctx)
}

func (manager *Manager) release(share Share, healthy bool) {
	if !healthy {
		share.Close()
		return
	}

	select {
	case manager.idle <- share:
	default:
		share.Close()
	}
}

func (manager *Manager) chunkSize() int {
	if manager.config.ChunkSizeKB <= 0 {
		return 1 << 20
	}

	return manager.config.ChunkSizeKB << 10
}

func (manager *Manager) progressStride() int64 {
	if manager.config.ProgressEvery <= 0 {
		return 64 << 20
	}

	return int64(manager.config.ProgressEvery) << 10
}

func (manager *Manager) backoffDelay(attempt int) time.Duration {
	base := manager.config.BackoffBase
	if base <= 0 {
		base = time.Millisecond * 500
	}
	ceiling := manager.config.BackoffCeiling
	if ceiling <= 0 {
		ceiling = time.Second * 30
	}

	shift := attempt - 1
	if shift > 10 {
		shift = 10
	}

	delay := base << shift
	if delay > ceiling || delay <= 0 {
		delay = ceiling
	}

	return delay
}

func (manager *Manager) server() string {
	return manager.config.Connection.address()
}
