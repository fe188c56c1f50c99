package batch

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/m-mizutani/intelbatch"
	"github.com/m-mizutani/intelbatch/pkg/adaptor"
	"github.com/m-mizutani/intelbatch/pkg/errors"
	"github.com/m-mizutani/intelbatch/pkg/logging"
	"github.com/m-mizutani/intelbatch/pkg/service"
	"golang.org/x/sync/semaphore"
)

var logger = logging.Logger

const (
	DefaultMaxChunkCount       = 5000
	DefaultMaxChunkBytes int64 = 75_000_000
	DefaultConcurrency         = 4
)

// Config is configuration of Engine
type Config struct {
	BaseURL    string
	HTTPClient adaptor.HTTPClient
	Settings   service.Settings

	// MaxChunkCount and MaxChunkBytes bound a chunk. Non-positive value means unlimited.
	MaxChunkCount int
	MaxChunkBytes int64
	// MemoryLimit is estimated bytes of records kept in memory. New records beyond the limit are
	// moved to the persistent container. 0 disables it.
	MemoryLimit int64
	// TwoStep submits Create jobs by job creation and data submission instead of one request
	TwoStep bool

	// WorkDir holds the persistent container and, unless Replay.Dir is set, local replay state.
	// A temporary directory is used if empty.
	WorkDir    string
	NewKVStore adaptor.KVStoreFactory

	SubmitHalt service.HaltMode
	UploadHalt service.HaltMode
	PollHalt   service.HaltMode
	Poller     service.PollerConfig
	Replay     service.ReplayServiceArguments

	Concurrency int

	// Optional notifications
	Alert    *service.AlertService
	Notifier *service.SNSService
	TopicARN string
}

// SubmitOptions controls SubmitAll and Replay
type SubmitOptions struct {
	Poll   bool
	Errors bool
	Halt   bool
}

// DefaultSubmitOptions polls jobs, fetches their errors and halts on errors
func DefaultSubmitOptions() SubmitOptions {
	return SubmitOptions{Poll: true, Errors: true, Halt: true}
}

// Callback receives result of a job submitted by SubmitAsync. It runs in a background goroutine.
type Callback func(result *service.BatchResult, err error)

// Engine stages records, splits them into chunks and submits the chunks to the batch API.
// Add and Submit methods must be called from one goroutine. Background work is limited to
// polling with callbacks and file uploads.
type Engine struct {
	config   Config
	store    *service.EntityStore
	batch    *service.BatchService
	poller   *service.Poller
	uploader *service.UploadService
	replay   *service.ReplayService
	executor *Executor
	inFlight *semaphore.Weighted

	tempDir   bool
	closeOnce sync.Once
	closeErr  error
}

// New is constructor of Engine
func New(config Config) (*Engine, error) {
	if config.HTTPClient == nil {
		return nil, errors.New("HTTPClient is required for Engine")
	}
	if config.BaseURL == "" {
		return nil, errors.New("BaseURL is required for Engine")
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}

	engine := &Engine{
		config:   config,
		executor: NewExecutor(config.Concurrency),
		inFlight: semaphore.NewWeighted(1),
	}

	if config.WorkDir == "" {
		dir, err := ioutil.TempDir("", "intelbatch-")
		if err != nil {
			return nil, errors.Wrap(err, "Failed to create work directory")
		}
		engine.config.WorkDir = dir
		engine.tempDir = true
	}

	replayArgs := config.Replay
	if replayArgs.Dir == "" {
		replayArgs.Dir = filepath.Join(engine.config.WorkDir, "replay")
	}
	replay, err := service.NewReplayService(replayArgs)
	if err != nil {
		engine.removeTempDir()
		return nil, err
	}
	if replayArgs.Replay {
		logger.Info().Str("dir", replayArgs.Dir).Msg("Replay mode is enabled")
	}

	engine.replay = replay
	engine.store = service.NewEntityStore(filepath.Join(engine.config.WorkDir, "store"), config.NewKVStore)
	engine.batch = service.NewBatchService(config.BaseURL, config.HTTPClient, config.SubmitHalt)

	pollerConfig := config.Poller
	pollerConfig.HaltMode = config.PollHalt
	engine.poller = service.NewPoller(engine.batch, pollerConfig)

	engine.uploader = service.NewUploadService(&service.UploadServiceArguments{
		BaseURL:    config.BaseURL,
		Owner:      config.Settings.Owner,
		HTTPClient: config.HTTPClient,
		HaltMode:   config.UploadHalt,
		Replay:     replay,
	})

	return engine, nil
}

func (x *Engine) removeTempDir() {
	if x.tempDir {
		if err := os.RemoveAll(x.config.WorkDir); err != nil {
			logger.Warn().Err(err).Str("dir", x.config.WorkDir).Msg("Failed to remove work directory")
		}
	}
}

// Store returns the underlying EntityStore
func (x *Engine) Store() *service.EntityStore { return x.store }

// Poller returns the poller shared by jobs of the engine
func (x *Engine) Poller() *service.Poller { return x.poller }

// AddGroup normalizes input and stores it. If a group with the same xid is already stored, the
// existing one is returned.
func (x *Engine) AddGroup(input intelbatch.GroupInput) (*intelbatch.Group, error) {
	group, err := intelbatch.NormalizeGroup(input)
	if err != nil {
		return nil, err
	}

	stored, size, err := x.store.UpsertGroup(group, true)
	if err != nil {
		return nil, err
	}
	if stored == group && x.overMemoryLimit(size) {
		if err := x.store.PersistGroup(group.Xid); err != nil {
			logger.Warn().Err(err).Str("xid", group.Xid).Msg("Failed to persist group, keep it in memory")
		}
	}
	return stored, nil
}

// AddIndicator works as AddGroup for indicators
func (x *Engine) AddIndicator(input intelbatch.IndicatorInput) (*intelbatch.Indicator, error) {
	indicator, err := intelbatch.NormalizeIndicator(input)
	if err != nil {
		return nil, err
	}

	stored, size, err := x.store.UpsertIndicator(indicator, true)
	if err != nil {
		return nil, err
	}
	if stored == indicator && x.overMemoryLimit(size) {
		if err := x.store.PersistIndicator(indicator.Xid); err != nil {
			logger.Warn().Err(err).Str("xid", indicator.Xid).Msg("Failed to persist indicator, keep it in memory")
		}
	}
	return stored, nil
}

func (x *Engine) overMemoryLimit(size int64) bool {
	return x.config.MemoryLimit > 0 && size > x.config.MemoryLimit
}

func (x *Engine) nextChunk() (*intelbatch.Chunk, error) {
	maxCount := x.config.MaxChunkCount
	if maxCount == 0 {
		maxCount = DefaultMaxChunkCount
	}
	maxBytes := x.config.MaxChunkBytes
	if maxBytes == 0 {
		maxBytes = DefaultMaxChunkBytes
	}
	return x.store.NextChunk(maxCount, maxBytes)
}

// submitChunk sends chunk by the method that the action requires. BatchID of result is set only
// for a queued job.
func (x *Engine) submitChunk(ctx context.Context, chunk *intelbatch.Chunk, halt, save bool) (*service.BatchResult, error) {
	settings := x.config.Settings
	settings.HaltOnError = halt
	result := &service.BatchResult{
		Action: settings.Action,
		Count:  chunk.Count(),
	}
	if result.Action == "" {
		result.Action = service.ActionCreate
	}

	if save {
		path, err := x.replay.SaveChunk(chunk)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to save chunk")
		}
		result.Saved = path
	}

	var status *service.BatchStatus
	var err error
	if result.Action == service.ActionDelete || x.config.TwoStep {
		status, err = x.batch.SubmitJobThenData(ctx, chunk, &settings, halt)
	} else {
		status, err = x.batch.SubmitCombined(ctx, chunk, &settings, halt)
	}
	if err != nil {
		return result, err
	}

	result.Status = status
	if status.Queued() {
		result.BatchID = status.ID
		result.State = service.PollSubmitted
	} else if status.Completed() {
		result.State = service.PollCompleted
	}

	logger.Info().Int64("batch_id", result.BatchID).Int("count", result.Count).
		Str("state", string(result.State)).Msg("Submitted chunk")
	return result, nil
}

// accepted returns true if the platform accepted the chunk
func accepted(result *service.BatchResult) bool {
	return result.Status != nil && (result.Status.Queued() || result.Status.Completed())
}

// track polls a queued job and screens its errors. Fatal errors are alerted.
func (x *Engine) track(ctx context.Context, result *service.BatchResult, opts SubmitOptions) error {
	if err := x.trackJob(ctx, result, opts); err != nil {
		x.alert(err, result)
		return err
	}
	return nil
}

func (x *Engine) trackJob(ctx context.Context, result *service.BatchResult, opts SubmitOptions) error {
	status := result.Status
	if status == nil {
		return nil
	}

	if status.Queued() && opts.Poll {
		polled, err := x.poller.Poll(ctx, status.ID, result.Count, opts.Halt)
		result.State = polled.State
		if polled.Status != nil {
			result.Status = polled.Status
		}
		if err != nil {
			return err
		}
	}

	if !opts.Errors || !result.Status.HasErrors() {
		return nil
	}

	// a synchronous job reports errors inline
	batchErrs := result.Status.Errors
	if result.BatchID != 0 && result.State == service.PollCompleted {
		fetched, err := x.poller.Errors(ctx, result.BatchID, opts.Halt)
		if fetched != nil {
			batchErrs = fetched
		}
		if err != nil {
			result.Errors = batchErrs
			x.saveErrors(result)
			return err
		}
	}

	result.Errors = batchErrs
	x.saveErrors(result)
	return service.CheckCritical(result.BatchID, batchErrs)
}

func (x *Engine) saveErrors(result *service.BatchResult) {
	if err := x.replay.SaveErrors(result.BatchID, result.Errors); err != nil {
		logger.Warn().Err(err).Int64("batch_id", result.BatchID).Msg("Failed to save batch errors")
	}
}

func (x *Engine) alert(err error, result *service.BatchResult) {
	code := service.ErrorCodeOf(err)
	if code != service.CodeCriticalFailure && code != service.CodePollTimeout {
		return
	}
	if x.config.Alert == nil {
		return
	}

	alert := service.NewAlert(err, result.BatchID, x.config.Settings.Owner, result.Count)
	if e := x.config.Alert.EmitToSlack(alert); e != nil {
		logger.Error().Err(e).Msg("Failed to emit alert")
	}
}

func (x *Engine) notify(result *service.BatchResult) {
	if x.config.Notifier == nil || x.config.TopicARN == "" {
		return
	}
	if err := x.config.Notifier.PublishResult(x.config.TopicARN, result); err != nil {
		logger.Warn().Err(err).Int64("batch_id", result.BatchID).Msg("Failed to publish result")
	}
}

func (x *Engine) uploadable(chunk *intelbatch.Chunk, result *service.BatchResult) bool {
	return len(chunk.Files) > 0 && result.Action != service.ActionDelete && accepted(result)
}

// finish uploads files of a tracked chunk and then publishes the result
func (x *Engine) finish(ctx context.Context, chunk *intelbatch.Chunk, result *service.BatchResult, halt bool) error {
	var err error
	if x.uploadable(chunk, result) {
		result.Uploads, err = x.uploader.UploadFiles(ctx, chunk.Files, halt)
	}
	x.notify(result)
	return err
}

// scheduleFinish runs finish in background when there are files to upload. result must not be
// read until the executor is waited.
func (x *Engine) scheduleFinish(ctx context.Context, chunk *intelbatch.Chunk, result *service.BatchResult, halt bool) {
	if !x.uploadable(chunk, result) {
		x.notify(result)
		return
	}
	x.executor.Go("upload", func() error {
		return x.finish(ctx, chunk, result, halt)
	})
}

// acquire waits until no other chunk is being submitted or tracked
func (x *Engine) acquire(ctx context.Context) error {
	if err := x.inFlight.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "Failed to wait for job in flight")
	}
	return nil
}

// process submits and tracks chunk, then releases inFlight that the caller acquired
func (x *Engine) process(ctx context.Context, chunk *intelbatch.Chunk, opts SubmitOptions, save bool) (*service.BatchResult, error) {
	defer x.inFlight.Release(1)

	result, err := x.submitChunk(ctx, chunk, opts.Halt, save)
	if err != nil {
		return result, err
	}
	if err := x.track(ctx, result, opts); err != nil {
		return result, err
	}
	return result, nil
}

// Submit extracts one chunk and submits it. The job is polled, its errors are checked and its
// files are uploaded before Submit returns. nil result means there is no record to submit.
func (x *Engine) Submit(ctx context.Context, halt bool) (*service.BatchResult, error) {
	if err := x.acquire(ctx); err != nil {
		return nil, err
	}
	chunk, err := x.nextChunk()
	if err != nil || chunk.Empty() {
		x.inFlight.Release(1)
		return nil, err
	}

	result, err := x.process(ctx, chunk, SubmitOptions{Poll: true, Errors: true, Halt: halt}, true)
	if err != nil {
		return result, err
	}
	if err := x.finish(ctx, chunk, result, halt); err != nil {
		return result, err
	}
	return result, nil
}

// SubmitAll submits chunks until the store is empty, then waits for file uploads. It stops at the
// first fatal error.
func (x *Engine) SubmitAll(ctx context.Context, opts SubmitOptions) ([]*service.BatchResult, error) {
	var results []*service.BatchResult
	for {
		if err := x.acquire(ctx); err != nil {
			_ = x.executor.Wait()
			return results, err
		}
		chunk, err := x.nextChunk()
		if err != nil || chunk.Empty() {
			x.inFlight.Release(1)
			if err != nil {
				_ = x.executor.Wait()
				return results, err
			}
			break
		}

		result, err := x.process(ctx, chunk, opts, true)
		results = append(results, result)
		if err != nil {
			_ = x.executor.Wait()
			return results, err
		}
		x.scheduleFinish(ctx, chunk, result, opts.Halt)
	}

	if err := x.executor.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// SubmitAsync submits one chunk and returns without waiting for the job. Polling, error check and
// file upload run in background and callback receives the result. Only one job is in flight: a
// call, as well as Submit, SubmitAll and Replay, blocks until the previous job's callback returns. false is returned if no record remains.
func (x *Engine) SubmitAsync(ctx context.Context, halt bool, callback Callback) (bool, error) {
	if err := x.acquire(ctx); err != nil {
		return false, err
	}

	chunk, err := x.nextChunk()
	if err != nil || chunk.Empty() {
		x.inFlight.Release(1)
		return false, err
	}

	opts := SubmitOptions{Poll: true, Errors: true, Halt: halt}
	result, err := x.submitChunk(ctx, chunk, halt, true)
	if err != nil {
		x.inFlight.Release(1)
		return true, err
	}

	x.executor.Go("poll", func() error {
		defer x.inFlight.Release(1)

		err := x.track(ctx, result, opts)
		if err == nil {
			err = x.finish(ctx, chunk, result, halt)
		}
		invoke(callback, result, err)
		return nil
	})
	return true, nil
}

func invoke(callback Callback, result *service.BatchResult, err error) {
	if callback == nil {
		if err != nil {
			logger.Error().Err(err).Int64("batch_id", result.BatchID).Msg("Batch job failed")
		}
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Int64("batch_id", result.BatchID).Msg("Panic in callback")
		}
	}()
	callback(result, err)
}

// Wait blocks until background jobs and uploads finish
func (x *Engine) Wait() error {
	return x.executor.Wait()
}

// Replay submits chunks saved by a previous run. Attachments already uploaded are skipped.
func (x *Engine) Replay(ctx context.Context, opts SubmitOptions) ([]*service.BatchResult, error) {
	saved, err := x.replay.LoadChunks()
	if err != nil {
		return nil, err
	}

	var results []*service.BatchResult
	for _, s := range saved {
		logger.Info().Str("path", s.Path).Int("count", s.Chunk.Count()).Msg("Replay chunk")
		if err := x.acquire(ctx); err != nil {
			_ = x.executor.Wait()
			return results, err
		}
		result, err := x.process(ctx, s.Chunk, opts, false)
		results = append(results, result)
		if err != nil {
			_ = x.executor.Wait()
			return results, err
		}
		x.scheduleFinish(ctx, s.Chunk, result, opts.Halt)
	}

	if err := x.executor.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// Close waits for background work, then releases the persistent container and local state. The
// work directory is kept in replay mode.
func (x *Engine) Close() error {
	x.closeOnce.Do(func() {
		if err := x.executor.Wait(); err != nil {
			logger.Warn().Err(err).Msg("Background task failed before close")
		}

		keep := x.replay.Replaying()
		if err := x.store.Close(keep); err != nil {
			x.closeErr = err
		}
		if err := x.replay.Close(); err != nil && x.closeErr == nil {
			x.closeErr = err
		}
		if !keep {
			x.removeTempDir()
		}
	})
	return x.closeErr
}
