package service

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/intelbatch/pkg/errors"
)

// PollState is state of a polled batch job
type PollState string

const (
	PollSubmitted PollState = "Submitted"
	PollPolling   PollState = "Polling"
	PollCompleted PollState = "Completed"
	PollTimedOut  PollState = "TimedOut"
	PollFailed    PollState = "Failed"
)

// SleepFunc blocks for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PollerConfig tunes polling cadence. Zero values are replaced with defaults.
type PollerConfig struct {
	RetryBase     time.Duration
	BackoffFactor float64
	MaxInterval   time.Duration
	MinInterval   time.Duration
	Timeout       time.Duration
	HaltMode      HaltMode
	Sleep         SleepFunc
}

const (
	DefaultPollRetryBase     = 5 * time.Second
	DefaultPollBackoffFactor = 2.5
	DefaultPollMaxInterval   = 20 * time.Second
	DefaultPollMinInterval   = time.Second
	DefaultPollTimeout       = time.Hour

	defaultStartInterval = 15 * time.Second
	minStartInterval     = 5 * time.Second
	recordsPerSecond     = 300

	latencyHistory     = 5
	latencyScale       = 0.7
	latencyWeightGrow  = 1.5
	firstPollReduction = 0.85
)

func (x PollerConfig) withDefaults() PollerConfig {
	if x.RetryBase <= 0 {
		x.RetryBase = DefaultPollRetryBase
	}
	if x.BackoffFactor <= 0 {
		x.BackoffFactor = DefaultPollBackoffFactor
	}
	if x.MaxInterval <= 0 {
		x.MaxInterval = DefaultPollMaxInterval
	}
	if x.MinInterval <= 0 {
		x.MinInterval = DefaultPollMinInterval
	}
	if x.Timeout <= 0 {
		x.Timeout = DefaultPollTimeout
	}
	if x.Sleep == nil {
		x.Sleep = sleepContext
	}
	return x
}

// PollResult is outcome of Poll
type PollResult struct {
	Status  *BatchStatus
	State   PollState
	Polls   int
	Elapsed time.Duration
}

// Poller waits for completion of batch jobs. The starting interval of a job is learned from
// completion latency of previous jobs, so one Poller should be shared by jobs of an engine.
type Poller struct {
	batch  *BatchService
	config PollerConfig

	mutex     sync.Mutex
	interval  time.Duration
	latencies []time.Duration
}

// NewPoller is constructor of Poller
func NewPoller(batch *BatchService, config PollerConfig) *Poller {
	return &Poller{
		batch:  batch,
		config: config.withDefaults(),
	}
}

// Interval returns starting interval for the next job. 0 means not learned yet.
func (x *Poller) Interval() time.Duration {
	x.mutex.Lock()
	defer x.mutex.Unlock()
	return x.interval
}

func (x *Poller) startInterval(recordCount int) time.Duration {
	if learned := x.Interval(); learned > 0 {
		return learned
	}
	if recordCount <= 0 {
		return defaultStartInterval
	}

	d := time.Duration(math.Ceil(float64(recordCount)/recordsPerSecond)) * time.Second
	if d < minStartInterval {
		d = minStartInterval
	}
	return d
}

// learn updates starting interval of the next job by weighted average of recent latencies.
// Newer latency has a larger weight.
func (x *Poller) learn(elapsed time.Duration, polls int) {
	x.mutex.Lock()
	defer x.mutex.Unlock()

	x.latencies = append(x.latencies, elapsed)
	if len(x.latencies) > latencyHistory {
		x.latencies = x.latencies[len(x.latencies)-latencyHistory:]
	}

	var sum, weights float64
	weight := 1.0
	for _, latency := range x.latencies {
		sum += latency.Seconds() * latencyScale * weight
		weights += weight
		weight *= latencyWeightGrow
	}
	avg := sum / weights
	if polls == 1 {
		avg *= firstPollReduction
	}

	x.interval = time.Duration(math.Floor(avg)) * time.Second
	if x.interval < x.config.MinInterval {
		x.interval = x.config.MinInterval
	}
	pollInterval.Set(x.interval.Seconds())
}

func (x *Poller) backoff(polls int) time.Duration {
	d := x.config.RetryBase + time.Duration(int(float64(polls)*x.config.BackoffFactor))*time.Second
	if d > x.config.MaxInterval {
		d = x.config.MaxInterval
	}
	if d < x.config.MinInterval {
		d = x.config.MinInterval
	}
	return d
}

// Poll waits until batch job batchID completes. recordCount is used only to decide the first
// interval. Timeout is always fatal. Other failures are fatal only when halt resolves true, and
// then PollResult has PollFailed state.
func (x *Poller) Poll(ctx context.Context, batchID int64, recordCount int, halt bool) (*PollResult, error) {
	halt = x.config.HaltMode.Resolve(halt)
	interval := x.startInterval(recordCount)
	result := &PollResult{State: PollSubmitted}

	logger.Debug().Int64("batch_id", batchID).Dur("interval", interval).Msg("Start polling batch status")

	for {
		result.State = PollPolling
		result.Polls++
		result.Elapsed += interval
		if err := x.config.Sleep(ctx, interval); err != nil {
			result.State = PollFailed
			return result, errors.Wrap(err, "Polling is canceled").With("batch_id", batchID)
		}

		status, err := x.batch.GetStatus(ctx, batchID)
		switch {
		case err != nil && isTransportError(err):
			if e := handleError(err.(*errors.Error), halt); e != nil {
				result.State = PollFailed
				return result, e
			}

		case err != nil:
			result.State = PollFailed
			if e, ok := err.(*errors.Error); ok {
				return result, handleError(e, halt)
			}
			return result, err

		case status.Completed():
			status.ID = batchID
			result.Status = status
			result.State = PollCompleted
			pollLatency.Observe(result.Elapsed.Seconds())
			x.learn(result.Elapsed, result.Polls)

			logger.Debug().Int64("batch_id", batchID).Int("polls", result.Polls).
				Dur("elapsed", result.Elapsed).Dur("next_interval", x.Interval()).Msg("Batch job completed")
			return result, nil

		default:
			result.Status = status
		}

		if result.Elapsed >= x.config.Timeout {
			result.State = PollTimedOut
			return result, newBatchError(CodePollTimeout, ErrPollTimeout).
				With("batch_id", batchID).With("elapsed", result.Elapsed.String())
		}
		interval = x.backoff(result.Polls)
	}
}

// Errors fetches error list of batch job batchID. An error with a critical failure reason makes
// ErrCriticalFailure regardless of halt.
func (x *Poller) Errors(ctx context.Context, batchID int64, halt bool) ([]*BatchError, error) {
	halt = x.config.HaltMode.Resolve(halt)

	batchErrs, err := x.batch.GetErrors(ctx, batchID)
	if err != nil {
		if e, ok := err.(*errors.Error); ok {
			return nil, handleError(e, halt)
		}
		return nil, err
	}

	return batchErrs, CheckCritical(batchID, batchErrs)
}

// CheckCritical returns ErrCriticalFailure if a reason of batchErrs matches a critical failure
func CheckCritical(batchID int64, batchErrs []*BatchError) error {
	for _, batchErr := range batchErrs {
		for _, critical := range criticalFailures {
			if strings.Contains(batchErr.ErrorReason, critical) {
				return newBatchError(CodeCriticalFailure, ErrCriticalFailure).
					With("batch_id", batchID).With("reason", batchErr.ErrorReason)
			}
		}
	}
	return nil
}
