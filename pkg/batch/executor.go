package batch

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/m-mizutani/intelbatch/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Executor runs background tasks with bounded concurrency. Go blocks while the limit is reached.
// A failed or panicking task never stops other tasks; errors are kept until Wait.
type Executor struct {
	group errgroup.Group
	mutex sync.Mutex
	errs  *multierror.Error
}

// NewExecutor is constructor of Executor. limit <= 0 means unlimited.
func NewExecutor(limit int) *Executor {
	executor := &Executor{}
	if limit > 0 {
		executor.group.SetLimit(limit)
	}
	return executor
}

// Go starts task. It must not be called from a task of the same Executor.
func (x *Executor) Go(name string, task func() error) {
	x.group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.New("Panic in background task").With("task", name).With("panic", fmt.Sprint(r))
			}
			if err != nil {
				logger.Error().Err(err).Str("task", name).Msg("Background task failed")
				x.mutex.Lock()
				x.errs = multierror.Append(x.errs, err)
				x.mutex.Unlock()
			}
		}()
		return task()
	})
}

// Wait blocks until all started tasks finish and returns their errors
func (x *Executor) Wait() error {
	_ = x.group.Wait()

	x.mutex.Lock()
	defer x.mutex.Unlock()
	err := x.errs.ErrorOrNil()
	x.errs = nil
	return err
}
