package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dmaharana/docindex/internal/models"
)

// ErrInvalidMaxAttempts is returned when a retry budget is not positive.
var ErrInvalidMaxAttempts = errors.New("max attempts must be positive")

// Processor handles one document. *Orchestrator implements it.
type Processor interface {
	Process(ctx context.Context, ref models.DocumentRef) Result
}

// Recorder receives every terminal result, for example a run ledger.
type Recorder interface {
	Record(ctx context.Context, res Result) error
}

type RunnerConfig struct {
	Workers     int
	MaxAttempts int
	RetryDelay  time.Duration
}

// Runner processes a batch of documents on a bounded worker pool.
type Runner struct {
	proc     Processor
	cfg      RunnerConfig
	recorder Recorder
	logger   zerolog.Logger
}

func NewRunner(proc Processor, cfg RunnerConfig, recorder Recorder) *Runner {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Runner{
		proc:     proc,
		cfg:      cfg,
		recorder: recorder,
		logger:   log.With().Str("component", "runner").Logger(),
	}
}

// Report holds the results of a batch in input order.
type Report struct {
	Results []Result
}

func (r Report) count(state models.State) int {
	n := 0
	for _, res := range r.Results {
		if res.State == state {
			n++
		}
	}
	return n
}

func (r Report) Done() int    { return r.count(models.StateDone) }
func (r Report) Skipped() int { return r.count(models.StateSkipped) }

// Failed reports the number of documents that ended in Failed.
func (r Report) Failed() int { return r.count(models.StateFailed) }

// Run processes refs concurrently. One document failing never affects
// another. The returned error only reports a pool that could not start.
func (r *Runner) Run(ctx context.Context, refs []models.DocumentRef) (Report, error) {
	report := Report{Results: make([]Result, len(refs))}
	if len(refs) == 0 {
		return report, nil
	}

	pool, err := ants.NewPool(r.cfg.Workers, ants.WithPanicHandler(func(p interface{}) {
		r.logger.Error().Interface("panic", p).Msg("Worker panicked")
	}))
	if err != nil {
		return report, fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i, ref := range refs {
		i, ref := i, ref
		wg.Add(1)
		report.Results[i] = Result{Ref: ref, State: models.StateFailed, Stage: models.StageInit, Err: fmt.Errorf("document was not processed")}
		err := pool.Submit(func() {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error().Interface("panic", p).Str("doc", ref.ID).Msg("Processor panicked")
					report.Results[i] = Result{
						Ref:   ref,
						State: models.StateFailed,
						Stage: models.StageInit,
						Err:   &models.StageError{Ref: ref, Stage: models.StageInit, Err: fmt.Errorf("panic: %v", p)},
					}
					r.record(ctx, report.Results[i])
				}
			}()
			report.Results[i] = r.processWithRetry(ctx, ref)
			r.record(ctx, report.Results[i])
		})
		if err != nil {
			wg.Done()
			report.Results[i].Err = fmt.Errorf("submit document: %w", err)
		}
	}
	wg.Wait()

	r.logger.Info().
		Int("documents", len(refs)).
		Int("done", report.Done()).
		Int("skipped", report.Skipped()).
		Int("failed", report.Failed()).
		Msg("Batch finished")
	return report, nil
}

func (r *Runner) record(ctx context.Context, res Result) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.Record(context.WithoutCancel(ctx), res); err != nil {
		r.logger.Warn().Err(err).Str("doc", res.Ref.ID).Msg("Could not record result")
	}
}

// processWithRetry reruns the whole document from fetching while the failure
// is retryable and attempts remain.
func (r *Runner) processWithRetry(ctx context.Context, ref models.DocumentRef) Result {
	var res Result
	attempts := 0
	err := RetryWithBackoff(ctx, func() error {
		attempts++
		res = r.proc.Process(ctx, ref)
		if res.State != models.StateFailed {
			return nil
		}
		if !models.IsRetryable(res.Err) {
			return Permanent(res.Err)
		}
		return res.Err
	}, r.cfg.MaxAttempts, r.cfg.RetryDelay)
	res.Attempts = attempts
	if err != nil && res.State != models.StateFailed {
		// cancelled before the first attempt
		res = Result{Ref: ref, State: models.StateFailed, Stage: models.StageInit, Err: err, Attempts: attempts}
	}
	return res
}
