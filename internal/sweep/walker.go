package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/yourorg/recs-api/internal/refresh"
)

type ClientLister interface {
	ListClientIDs(ctx context.Context, after string, limit int) ([]string, error)
}

type Trigger interface {
	EnsureFresh(ctx context.Context, clientID string, threshold time.Duration) (refresh.Result, error)
}

type Config struct {
	Concurrency int
	PageSize    int
	CallTimeout time.Duration
	// Threshold is passed to every trigger call.
	Threshold time.Duration
	Interval  time.Duration
	// Rate caps admissions per second; zero means unlimited.
	Rate float64
}

type Walker struct {
	Clients ClientLister
	Trigger Trigger
	Logger  *zap.SugaredLogger
	Clock   clock.Clock
	Config  Config

	once sync.Once
}

// Result summarizes one pass. Err aggregates the per-client failures.
type Result struct {
	Total        int
	Succeeded    int
	Failed       int
	Elapsed      time.Duration
	Concurrency  int
	PeakInFlight int
	Err          error
}

func (w *Walker) validate() error {
	if w == nil {
		return errors.New("nil sweep walker")
	}
	if w.Clients == nil {
		return errors.New("sweep walker missing client lister")
	}
	if w.Trigger == nil {
		return errors.New("sweep walker missing trigger")
	}
	w.once.Do(w.applyDefaults)
	return nil
}

func (w *Walker) applyDefaults() {
	if w.Logger == nil {
		w.Logger = zap.NewNop().Sugar()
	}
	if w.Clock == nil {
		w.Clock = clock.New()
	}
	if w.Config.Concurrency <= 0 {
		w.Config.Concurrency = 3
	}
	if w.Config.PageSize <= 0 {
		w.Config.PageSize = 200
	}
	if w.Config.CallTimeout <= 0 {
		w.Config.CallTimeout = 10 * time.Second
	}
	if w.Config.Threshold <= 0 {
		w.Config.Threshold = 24 * time.Hour
	}
}

// Run sweeps immediately and then on every Interval tick until ctx is done.
// Without an Interval it sweeps once.
func (w *Walker) Run(ctx context.Context) error {
	if err := w.validate(); err != nil {
		return err
	}
	interval := w.Config.Interval
	if interval <= 0 {
		_, err := w.RunOnce(ctx, 0)
		return err
	}
	ticker := w.Clock.Ticker(interval)
	defer ticker.Stop()
	w.Logger.Infow("sweep loop starting", "interval", interval, "concurrency", w.Config.Concurrency)
	if _, err := w.RunOnce(ctx, 0); err != nil && !errors.Is(err, context.Canceled) {
		w.Logger.Errorw("initial sweep failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			w.Logger.Infow("sweep loop stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.RunOnce(ctx, 0); err != nil && !errors.Is(err, context.Canceled) {
				w.Logger.Errorw("sweep failed", "error", err)
			}
		}
	}
}

// RunOnce visits every client once with at most concurrency triggers
// outstanding. A non-positive concurrency uses the configured one. The
// returned error covers listing and cancellation only; per-client failures
// are counted in the Result.
func (w *Walker) RunOnce(ctx context.Context, concurrency int) (Result, error) {
	if err := w.validate(); err != nil {
		return Result{}, err
	}
	if concurrency <= 0 {
		concurrency = w.Config.Concurrency
	}
	var limiter *rate.Limiter
	if w.Config.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(w.Config.Rate), 1)
	}

	start := w.Clock.Now()
	sem := semaphore.NewWeighted(int64(concurrency))
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		errs      *multierror.Error
		total     int
		succeeded int
		failed    int
		inFlight  atomic.Int64
		peak      atomic.Int64
	)
	w.Logger.Infow("sweep starting", "concurrency", concurrency, "threshold", w.Config.Threshold)

	var stopErr error
	cursor := ""
pages:
	for {
		ids, err := w.Clients.ListClientIDs(ctx, cursor, w.Config.PageSize)
		if err != nil {
			stopErr = fmt.Errorf("list clients after %q: %w", cursor, err)
			break
		}
		for _, id := range ids {
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					stopErr = ctx.Err()
					if stopErr == nil {
						stopErr = err
					}
					break pages
				}
			}
			// Blocks until any outstanding unit finishes once the pool is full.
			if err := sem.Acquire(ctx, 1); err != nil {
				stopErr = err
				break pages
			}
			total++
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				defer sem.Release(1)
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				err := w.visit(ctx, id)
				inFlight.Add(-1)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failed++
					errs = multierror.Append(errs, fmt.Errorf("client %s: %w", id, err))
					w.Logger.Warnw("sweep trigger failed", "client_id", id, "error", err)
					return
				}
				succeeded++
			}(id)
		}
		if len(ids) < w.Config.PageSize {
			break
		}
		cursor = ids[len(ids)-1]
	}
	wg.Wait()

	res := Result{
		Total:        total,
		Succeeded:    succeeded,
		Failed:       failed,
		Elapsed:      w.Clock.Since(start),
		Concurrency:  concurrency,
		PeakInFlight: int(peak.Load()),
		Err:          errs.ErrorOrNil(),
	}
	w.Logger.Infow("sweep finished",
		"total", res.Total,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"elapsed", res.Elapsed,
		"peak_in_flight", res.PeakInFlight,
	)
	return res, stopErr
}

func (w *Walker) visit(ctx context.Context, clientID string) error {
	cctx, cancel := context.WithTimeout(ctx, w.Config.CallTimeout)
	defer cancel()
	_, err := w.Trigger.EnsureFresh(cctx, clientID, w.Config.Threshold)
	return err
}
