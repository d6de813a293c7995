package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/yourorg/recs-api/internal/canon"
	"github.com/yourorg/recs-api/internal/lock"
	"github.com/yourorg/recs-api/internal/staleness"
	"github.com/yourorg/recs-api/internal/store"
	"github.com/yourorg/recs-api/producer"
)

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("refresh coordinator closed")

type Status string

const (
	StatusFresh      Status = "fresh"
	StatusInProgress Status = "refresh_in_progress"
	StatusStarted    Status = "refresh_started"
)

type Result struct {
	Status        Status `json:"status"`
	LatestBatchID string `json:"batchId,omitempty"`
}

type Evaluator interface {
	Evaluate(ctx context.Context, clientID string, threshold time.Duration) (staleness.Evaluation, error)
}

type Producer interface {
	Recommend(ctx context.Context, clientID string) ([]byte, error)
}

type Writer interface {
	Write(ctx context.Context, clientID string, raw []byte, p producer.Payload) (store.Batch, error)
}

type Config struct {
	// Threshold applies when a caller passes a non-positive threshold.
	Threshold       time.Duration
	LockTimeout     time.Duration
	ProducerTimeout time.Duration
	// StoreTimeout bounds each store read or write made on behalf of a refresh.
	StoreTimeout time.Duration
	// Grace keeps a settled task registered so trigger bursts collapse onto it.
	Grace time.Duration
	// MaxConcurrent caps refreshes holding or waiting for a lock at once.
	// Keep it below the store pool size.
	MaxConcurrent int
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 12 * time.Hour
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = time.Second
	}
	if c.ProducerTimeout <= 0 {
		c.ProducerTimeout = 30 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 10 * time.Second
	}
	if c.Grace < 0 {
		c.Grace = 0
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	return c
}

type Deps struct {
	Evaluator Evaluator
	Locker    lock.Locker
	Producer  Producer
	Writer    Writer
	Clock     clock.Clock
	Logger    *zap.SugaredLogger
}

// Coordinator starts at most one background refresh per client in this
// process; the Locker extends that guarantee across processes.
type Coordinator struct {
	eval     Evaluator
	locker   lock.Locker
	producer Producer
	writer   Writer
	clock    clock.Clock
	log      *zap.SugaredLogger
	cfg      Config

	group singleflight.Group
	slots *semaphore.Weighted

	mu       sync.Mutex
	inflight map[string]*Task
	closed   bool

	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

func New(d Deps, cfg Config) *Coordinator {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}
	if d.Locker == nil {
		d.Locker = lock.Nop{}
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		eval:     d.Evaluator,
		locker:   d.Locker,
		producer: d.Producer,
		writer:   d.Writer,
		clock:    d.Clock,
		log:      d.Logger,
		cfg:      cfg,
		slots:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		inflight: make(map[string]*Task),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Task is the handle of one background refresh.
type Task struct {
	ClientID  string
	StartedAt time.Time

	done    chan struct{}
	outcome Outcome
	grace   *clock.Timer
}

// Done is closed when the refresh settles.
func (t *Task) Done() <-chan struct{} { return t.done }

// Outcome is valid once Done is closed.
func (t *Task) Outcome() Outcome {
	<-t.done
	return t.outcome
}

// EnsureFresh answers without waiting for any refresh it starts.
func (c *Coordinator) EnsureFresh(ctx context.Context, clientID string, threshold time.Duration) (Result, error) {
	id, err := canon.ClientID(clientID)
	if err != nil {
		return Result{}, err
	}
	if threshold <= 0 {
		threshold = c.cfg.Threshold
	}

	c.mu.Lock()
	closed := c.closed
	_, busy := c.inflight[id]
	c.mu.Unlock()
	if closed {
		return Result{}, ErrClosed
	}
	if busy {
		return Result{Status: StatusInProgress}, nil
	}

	// Callers that race on the staleness read share the leader's answer; only
	// the leader may report that it started the refresh. The shared read is
	// detached from each caller's cancellation.
	leader := false
	ch := c.group.DoChan(id, func() (any, error) {
		leader = true
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.StoreTimeout)
		defer cancel()
		return c.checkAndStart(sctx, id, threshold)
	})
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		res := r.Val.(Result)
		if !leader && res.Status == StatusStarted {
			res.Status = StatusInProgress
		}
		return res, nil
	}
}

func (c *Coordinator) checkAndStart(ctx context.Context, id string, threshold time.Duration) (Result, error) {
	ev, err := c.eval.Evaluate(ctx, id, threshold)
	if err != nil {
		return Result{}, err
	}
	if ev.Status == staleness.Fresh {
		return Result{Status: StatusFresh, LatestBatchID: ev.LatestBatchID}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Result{}, ErrClosed
	}
	if _, busy := c.inflight[id]; busy {
		return Result{Status: StatusInProgress, LatestBatchID: ev.LatestBatchID}, nil
	}
	c.startLocked(id, threshold)
	return Result{Status: StatusStarted, LatestBatchID: ev.LatestBatchID}, nil
}

func (c *Coordinator) startLocked(id string, threshold time.Duration) *Task {
	t := &Task{ClientID: id, StartedAt: c.clock.Now(), done: make(chan struct{})}
	c.inflight[id] = t
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		out := c.PerformRefresh(c.baseCtx, id, threshold)
		c.logOutcome(id, out, c.clock.Since(t.StartedAt))
		c.settle(t, out)
	}()
	return t
}

func (c *Coordinator) settle(t *Task, out Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t.outcome = out
	close(t.done)
	if c.closed || c.cfg.Grace == 0 {
		c.forgetLocked(t)
		return
	}
	t.grace = c.clock.AfterFunc(c.cfg.Grace, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.forgetLocked(t)
	})
}

func (c *Coordinator) forgetLocked(t *Task) {
	if c.inflight[t.ClientID] == t {
		delete(c.inflight, t.ClientID)
	}
}

// InFlight returns the registered task of a client, settled or not, or nil.
func (c *Coordinator) InFlight(clientID string) *Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[clientID]
}

// PerformRefresh runs one check-lock-check attempt for a client. It never
// returns an error to its caller; failures are reported in the Outcome.
func (c *Coordinator) PerformRefresh(ctx context.Context, clientID string, threshold time.Duration) Outcome {
	if threshold <= 0 {
		threshold = c.cfg.Threshold
	}
	if err := c.slots.Acquire(ctx, 1); err != nil {
		return Outcome{State: Failed, Err: fmt.Errorf("wait for refresh slot: %w", err)}
	}
	defer c.slots.Release(1)

	var lease lock.Lease
	defer func() {
		if lease == nil {
			return
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lease.Release(rctx); err != nil {
			c.log.Warnw("refresh lock release failed", "client_id", clientID, "error", err)
		}
	}()

	out := Outcome{State: LockPending}
	for !out.State.Terminal() {
		switch out.State {
		case LockPending:
			l, err := c.locker.TryAcquire(ctx, canon.LockKey(clientID), c.cfg.LockTimeout)
			switch {
			case err == nil:
				lease = l
				out.State = LockAcquired
			case errors.Is(err, lock.ErrNotAcquired):
				out.State = LockDenied
			default:
				out = Outcome{State: Failed, Err: fmt.Errorf("acquire lock: %w", err)}
			}

		case LockAcquired:
			ectx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
			ev, err := c.eval.Evaluate(ectx, clientID, threshold)
			cancel()
			switch {
			case err != nil:
				out = Outcome{State: Failed, Err: err}
			case ev.Status == staleness.Fresh:
				out = Outcome{State: AlreadyFresh, BatchID: ev.LatestBatchID}
			default:
				out.State = Recomputing
			}

		case Recomputing:
			out = c.recompute(ctx, clientID)
		}
	}
	return out
}

func (c *Coordinator) recompute(ctx context.Context, clientID string) Outcome {
	pctx, cancel := context.WithTimeout(ctx, c.cfg.ProducerTimeout)
	raw, err := c.producer.Recommend(pctx, clientID)
	cancel()
	if err != nil {
		return Outcome{State: Failed, Err: fmt.Errorf("%w: %w", ErrProducerFailure, err)}
	}
	payload, err := producer.MapPayload(raw)
	if err != nil {
		return Outcome{State: Failed, Err: fmt.Errorf("%w: %w", ErrProducerFailure, err)}
	}
	if payload.ClientID != "" && payload.ClientID != clientID {
		return Outcome{State: Failed, Err: fmt.Errorf("%w: payload is for client %q", ErrProducerFailure, payload.ClientID)}
	}
	wctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()
	b, err := c.writer.Write(wctx, clientID, raw, payload)
	if err != nil {
		return Outcome{State: Failed, Err: fmt.Errorf("%w: %w", ErrPersistenceFailure, err)}
	}
	return Outcome{State: Persisted, BatchID: b.ID}
}

func (c *Coordinator) logOutcome(clientID string, out Outcome, took time.Duration) {
	switch out.State {
	case Persisted:
		c.log.Infow("refresh persisted", "client_id", clientID, "batch_id", out.BatchID, "duration", took)
	case Failed:
		c.log.Warnw("refresh failed", "client_id", clientID, "error", out.Err, "duration", took)
	default:
		c.log.Debugw("refresh skipped", "client_id", clientID, "state", out.State.String())
	}
}

// Close stops new refreshes and waits for running ones. If ctx expires first
// the running refreshes are cancelled.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	for _, t := range c.inflight {
		if t.grace != nil {
			t.grace.Stop()
		}
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		return ctx.Err()
	}
}
