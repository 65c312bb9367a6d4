package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/itiky/parcel-sync/bus"
	"github.com/itiky/parcel-sync/feed"
	"github.com/itiky/parcel-sync/model"
	"github.com/itiky/parcel-sync/storage"
)

// ErrNotActive is returned by the operations which need an active engine.
var ErrNotActive = errors.New("engine is not active")

type (
	// Engine keeps one screen's live view (ReconciliationEngine):
	// bulk load, remote change feed and local echoes are merged into the record store,
	// which is projected into the ordered visible list.
	//
	// All the store mutations and projections happen in a single worker goroutine,
	// feed and bus deliveries only enqueue jobs for it.
	Engine[K model.Key, V model.Record[K]] struct {
		// Config
		entity      model.Entity[K, V]
		remote      model.RemoteStore[K, V]
		echoBus     *bus.Bus[model.ChangeEvent[K, V]]
		feed        *feed.Feed[K, V]
		projector   Projector[K, V]
		logger      *slog.Logger
		now         func() time.Time
		jobsChSize  int
		// Lifecycle (guarded by mu)
		mu              sync.Mutex
		active          bool
		jobsCh          chan job
		stopCh          chan struct{}
		workerDoneCh    chan struct{}
		stream          *feed.Stream
		unsubscribeEcho func()
		loadMu          sync.Mutex
		// Worker owned state
		store   *storage.Storage[K, V]
		loading bool
		pending []model.ChangeEvent[K, V]
		// Projection output (read by any goroutine)
		viewMu    sync.RWMutex
		viewState model.ViewState
		view      []V
		history   *storage.ViewHistory
		updates   *bus.Bus[ViewUpdate]
		notices   chan Notice
		monitor   *Monitor
	}

	// ViewUpdate is published after every projection change.
	ViewUpdate struct {
		Entity     string
		Version    int
		Operations []model.ListOperation
	}

	// job is a unit of work for the worker, returns true if the store or the view state changed.
	job struct {
		fn     func() bool
		doneCh chan struct{}
	}
)

// Option configures the Engine.
type Option func(*options)

type options struct {
	logger        *slog.Logger
	now           func() time.Time
	jobsChSize    int
	historySize   int
	monitorPeriod time.Duration
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock sets the time source used to canonicalize records.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithQueueSize sets the worker jobs channel size.
func WithQueueSize(size int) Option {
	return func(o *options) { o.jobsChSize = size }
}

// WithHistorySize sets the number of view versions kept for Updates.
func WithHistorySize(size int) Option {
	return func(o *options) { o.historySize = size }
}

// WithMonitorPeriod sets the monitor report period.
func WithMonitorPeriod(period time.Duration) Option {
	return func(o *options) { o.monitorPeriod = period }
}

// Activate subscribes to the change feed and the local echo bus and starts the worker.
// Activating an active engine is a no-op, unless its change stream has terminated: then it resubscribes.
func (e *Engine[K, V]) Activate(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active {
		if e.stream != nil && !e.stream.Closed() {
			return nil
		}
		if e.stream != nil {
			e.stream.Close()
			e.stream = nil
		}
		return e.subscribeFeed(ctx)
	}

	e.store = storage.NewStorage(e.entity, e.now)
	e.loading, e.pending = false, nil
	e.jobsCh = make(chan job, e.jobsChSize)
	e.stopCh = make(chan struct{})
	e.workerDoneCh = make(chan struct{})
	e.active = true

	go e.worker(e.jobsCh, e.stopCh, e.workerDoneCh)
	e.monitor.Start()

	e.unsubscribeEcho = e.echoBus.Subscribe(e.enqueuer(e.jobsCh, e.stopCh))
	if err := e.subscribeFeed(ctx); err != nil {
		// The screen still works with the bulk load and local echoes
		e.logger.Warn("change feed unavailable", "entity", e.entity.Name, "error", err)
	}

	e.logger.Info("engine activated", "entity", e.entity.Name)

	return nil
}

// subscribeFeed must be called with mu held.
func (e *Engine[K, V]) subscribeFeed(ctx context.Context) error {
	// The stream outlives the Activate call context
	stream, err := e.feed.Subscribe(context.WithoutCancel(ctx), e.enqueuer(e.jobsCh, e.stopCh), e.onStreamClosed)
	if err != nil {
		e.notify(NoticeStreamClosed, err)
		return err
	}
	e.stream = stream

	return nil
}

// Deactivate tears down the subscriptions, stops the worker and discards the store.
func (e *Engine[K, V]) Deactivate() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.active {
		return
	}
	e.active = false

	e.unsubscribeEcho()
	e.unsubscribeEcho = nil

	// Handlers blocked on the jobs channel are released by stopCh
	close(e.stopCh)
	if e.stream != nil {
		e.stream.Close()
		e.stream = nil
	}
	<-e.workerDoneCh
	e.monitor.Stop()

	e.store = nil
	e.loading, e.pending = false, nil
	e.publishView(nil, 0)

	e.logger.Info("engine deactivated", "entity", e.entity.Name)
}

// IsActive checks if the engine is active.
func (e *Engine[K, V]) IsActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.active
}

// LoadOnce fetches all the records and replaces the store content, blocking until the view is recomputed.
// Events received while the fetch is in flight are re-applied on top of the fetched snapshot.
// A fetch failure keeps the last known view and is reported as a notice too.
// Once fetched, the snapshot is applied even if ctx is done before the view is recomputed.
func (e *Engine[K, V]) LoadOnce(ctx context.Context) error {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	// The loading flag is always reset by one of the jobs below, so it must not depend on ctx
	err := e.submit(context.WithoutCancel(ctx), func() bool {
		e.loading, e.pending = true, nil
		return false
	}, true)
	if err != nil {
		return err
	}

	values, fetchErr := e.remote.BulkFetch(ctx)
	if fetchErr != nil {
		e.logger.Warn("bulk load failed", "entity", e.entity.Name, "error", fetchErr)
		e.notify(NoticeFetchFailed, fetchErr)

		if err := e.submit(context.WithoutCancel(ctx), func() bool {
			e.loading, e.pending = false, nil
			return false
		}, false); err != nil {
			return err
		}

		return fmt.Errorf("remote.BulkFetch: %w", fetchErr)
	}

	j, stopCh, err := e.enqueue(context.WithoutCancel(ctx), func() bool {
		e.store.Replace(values, model.RemoteOrigin)

		pending := e.pending
		e.loading, e.pending = false, nil
		for _, ev := range pending {
			e.applyEvent(ev)
		}
		e.logger.Info("bulk load applied", "entity", e.entity.Name, "records", e.store.Len(), "replayed", len(pending))

		return true
	}, true)
	if err != nil {
		return err
	}

	return e.await(ctx, j, stopCh)
}

// SetFilter updates the view state and blocks until the view is recomputed.
func (e *Engine[K, V]) SetFilter(patch model.ViewStatePatch) error {
	if patch.Session != nil {
		if err := patch.Session.Validate(); err != nil {
			return fmt.Errorf("session: %w", err)
		}
	}

	return e.submit(context.Background(), func() bool {
		e.viewMu.Lock()
		e.viewState = e.viewState.Apply(patch)
		e.viewMu.Unlock()

		return true
	}, true)
}

// ViewState returns the current view state.
func (e *Engine[K, V]) ViewState() model.ViewState {
	e.viewMu.RLock()
	defer e.viewMu.RUnlock()

	return e.viewState.Apply(model.ViewStatePatch{})
}

// CurrentView returns a copy of the projected ordered records.
func (e *Engine[K, V]) CurrentView() []V {
	e.viewMu.RLock()
	defer e.viewMu.RUnlock()

	view := make([]V, len(e.view))
	copy(view, e.view)

	return view
}

// Updates returns the view list operations since the version (see storage.ViewHistory).
func (e *Engine[K, V]) Updates(version int) (latest int, ops []model.ListOperation, ok bool) {
	return e.history.GetDiffWithLatest(version)
}

// Snapshot returns the current view version and its list representation.
func (e *Engine[K, V]) Snapshot() (int, model.ViewList) {
	return e.history.GetSnapshot()
}

// Subscribe registers a view update handler. It is called from the worker goroutine
// (and from Deactivate), so it must not call the Engine lifecycle or blocking methods.
func (e *Engine[K, V]) Subscribe(handler func(ViewUpdate)) func() {
	return e.updates.Subscribe(handler)
}

// Notices returns the non-fatal notices channel (fetch failures, stream terminations).
func (e *Engine[K, V]) Notices() <-chan Notice {
	return e.notices
}

// PublishLocalEcho publishes an optimistic event to the local echo bus.
// Called by the save/delete handlers right after a successful remote write.
func (e *Engine[K, V]) PublishLocalEcho(ev model.ChangeEvent[K, V]) error {
	ev.Origin = model.LocalOrigin
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("event: %w", err)
	}
	e.echoBus.Publish(ev)

	return nil
}

// enqueuer returns the feed/bus handler bound to the current activation channels.
// It never takes mu, so Deactivate can wait for the feed goroutine.
func (e *Engine[K, V]) enqueuer(jobsCh chan job, stopCh chan struct{}) func(model.ChangeEvent[K, V]) {
	return func(ev model.ChangeEvent[K, V]) {
		j := job{fn: func() bool { return e.applyEvent(ev) }}
		select {
		case jobsCh <- j:
		case <-stopCh:
		}
	}
}

// submit pushes the job to the worker, wait blocks until the job batch is projected.
func (e *Engine[K, V]) submit(ctx context.Context, fn func() bool, wait bool) error {
	j, stopCh, err := e.enqueue(ctx, fn, wait)
	if err != nil {
		return err
	}
	if !wait {
		return nil
	}

	return e.await(ctx, j, stopCh)
}

// enqueue pushes the job to the worker of the current activation.
func (e *Engine[K, V]) enqueue(ctx context.Context, fn func() bool, wait bool) (job, chan struct{}, error) {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return job{}, nil, ErrNotActive
	}
	jobsCh, stopCh := e.jobsCh, e.stopCh
	e.mu.Unlock()

	j := job{fn: fn}
	if wait {
		j.doneCh = make(chan struct{})
	}

	select {
	case jobsCh <- j:
		return j, stopCh, nil
	case <-stopCh:
		return job{}, nil, ErrNotActive
	case <-ctx.Done():
		return job{}, nil, ctx.Err()
	}
}

// await blocks until the enqueued job batch is projected.
func (e *Engine[K, V]) await(ctx context.Context, j job, stopCh chan struct{}) error {
	select {
	case <-j.doneCh:
		return nil
	case <-stopCh:
		return ErrNotActive
	case <-ctx.Done():
		return ctx.Err()
	}
}

// worker does the actual job: applies the queued jobs in order and projects once per batch.
func (e *Engine[K, V]) worker(jobsCh chan job, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		select {
		case <-stopCh:
			return
		case j := <-jobsCh:
			batch := []job{j}
			dirty := e.run(j)

			// Drain whatever is queued already, the relative order is kept
		drain:
			for {
				select {
				case next := <-jobsCh:
					batch = append(batch, next)
					if e.run(next) {
						dirty = true
					}
				default:
					break drain
				}
			}

			if dirty {
				e.recompute(len(batch))
			}
			for _, j := range batch {
				if j.doneCh != nil {
					close(j.doneCh)
				}
			}
		}
	}
}

// run executes the job, a panic is logged and the job is treated as a no-op.
func (e *Engine[K, V]) run(j job) (dirty bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("engine job panic", "entity", e.entity.Name, "panic", r)
			dirty = false
		}
	}()

	return j.fn()
}

// applyEvent reconciles a single event with the store (worker only).
func (e *Engine[K, V]) applyEvent(ev model.ChangeEvent[K, V]) bool {
	if e.loading {
		e.pending = append(e.pending, ev)
	}

	op, err := storage.NewOperationFromEvent(ev)
	if err != nil {
		e.monitor.EventRejected()
		e.logger.Warn("event rejected", "entity", e.entity.Name, "event", ev.String(), "error", err)
		return false
	}

	// Store list operations index the unfiltered list, the view diff is rebuilt from the projection.
	// Here they only tell whether the store changed (a redelivered value yields none).
	listOps := e.store.ApplyOperations(op)
	e.monitor.EventApplied(ev.Origin)
	for _, listOp := range listOps {
		e.logger.Debug("store changed", "entity", e.entity.Name, "op", listOp.Type, "id", listOp.Id, "index", listOp.Index, "newIndex", listOp.NewIndex)
	}

	return len(listOps) > 0
}

// recompute projects the store and publishes the view diff (worker only).
func (e *Engine[K, V]) recompute(jobs int) {
	start := time.Now()

	e.viewMu.RLock()
	state := e.viewState
	e.viewMu.RUnlock()

	items := e.projector.Project(e.store.Items(), state)
	e.publishView(items, jobs)

	e.monitor.Recomputed(time.Since(start), jobs, len(items))
}

// publishView swaps the current view and publishes the diff with the previous one.
func (e *Engine[K, V]) publishView(items []storage.Item[K, V], jobs int) {
	values := make([]V, 0, len(items))
	list := make(model.ViewList, 0, len(items))
	for _, item := range items {
		values = append(values, item.Value)
		list = append(list, item.ListItem())
	}

	e.viewMu.Lock()
	e.view = values
	e.viewMu.Unlock()

	version, ops := e.history.AddVersion(list)
	if len(ops) == 0 {
		return
	}

	e.logger.Debug("view updated", "entity", e.entity.Name, "version", version, "ops", len(ops), "jobs", jobs)
	e.updates.Publish(ViewUpdate{
		Entity:     e.entity.Name,
		Version:    version,
		Operations: ops,
	})
}

// onStreamClosed is called by the feed goroutine when the remote stream terminates on its own.
func (e *Engine[K, V]) onStreamClosed(err error) {
	if err == nil {
		err = errors.New("stream closed by remote")
	}
	e.notify(NoticeStreamClosed, err)
}

// notify sends a notice without blocking, notices are dropped if nobody reads them.
func (e *Engine[K, V]) notify(kind NoticeKind, err error) {
	n := Notice{
		Kind:   kind,
		Entity: e.entity.Name,
		Err:    err,
		At:     time.Now(),
	}

	select {
	case e.notices <- n:
	default:
		e.logger.Debug("notice dropped", "entity", e.entity.Name, "kind", kind, "error", err)
	}
}

// New creates a new Engine object for the screen session.
func New[K model.Key, V model.Record[K]](
	entity model.Entity[K, V],
	remote model.RemoteStore[K, V],
	echoBus *bus.Bus[model.ChangeEvent[K, V]],
	session model.Session,
	opts ...Option,
) (*Engine[K, V], error) {

	o := options{
		logger:      slog.Default(),
		now:         time.Now,
		jobsChSize:  256,
		historySize: 256,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := entity.Validate(); err != nil {
		return nil, fmt.Errorf("entity: %w", err)
	}
	if remote == nil {
		return nil, fmt.Errorf("%s: nil", "remote")
	}
	if echoBus == nil {
		return nil, fmt.Errorf("%s: nil", "echoBus")
	}
	if err := session.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if o.jobsChSize < 0 {
		return nil, fmt.Errorf("%s: must be GTE 0", "jobsChSize")
	}

	logger := o.logger.With("component", "engine")
	changeFeed, err := feed.New(entity, remote, logger, o.now)
	if err != nil {
		return nil, fmt.Errorf("feed.New: %w", err)
	}

	return &Engine[K, V]{
		entity:     entity,
		remote:     remote,
		echoBus:    echoBus,
		feed:       changeFeed,
		projector:  NewProjector(entity),
		logger:     logger,
		now:        o.now,
		jobsChSize: o.jobsChSize,
		viewState:  model.ViewState{Session: session},
		history:    storage.NewViewHistory(o.historySize),
		updates:    bus.New[ViewUpdate](logger),
		notices:    make(chan Notice, 32),
		monitor:    NewMonitor(entity.Name, o.monitorPeriod, changeFeed.Dropped, logger),
	}, nil
}
