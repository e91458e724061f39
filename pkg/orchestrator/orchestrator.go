package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"

	"github.com/kartware/kartlive/log"
	"github.com/kartware/kartlive/pkg/model"
	"github.com/kartware/kartlive/pkg/pitcfg"
	"github.com/kartware/kartlive/pkg/repository/track"
	"github.com/kartware/kartlive/pkg/worker"
)

var ErrUnknownTrack = errors.New("no worker for track")

// Orchestrator owns one worker per configured track. A failing worker is
// restarted with backoff and never takes another track down with it.
type Orchestrator struct {
	l          *log.Logger
	pool       *pgxpool.Pool
	pub        worker.Broadcaster
	pits       pitcfg.Provider
	wOpts      []worker.Option
	loadTracks func(ctx context.Context) ([]*model.DbTrack, error)
	trackIDs   []int
	mu         sync.RWMutex
	workers    map[int]*worker.Worker
	wg         sync.WaitGroup
	runCtx     context.Context
	cancel     context.CancelFunc
}

type Option func(*Orchestrator)

func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) {
		o.l = l
	}
}

// WithWorkerOptions passes options through to every created worker.
func WithWorkerOptions(opts ...worker.Option) Option {
	return func(o *Orchestrator) {
		o.wOpts = opts
	}
}

//nolint:whitespace // can't make the linters happy
func New(
	pool *pgxpool.Pool,
	pub worker.Broadcaster,
	pits pitcfg.Provider,
	opts ...Option,
) *Orchestrator {
	ret := &Orchestrator{
		l:       log.Default().Named("orchestrator"),
		pool:    pool,
		pub:     pub,
		pits:    pits,
		workers: make(map[int]*worker.Worker),
	}
	ret.loadTracks = func(ctx context.Context) ([]*model.DbTrack, error) {
		return track.LoadActive(ctx, ret.pool)
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// Start loads the active tracks and launches a worker per track. Tracks
// without an endpoint are configuration errors: logged and skipped, the
// rest of the fleet starts normally.
func (o *Orchestrator) Start(ctx context.Context, trackIDs []int) error {
	o.trackIDs = trackIDs
	runCtx, cancel := context.WithCancel(ctx)
	o.runCtx = runCtx
	o.cancel = cancel
	if _, err := o.launchNew(); err != nil {
		return err
	}
	o.l.Info("orchestrator started", log.Int("workers", o.workerCount()))
	return nil
}

// Refresh re-reads the track registry and starts workers for tracks that
// appeared since the last load. Running workers are left alone; removing
// a track requires a restart.
func (o *Orchestrator) Refresh() (int, error) {
	started, err := o.launchNew()
	if err != nil {
		return 0, err
	}
	if started > 0 {
		o.l.Info("track registry refreshed", log.Int("newWorkers", started))
	}
	return started, nil
}

// launchNew starts a worker for every selected track that has none yet.
// Tracks without an endpoint are configuration errors: logged and
// skipped, the rest of the fleet is unaffected.
func (o *Orchestrator) launchNew() (int, error) {
	tracks, err := o.selectTracks(o.runCtx, o.trackIDs)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, t := range tracks {
		o.mu.RLock()
		_, exists := o.workers[t.ID]
		o.mu.RUnlock()
		if exists {
			continue
		}
		if t.Data.Endpoint == "" {
			o.l.Error("track has no feed endpoint, skipping",
				log.Int("trackId", t.ID),
				log.String("name", t.Data.Name))
			continue
		}
		w := worker.New(t, o.pool, o.pub, o.pits, o.wOpts...)
		o.mu.Lock()
		o.workers[t.ID] = w
		o.mu.Unlock()
		o.wg.Add(1)
		go o.supervise(o.runCtx, t.ID, w)
		started++
	}
	return started, nil
}

//nolint:whitespace // can't make the linters happy
func (o *Orchestrator) selectTracks(
	ctx context.Context,
	trackIDs []int,
) ([]*model.DbTrack, error) {
	tracks, err := o.loadTracks(ctx)
	if err != nil {
		return nil, err
	}
	if len(trackIDs) == 0 {
		return tracks, nil
	}
	ret := lo.Filter(tracks, func(t *model.DbTrack, _ int) bool {
		return lo.Contains(trackIDs, t.ID)
	})
	return ret, nil
}

// supervise restarts a worker whose Run returns with an error. A clean
// return (context canceled) ends supervision.
func (o *Orchestrator) supervise(ctx context.Context, trackID int, w *worker.Worker) {
	defer o.wg.Done()
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0
	for {
		err := w.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		o.l.Error("worker terminated, restarting",
			log.Int("trackId", trackID),
			log.ErrorField(err),
			log.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Status reports all workers, ordered by track id.
func (o *Orchestrator) Status() []worker.Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ret := lo.MapToSlice(o.workers, func(_ int, w *worker.Worker) worker.Status {
		return w.Status()
	})
	// map iteration order is random
	sort.Slice(ret, func(i, j int) bool { return ret[i].TrackID < ret[j].TrackID })
	return ret
}

// TrackStatus reports a single worker.
func (o *Orchestrator) TrackStatus(trackID int) (worker.Status, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	w, ok := o.workers[trackID]
	if !ok {
		return worker.Status{}, false
	}
	return w.Status(), true
}

// Simulate toggles session liveness on one worker without feed data.
func (o *Orchestrator) Simulate(trackID int, start bool) error {
	o.mu.RLock()
	w, ok := o.workers[trackID]
	o.mu.RUnlock()
	if !ok {
		return ErrUnknownTrack
	}
	w.SimulateSession(start)
	return nil
}

// Shutdown cancels all workers and waits for them to finish.
func (o *Orchestrator) Shutdown() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	o.l.Info("orchestrator stopped")
}

func (o *Orchestrator) workerCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.workers)
}
