package worker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/kartware/kartlive/log"
	"github.com/kartware/kartlive/pkg/connection"
	"github.com/kartware/kartlive/pkg/model"
	"github.com/kartware/kartlive/pkg/pitcfg"
	"github.com/kartware/kartlive/pkg/processing/gap"
	"github.com/kartware/kartlive/pkg/processing/monitor"
	"github.com/kartware/kartlive/pkg/processing/parser"
	"github.com/kartware/kartlive/pkg/processing/state"
	"github.com/kartware/kartlive/pkg/repository"
	"github.com/kartware/kartlive/pkg/repository/lap"
	"github.com/kartware/kartlive/pkg/utils/broadcast"
)

// Broadcaster is the downstream fan-out used by a worker. Best effort;
// implementations must not block the caller beyond a short grace period.
type Broadcaster interface {
	PublishSnapshot(trackID int, snap *model.RaceSnapshot)
	PublishDelta(trackID int, upd parser.FieldUpdate)
	PublishGaps(trackID int, gaps map[string]model.GapRecord)
	PublishLiveness(liveness model.SessionLiveness)
}

// Status is the synchronous view into otherwise asynchronous worker state.
type Status struct {
	TrackID       int       `json:"trackId"`
	Name          string    `json:"name"`
	Connected     bool      `json:"connected"`
	Connection    string    `json:"connection"`
	SessionActive bool      `json:"sessionActive"`
	SessionID     string    `json:"sessionId"`
	Teams         int       `json:"teams"`
	LastUpdate    time.Time `json:"lastUpdate"`
}

const (
	lapQueueSize     = 512
	snapQueueSize    = 16
	snapshotInterval = time.Second
)

// Worker runs the complete pipeline for one track: feed connection,
// protocol parsing, state reconstruction, gap analytics, lap persistence,
// broadcast and liveness monitoring. It is the unit of isolation and
// failure; nothing in here is shared with another track.
type Worker struct {
	track   *model.DbTrack
	l       *log.Logger
	parser  *parser.Parser
	store   *state.Store
	engine  *gap.Engine
	monitor *monitor.Monitor
	conn    *connection.Connection
	db      repository.Querier
	pub     Broadcaster
	pits    pitcfg.Provider

	lapQueue chan model.LapRecord

	// in-process snapshot fan-out for embedded consumers
	snapSource chan *model.RaceSnapshot
	snapServer broadcast.BroadcastServer[*model.RaceSnapshot]

	// guarded view for concurrent status readers; the message processing
	// path is the only writer
	mu             sync.RWMutex
	lastUpdate     time.Time
	teamCount      int
	sessionID      string
	refKey         string
	monitoredKeys  []string
	lastSnapshotAt time.Time

	printMessage bool
}

type Option func(*Worker)

func WithLogger(l *log.Logger) Option {
	return func(w *Worker) {
		w.l = l
	}
}

func WithMonitorOptions(opts ...monitor.Option) Option {
	return func(w *Worker) {
		w.monitor = monitor.New(w.track.ID, opts...)
	}
}

func WithConnectionOptions(opts ...connection.Option) Option {
	return func(w *Worker) {
		w.conn = w.newConnection(opts...)
	}
}

// WithReference pins the gap reference team and the monitored set. Without
// it the current leader is the reference and all teams are monitored.
func WithReference(refKey string, monitored []string) Option {
	return func(w *Worker) {
		w.refKey = refKey
		w.monitoredKeys = monitored
	}
}

// WithPrintMessage logs every raw feed message on debug level.
func WithPrintMessage(arg bool) Option {
	return func(w *Worker) {
		w.printMessage = arg
	}
}

//nolint:whitespace // can't make the linters happy
func New(
	track *model.DbTrack,
	db repository.Querier,
	pub Broadcaster,
	pits pitcfg.Provider,
	opts ...Option,
) *Worker {
	l := log.Default().Named("worker").Named(track.Data.Name)
	ret := &Worker{
		track: track,
		l:     l,
		parser: parser.New(
			parser.WithLegacyColumns(track.Data.LegacyColumns),
			parser.WithLogger(l.Named("parser"))),
		store:      state.New(state.WithLogger(l.Named("state"))),
		engine:     gap.New(gap.WithLogger(l.Named("gap"))),
		monitor:    monitor.New(track.ID),
		db:         db,
		pub:        pub,
		pits:       pits,
		lapQueue:   make(chan model.LapRecord, lapQueueSize),
		snapSource: make(chan *model.RaceSnapshot, snapQueueSize),
	}
	ret.snapServer = broadcast.NewBroadcastServer(
		track.Data.Name, "snapshots", ret.snapSource)
	ret.conn = ret.newConnection()
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

func (w *Worker) newConnection(opts ...connection.Option) *connection.Connection {
	all := append([]connection.Option{
		connection.WithLogger(w.l.Named("connection")),
		connection.WithGridHandler(w.handleGrid),
		connection.WithLineHandler(w.handleLine),
	}, opts...)
	return connection.New(w.track.Data.Endpoint, w.track.Data.Name, all...)
}

// Run blocks until the context is canceled. The feed read loop runs on
// this goroutine; the liveness check, liveness fan-out and lap persistence
// run on their own.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		w.monitor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		w.forwardLiveness(ctx)
	}()
	go func() {
		defer wg.Done()
		w.persistLaps(ctx)
	}()

	err := w.conn.Run(ctx)
	wg.Wait()
	w.snapServer.Close()
	return err
}

// SimulateSession sets or clears the liveness state exactly as real data
// arrival would, for testing without a live feed.
func (w *Worker) SimulateSession(start bool) {
	if start {
		w.monitor.Touch()
	} else {
		w.monitor.Deactivate()
	}
}

func (w *Worker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	connState := w.conn.State()
	return Status{
		TrackID:       w.track.ID,
		Name:          w.track.Data.Name,
		Connected:     connState == connection.Connected,
		Connection:    connState.String(),
		SessionActive: w.monitor.State().State == model.LivenessActive,
		SessionID:     w.sessionID,
		Teams:         w.teamCount,
		LastUpdate:    w.lastUpdate,
	}
}

// handleGrid ingests a full grid payload: fresh session, fresh state.
func (w *Worker) handleGrid(lines []string) {
	grid, err := w.parser.ParseSnapshot(lines)
	if err != nil {
		w.l.Error("grid payload not usable", log.ErrorField(err))
		return
	}
	if grid.SessionID == "" {
		// some feeds omit the session id; laps still need a stable one
		grid.SessionID = uuid.NewString()
	}
	if weakest := grid.Columns.Weakest(); weakest > parser.FromTypeCode {
		w.l.Warn("feed without full type codes",
			log.String("resolution", weakest.String()))
	}
	laps := w.store.SeedFromGrid(grid)
	w.engine.Reset()
	w.monitor.Touch()
	w.enqueueLaps(laps)

	snap := w.store.Snapshot()
	w.markUpdate(snap)
	w.pub.PublishSnapshot(w.track.ID, snap)
	w.l.Info("session grid received",
		log.String("sessionId", grid.SessionID),
		log.Int("teams", len(snap.Teams)))
}

// handleLine processes one delta message in feed arrival order.
func (w *Worker) handleLine(line string) {
	if w.printMessage {
		w.l.Debug("feed message", log.String("line", line))
	}
	switch {
	case strings.HasPrefix(line, "flag|"):
		w.store.SetFlag(strings.TrimPrefix(line, "flag|"))
		w.monitor.Touch()
	case strings.HasPrefix(line, "ses|"):
		w.store.SetSessionText(strings.TrimPrefix(line, "ses|"))
		w.monitor.Touch()
	case parser.IsCellUpdate(line):
		w.handleCell(line)
	default:
		w.l.Debug("unhandled feed message", log.String("line", line))
	}
}

func (w *Worker) handleCell(line string) {
	upd, err := w.parser.ParseUpdate(line)
	if err != nil {
		// one malformed cell never drops the batch or the connection
		w.l.Warn("dropping cell update",
			log.String("line", line), log.ErrorField(err))
		return
	}
	if upd == nil { // recognized but discarded (sectors)
		return
	}
	if lc := w.store.ApplyUpdate(*upd); lc != nil {
		w.enqueueLaps([]state.LapCompletion{*lc})
	}
	w.monitor.Touch()
	w.pub.PublishDelta(w.track.ID, *upd)

	snap := w.store.Snapshot()
	w.markUpdate(snap)
	w.publishDerived(snap)
}

// publishDerived emits gaps on every update and the full snapshot at most
// once per interval; deltas carry the per-field changes in between.
func (w *Worker) publishDerived(snap *model.RaceSnapshot) {
	refKey, monitored := w.referenceFor(snap)
	if refKey != "" {
		cfg := w.pits.Get(w.track.ID)
		gaps := w.engine.ComputeGaps(snap, refKey, monitored, cfg)
		if len(gaps) > 0 {
			w.pub.PublishGaps(w.track.ID, gaps)
		}
	}

	w.mu.Lock()
	due := time.Since(w.lastSnapshotAt) >= snapshotInterval
	if due {
		w.lastSnapshotAt = time.Now()
	}
	w.mu.Unlock()
	if due {
		w.pub.PublishSnapshot(w.track.ID, snap)
	}
}

func (w *Worker) referenceFor(snap *model.RaceSnapshot) (string, []string) {
	w.mu.RLock()
	refKey := w.refKey
	monitored := w.monitoredKeys
	w.mu.RUnlock()
	if refKey == "" && len(snap.Teams) > 0 {
		refKey = snap.Teams[0].RowKey
	}
	if len(monitored) == 0 {
		monitored = lo.Map(snap.Teams, func(t model.TeamRow, _ int) string {
			return t.RowKey
		})
	}
	return refKey, monitored
}

func (w *Worker) markUpdate(snap *model.RaceSnapshot) {
	w.mu.Lock()
	w.lastUpdate = time.Now()
	w.teamCount = len(snap.Teams)
	w.sessionID = snap.SessionID
	w.mu.Unlock()
	select {
	case w.snapSource <- snap:
	default:
		// embedded consumers lag behind: newest state wins
	}
}

// Snapshots subscribes to the in-process snapshot stream. Cancel with
// CancelSnapshots when done.
func (w *Worker) Snapshots() <-chan *model.RaceSnapshot {
	return w.snapServer.Subscribe()
}

func (w *Worker) CancelSnapshots(ch <-chan *model.RaceSnapshot) {
	w.snapServer.CancelSubscription(ch)
}

func (w *Worker) enqueueLaps(laps []state.LapCompletion) {
	sessionID := w.store.SessionID()
	for _, lc := range laps {
		rec := model.LapRecord{
			TrackID:   w.track.ID,
			SessionID: sessionID,
			RowKey:    lc.RowKey,
			LapNo:     lc.LapNo,
			LapTime:   lc.LapTime,
			Recorded:  time.Now(),
		}
		// parsing must never wait on persistence: when the writer falls
		// behind the queue sheds its oldest record, with the loss logged
		select {
		case w.lapQueue <- rec:
		default:
			select {
			case dropped := <-w.lapQueue:
				w.l.Error("lap queue full, dropping oldest pending record",
					log.String("rowKey", dropped.RowKey),
					log.Int("lapNo", dropped.LapNo))
			default:
			}
			select {
			case w.lapQueue <- rec:
			default:
			}
		}
	}
}

// persistLaps drains the lap queue with its own retry discipline.
// Ingestion never waits on a persistence retry.
func (w *Worker) persistLaps(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-w.lapQueue:
			w.writeLap(ctx, rec)
		}
	}
}

func (w *Worker) writeLap(ctx context.Context, rec model.LapRecord) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 5 * time.Minute
	err := backoff.Retry(func() error {
		_, err := lap.Create(ctx, w.db, &rec)
		return err
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		w.l.Error("lap record lost after retries",
			log.String("rowKey", rec.RowKey),
			log.Int("lapNo", rec.LapNo),
			log.ErrorField(err))
	}
}

func (w *Worker) forwardLiveness(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.monitor.Events():
			if !ok {
				return
			}
			w.pub.PublishLiveness(ev)
		}
	}
}
