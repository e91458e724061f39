//nolint:thelper,whitespace,lll,funlen,gocritic,dupl // ok for tests
package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartware/kartlive/pkg/model"
	"github.com/kartware/kartlive/pkg/pitcfg"
	"github.com/kartware/kartlive/pkg/processing/parser"
)

type fakeDB struct {
	mu    sync.Mutex
	execs [][]any
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...interface{}) (
	pgconn.CommandTag, error,
) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, args)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...interface{}) (
	pgx.Rows, error,
) {
	return nil, nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return nil
}

func (f *fakeDB) execCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.execs)
}

// stalledDB blocks every write until release is closed, like a database
// that stopped answering.
type stalledDB struct {
	fakeDB
	release chan struct{}
}

func (s *stalledDB) Exec(ctx context.Context, sql string, args ...interface{}) (
	pgconn.CommandTag, error,
) {
	<-s.release
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

type fakePublisher struct {
	mu        sync.Mutex
	snapshots []*model.RaceSnapshot
	deltas    []parser.FieldUpdate
	gaps      []map[string]model.GapRecord
	liveness  []model.SessionLiveness
}

func (f *fakePublisher) PublishSnapshot(trackID int, snap *model.RaceSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, snap)
}

func (f *fakePublisher) PublishDelta(trackID int, upd parser.FieldUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas = append(f.deltas, upd)
}

func (f *fakePublisher) PublishGaps(trackID int, gaps map[string]model.GapRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gaps = append(f.gaps, gaps)
}

func (f *fakePublisher) PublishLiveness(liveness model.SessionLiveness) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.liveness = append(f.liveness, liveness)
}

func sampleTrack() *model.DbTrack {
	return &model.DbTrack{
		ID:   1,
		Data: model.TrackData{Name: "alpha", Endpoint: "tcp://localhost:0", Active: true},
	}
}

func gridLines(sessionID string) []string {
	return []string{
		"grid|" + sessionID + "|green|Course 2h",
		"col|0|rk|Pos",
		"col|1|gap|Ecart",
		"col|2|tlp|Tours",
		"col|3|llp|Dernier",
		"row|0|team-a|Alpha",
		"row|1|team-b|Bravo",
		"r0c0|rk|1",
		"r0c1|gap|Leader",
		"r1c0|rk|2",
		"r1c1|gap|+5.0",
	}
}

func newTestWorker(t *testing.T) (*Worker, *fakePublisher, *fakeDB) {
	pub := &fakePublisher{}
	db := &fakeDB{}
	w := New(sampleTrack(), db, pub,
		pitcfg.Static{Cfg: model.PitStopConfig{AvgPitDuration: 150, DefaultLapTime: 60}})
	return w, pub, db
}

func TestWorker_GridStartsSession(t *testing.T) {
	w, pub, _ := newTestWorker(t)
	w.handleGrid(gridLines("sess-1"))

	pub.mu.Lock()
	require.Len(t, pub.snapshots, 1)
	snap := pub.snapshots[0]
	pub.mu.Unlock()

	assert.Equal(t, "sess-1", snap.SessionID)
	require.Len(t, snap.Teams, 2)
	want := []string{"team-a", "team-b"}
	got := []string{snap.Teams[0].RowKey, snap.Teams[1].RowKey}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected ranking (-want +got):\n%s", diff)
	}

	status := w.Status()
	assert.Equal(t, 2, status.Teams)
	assert.Equal(t, "sess-1", status.SessionID)
	assert.True(t, status.SessionActive)
}

func TestWorker_GridWithoutSessionIDGetsOne(t *testing.T) {
	w, pub, _ := newTestWorker(t)
	w.handleGrid(gridLines(""))

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.snapshots, 1)
	assert.NotEmpty(t, pub.snapshots[0].SessionID)
}

func TestWorker_CellUpdateFlow(t *testing.T) {
	w, pub, _ := newTestWorker(t)
	w.handleGrid(gridLines("sess-1"))

	w.handleLine("r1c1|gap|+7.5")

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.deltas, 1)
	assert.Equal(t, parser.FieldGap, pub.deltas[0].Field)
	assert.Equal(t, "+7.5", pub.deltas[0].Value)
	// gaps follow every update; the reference defaults to the leader
	require.NotEmpty(t, pub.gaps)
	last := pub.gaps[len(pub.gaps)-1]
	require.Contains(t, last, "team-b")
	assert.InDelta(t, 7.5, last["team-b"].Gap, 0.0001)
}

func TestWorker_MalformedLineIgnored(t *testing.T) {
	w, pub, _ := newTestWorker(t)
	w.handleGrid(gridLines("sess-1"))

	w.handleLine("r99c0|rk|1") // unknown row
	w.handleLine("???")

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Empty(t, pub.deltas)
}

func TestWorker_FlagAndSessionText(t *testing.T) {
	w, _, _ := newTestWorker(t)
	w.handleGrid(gridLines("sess-1"))

	w.handleLine("flag|yellow")
	w.handleLine("ses|Restart")

	snap := w.store.Snapshot()
	assert.Equal(t, "yellow", snap.Flag)
	assert.Equal(t, "Restart", snap.SessionText)
}

func TestWorker_LapCompletionPersisted(t *testing.T) {
	w, _, db := newTestWorker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.persistLaps(ctx)

	w.handleGrid(gridLines("sess-1"))
	w.handleLine("r1c3|llp|1:01.5")
	w.handleLine("r1c2|tlp|13")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && db.execCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, db.execCount())
	db.mu.Lock()
	defer db.mu.Unlock()
	// track_id, session_id, row_key, lap_no, lap_time, recorded
	assert.Equal(t, 1, db.execs[0][0])
	assert.Equal(t, "sess-1", db.execs[0][1])
	assert.Equal(t, "team-b", db.execs[0][2])
	assert.Equal(t, 13, db.execs[0][3])
	assert.InDelta(t, 61.5, db.execs[0][4].(float64), 0.0001)
}

func TestWorker_StalledPersistenceDoesNotBlockParsing(t *testing.T) {
	pub := &fakePublisher{}
	release := make(chan struct{})
	db := &stalledDB{release: release}
	t.Cleanup(func() { close(release) })
	w := New(sampleTrack(), db, pub,
		pitcfg.Static{Cfg: model.PitStopConfig{AvgPitDuration: 150, DefaultLapTime: 60}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.persistLaps(ctx)

	w.handleGrid(gridLines("sess-1"))

	// more completions than the queue holds while the writer is stuck
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= lapQueueSize+100; i++ {
			w.handleLine(fmt.Sprintf("r1c3|llp|1:01.%03d", i%1000))
			w.handleLine(fmt.Sprintf("r1c2|tlp|%d", i))
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("parse path stalled on the lap persistence queue")
	}
}

func TestWorker_SnapshotSubscription(t *testing.T) {
	w, _, _ := newTestWorker(t)
	sub := w.Snapshots()
	defer w.CancelSnapshots(sub)

	go w.handleGrid(gridLines("sess-1"))

	select {
	case snap := <-sub:
		assert.Equal(t, "sess-1", snap.SessionID)
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot delivered")
	}
}

func TestWorker_SimulateSession(t *testing.T) {
	w, _, _ := newTestWorker(t)
	assert.False(t, w.Status().SessionActive)

	w.SimulateSession(true)
	assert.True(t, w.Status().SessionActive)

	w.SimulateSession(false)
	assert.False(t, w.Status().SessionActive)
}

func TestWorker_NewSessionResetsState(t *testing.T) {
	w, pub, _ := newTestWorker(t)
	w.handleGrid(gridLines("sess-1"))
	w.handleLine("r1c2|tlp|13")

	w.handleGrid(gridLines("sess-2"))

	assert.Equal(t, "sess-2", w.Status().SessionID)
	pub.mu.Lock()
	defer pub.mu.Unlock()
	last := pub.snapshots[len(pub.snapshots)-1]
	assert.Equal(t, 0, last.Teams[1].TotalLaps)
}
