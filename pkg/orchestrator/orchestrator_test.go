//nolint:thelper,whitespace,lll,funlen,gocritic,dupl // ok for tests
package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartware/kartlive/pkg/model"
	"github.com/kartware/kartlive/pkg/pitcfg"
	"github.com/kartware/kartlive/pkg/processing/parser"
)

type noopPublisher struct{}

func (noopPublisher) PublishSnapshot(int, *model.RaceSnapshot)    {}
func (noopPublisher) PublishDelta(int, parser.FieldUpdate)        {}
func (noopPublisher) PublishGaps(int, map[string]model.GapRecord) {}
func (noopPublisher) PublishLiveness(model.SessionLiveness)       {}

func registryTrack(id int, name, endpoint string) *model.DbTrack {
	return &model.DbTrack{
		ID:   id,
		Data: model.TrackData{Name: name, Endpoint: endpoint, Active: true},
	}
}

func TestOrchestrator_RefreshStartsNewTracks(t *testing.T) {
	var mu sync.Mutex
	registry := []*model.DbTrack{
		registryTrack(1, "alpha", "tcp://127.0.0.1:1"),
	}

	o := New(nil, noopPublisher{}, pitcfg.Static{Cfg: model.PitStopConfig{DefaultLapTime: 60}})
	o.loadTracks = func(ctx context.Context) ([]*model.DbTrack, error) {
		mu.Lock()
		defer mu.Unlock()
		ret := make([]*model.DbTrack, len(registry))
		copy(ret, registry)
		return ret, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx, nil))
	defer o.Shutdown()
	require.Len(t, o.Status(), 1)

	// two new registry entries, one of them without an endpoint
	mu.Lock()
	registry = append(registry,
		registryTrack(2, "bravo", "tcp://127.0.0.1:1"),
		registryTrack(3, "charlie", ""))
	mu.Unlock()

	started, err := o.Refresh()
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	status := o.Status()
	require.Len(t, status, 2)
	assert.Equal(t, 1, status[0].TrackID)
	assert.Equal(t, 2, status[1].TrackID)

	// unchanged registry: refresh is a no-op, workers stay untouched
	started, err = o.Refresh()
	require.NoError(t, err)
	assert.Equal(t, 0, started)
	assert.Len(t, o.Status(), 2)
}

func TestOrchestrator_RefreshKeepsTrackFilter(t *testing.T) {
	var mu sync.Mutex
	registry := []*model.DbTrack{
		registryTrack(1, "alpha", "tcp://127.0.0.1:1"),
	}

	o := New(nil, noopPublisher{}, pitcfg.Static{Cfg: model.PitStopConfig{DefaultLapTime: 60}})
	o.loadTracks = func(ctx context.Context) ([]*model.DbTrack, error) {
		mu.Lock()
		defer mu.Unlock()
		ret := make([]*model.DbTrack, len(registry))
		copy(ret, registry)
		return ret, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx, []int{1}))
	defer o.Shutdown()

	mu.Lock()
	registry = append(registry, registryTrack(2, "bravo", "tcp://127.0.0.1:1"))
	mu.Unlock()

	started, err := o.Refresh()
	require.NoError(t, err)
	assert.Equal(t, 0, started)
	assert.Len(t, o.Status(), 1)
}
