//nolint:dupl,funlen,errcheck,gocognit //ok for this test code
package track

import (
	"context"
	"log"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gotest.tools/v3/assert"

	"github.com/kartware/kartlive/pkg/model"
	"github.com/kartware/kartlive/testsupport/testdb"
)

var sampleTrack = &model.DbTrack{
	ID: 1,
	Data: model.TrackData{
		Name:     "Circuit Alpha",
		Endpoint: "tcp://alpha.example.com:4100",
		LegacyColumns: map[int]string{
			0: "position",
			4: "gap",
		},
		Active: true,
	},
}

func createSampleEntry(db *pgxpool.Pool) *model.DbTrack {
	ctx := context.Background()
	err := pgx.BeginFunc(context.Background(), db, func(tx pgx.Tx) error {
		return Create(ctx, tx, sampleTrack)
	})
	if err != nil {
		log.Fatalf("createSampleEntry: %v\n", err)
	}
	return sampleTrack
}

func TestCreate(t *testing.T) {
	pool := testdb.InitTestDb()
	tests := []struct {
		name    string
		track   *model.DbTrack
		wantErr bool
	}{
		{
			name: "new entry",
			track: &model.DbTrack{
				ID:   2,
				Data: model.TrackData{Name: "Circuit Bravo", Active: false},
			},
		},
		{
			name:    "duplicate",
			track:   sampleTrack,
			wantErr: true,
		},
	}
	createSampleEntry(pool)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := pgx.BeginFunc(
				context.Background(), pool,
				func(tx pgx.Tx) error {
					return Create(context.Background(), tx, tt.track)
				})
			if (err != nil) != tt.wantErr {
				t.Errorf("Create() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadById(t *testing.T) {
	pool := testdb.InitTestDb()
	sample := createSampleEntry(pool)

	track, err := LoadById(context.Background(), pool, sample.ID)
	assert.NilError(t, err)
	assert.DeepEqual(t, sample.Data, track.Data)

	_, err = LoadById(context.Background(), pool, 999)
	assert.Assert(t, err != nil)
}

func TestLoadActive(t *testing.T) {
	pool := testdb.InitTestDb()
	createSampleEntry(pool)
	inactive := &model.DbTrack{
		ID:   7,
		Data: model.TrackData{Name: "Closed Circuit", Active: false},
	}
	err := pgx.BeginFunc(context.Background(), pool, func(tx pgx.Tx) error {
		return Create(context.Background(), tx, inactive)
	})
	assert.NilError(t, err)

	tracks, err := LoadActive(context.Background(), pool)
	assert.NilError(t, err)
	assert.Equal(t, 1, len(tracks))
	assert.Equal(t, sampleTrack.ID, tracks[0].ID)
}

func TestUpdate(t *testing.T) {
	pool := testdb.InitTestDb()
	sample := createSampleEntry(pool)

	sample.Data.Endpoint = "tls://alpha.example.com:4101"
	num, err := Update(context.Background(), pool, sample)
	assert.NilError(t, err)
	assert.Equal(t, 1, num)

	reloaded, err := LoadById(context.Background(), pool, sample.ID)
	assert.NilError(t, err)
	assert.Equal(t, "tls://alpha.example.com:4101", reloaded.Data.Endpoint)
}

func TestDeleteById(t *testing.T) {
	pool := testdb.InitTestDb()
	sample := createSampleEntry(pool)

	num, err := DeleteById(context.Background(), pool, sample.ID)
	assert.NilError(t, err)
	assert.Equal(t, 1, num)

	num, err = DeleteById(context.Background(), pool, sample.ID)
	assert.NilError(t, err)
	assert.Equal(t, 0, num)
}
