package state

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kartware/kartlive/log"
	"github.com/kartware/kartlive/pkg/model"
	"github.com/kartware/kartlive/pkg/processing/parser"
)

// LapCompletion is synthesized when a row's total lap count increments.
// This is the only place lap boundaries are detected; the feed has no
// explicit lap-complete event.
type LapCompletion struct {
	RowKey  string
	LapNo   int
	LapTime float64 // the previous lap's time as currently known
}

// internal mutable row; never leaves the store
type teamRow struct {
	rowKey    string
	kartNo    string
	name      string
	position  int
	lastLap   float64
	bestLap   float64
	gap       string
	interval  string
	totalLaps int
	runtime   float64
	pits      int
	status    model.TeamStatus
	gridOrder int // tie breaker when the feed produces duplicate positions
}

// Store maintains the mutable row table for one track. It is owned by the
// track's message processing path; concurrent readers must use Snapshot().
type Store struct {
	l           *log.Logger
	sessionID   string
	flag        string
	sessionText string
	rows        map[string]*teamRow
	order       []string // row keys in grid order
}

type Option func(*Store)

func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		s.l = l
	}
}

func New(opts ...Option) *Store {
	ret := &Store{
		l:    log.Default().Named("state"),
		rows: make(map[string]*teamRow),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// SeedFromGrid resets the store to a fresh session and applies the grid's
// initial cell values. Any previous session state is discarded.
func (s *Store) SeedFromGrid(grid *parser.Grid) []LapCompletion {
	s.sessionID = grid.SessionID
	s.flag = grid.Flag
	s.sessionText = grid.SessionText
	s.rows = make(map[string]*teamRow)
	s.order = make([]string, 0, len(grid.RowKeys))

	indices := make([]int, 0, len(grid.RowKeys))
	for idx := range grid.RowKeys {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for i, idx := range indices {
		key := grid.RowKeys[idx]
		s.rows[key] = &teamRow{
			rowKey:    key,
			name:      grid.Names[key],
			position:  i + 1,
			status:    model.StatusOnTrack,
			gridOrder: i,
		}
		s.order = append(s.order, key)
	}
	return s.ApplyBatch(grid.Updates)
}

func (s *Store) SessionID() string { return s.sessionID }

func (s *Store) SetFlag(flag string) { s.flag = flag }

func (s *Store) SetSessionText(text string) { s.sessionText = text }

// ApplyUpdate performs last-write-wins on the addressed field only.
// Returns a non-nil LapCompletion when the update incremented the row's
// total lap count.
//
//nolint:gocyclo,cyclop // one case per field
func (s *Store) ApplyUpdate(upd parser.FieldUpdate) *LapCompletion {
	row, ok := s.rows[upd.RowKey]
	if !ok {
		s.l.Warn("update for unknown row dropped", log.String("rowKey", upd.RowKey))
		return nil
	}
	switch upd.Field {
	case parser.FieldPosition:
		row.position = s.parseInt(upd, row.position)
	case parser.FieldKartNo:
		row.kartNo = upd.Value
	case parser.FieldName:
		row.name = upd.Value
	case parser.FieldLastLap:
		row.lastLap = s.parseSeconds(upd, row.lastLap)
	case parser.FieldBestLap:
		row.bestLap = s.parseSeconds(upd, row.bestLap)
	case parser.FieldGap:
		row.gap = upd.Value
	case parser.FieldInterval:
		row.interval = upd.Value
	case parser.FieldRuntime:
		row.runtime = s.parseSeconds(upd, row.runtime)
	case parser.FieldPits:
		row.pits = s.parseInt(upd, row.pits)
	case parser.FieldStatus:
		row.status = parseStatus(upd.Value, row.status)
	case parser.FieldTotalLaps:
		laps := s.parseInt(upd, row.totalLaps)
		if laps > row.totalLaps {
			row.totalLaps = laps
			return &LapCompletion{
				RowKey:  row.rowKey,
				LapNo:   laps,
				LapTime: row.lastLap,
			}
		}
		row.totalLaps = laps
	}
	return nil
}

func (s *Store) ApplyBatch(updates []parser.FieldUpdate) []LapCompletion {
	var ret []LapCompletion
	for i := range updates {
		if lc := s.ApplyUpdate(updates[i]); lc != nil {
			ret = append(ret, *lc)
		}
	}
	return ret
}

// Snapshot derives the public, immutable view. Positions are validated for
// contiguity here; when the feed temporarily produced gaps or duplicates
// (common during grid reshuffles) rows are re-ranked by last known position
// order instead of raising an error.
func (s *Store) Snapshot() *model.RaceSnapshot {
	rows := make([]*teamRow, 0, len(s.rows))
	for _, key := range s.order {
		rows = append(rows, s.rows[key])
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].position != rows[j].position {
			return rows[i].position < rows[j].position
		}
		return rows[i].gridOrder < rows[j].gridOrder
	})

	teams := make([]model.TeamRow, 0, len(rows))
	for i, row := range rows {
		teams = append(teams, model.TeamRow{
			RowKey:     row.rowKey,
			KartNo:     row.kartNo,
			Name:       row.name,
			Position:   i + 1,
			LastLap:    row.lastLap,
			BestLap:    row.bestLap,
			Gap:        row.gap,
			Interval:   row.interval,
			TotalLaps:  row.totalLaps,
			OnTrackFor: row.runtime,
			Pits:       row.pits,
			Status:     row.status,
		})
	}
	return &model.RaceSnapshot{
		SessionID:   s.sessionID,
		Flag:        s.flag,
		SessionText: s.sessionText,
		Teams:       teams,
		Generated:   time.Now(),
	}
}

func (s *Store) parseInt(upd parser.FieldUpdate, prev int) int {
	v, err := strconv.Atoi(strings.TrimSpace(upd.Value))
	if err != nil {
		s.l.Warn("invalid int value dropped",
			log.String("rowKey", upd.RowKey),
			log.String("field", upd.Field.String()),
			log.String("value", upd.Value))
		return prev
	}
	return v
}

func (s *Store) parseSeconds(upd parser.FieldUpdate, prev float64) float64 {
	v, err := parser.ParseSeconds(upd.Value)
	if err != nil {
		s.l.Warn("invalid time value dropped",
			log.String("rowKey", upd.RowKey),
			log.String("field", upd.Field.String()),
			log.String("value", upd.Value))
		return prev
	}
	return v
}

func parseStatus(value string, prev model.TeamStatus) model.TeamStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "run", "ontrack", "on track":
		return model.StatusOnTrack
	case "in", "pitin", "pit in":
		return model.StatusPitIn
	case "out", "pitout", "pit out":
		return model.StatusPitOut
	case "fin", "finish", "finished":
		return model.StatusFinished
	default:
		return prev
	}
}
