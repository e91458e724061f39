package gap

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/kartware/kartlive/log"
	"github.com/kartware/kartlive/pkg/model"
	"github.com/kartware/kartlive/pkg/processing/parser"
)

const (
	// historic time lost per already completed pit stop; folded into the
	// raw gap. Deliberately distinct from the operator configured average
	// pit duration which only enters the adjusted gap.
	historicPitSeconds = 150.0

	// used when neither a best lap nor a configured default lap time exists
	fallbackLapSeconds = 90.0

	// one trend arrow per this many seconds of gap movement
	arrowStepSeconds = 1.0
	maxArrows        = 3

	historyDepth = 11 // current lap plus the 10-lap horizon
)

var trendHorizons = []int{1, 5, 10}

// "2 Tours" / "1 Tour" lap markers as sent by the feed
var lapMarkerRegex = regexp.MustCompile(`(?i)^(\d+)\s+Tours?$`)

type histEntry struct {
	lap int
	gap float64
}

// Engine derives comparative timing from race snapshots. It keeps a short
// per-pair gap history for trend computation; everything else is derived
// fresh on every call. One engine serves exactly one track.
type Engine struct {
	l       *log.Logger
	history map[string][]histEntry // key: ref|target
}

type Option func(*Engine)

func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		e.l = l
	}
}

func New(opts ...Option) *Engine {
	ret := &Engine{
		l:       log.Default().Named("gap"),
		history: make(map[string][]histEntry),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// Reset drops all trend history, to be called on session change.
func (e *Engine) Reset() {
	e.history = make(map[string][]histEntry)
}

// ComputeGaps computes a GapRecord for every monitored team relative to the
// reference team. An undefined or unknown reference yields an empty result.
// The reference team itself is never part of the result.
func (e *Engine) ComputeGaps(
	snap *model.RaceSnapshot,
	refKey string,
	monitored []string,
	cfg model.PitStopConfig,
) map[string]model.GapRecord {
	ret := make(map[string]model.GapRecord)
	ref := snap.Team(refKey)
	if ref == nil {
		return ret
	}
	refGap, err := e.gapToLeader(snap, ref, cfg)
	if err != nil {
		e.l.Warn("reference gap not computable",
			log.String("rowKey", refKey), log.ErrorField(err))
		return ret
	}
	for _, key := range monitored {
		if key == refKey {
			continue
		}
		target := snap.Team(key)
		if target == nil {
			continue
		}
		rec, err := e.computeOne(snap, ref, refGap, target, cfg)
		if err != nil {
			e.l.Warn("gap not computable",
				log.String("rowKey", key), log.ErrorField(err))
			continue
		}
		ret[key] = rec
	}
	return ret
}

//nolint:whitespace // can't make the linters happy
func (e *Engine) computeOne(
	snap *model.RaceSnapshot,
	ref *model.TeamRow,
	refGap float64,
	target *model.TeamRow,
	cfg model.PitStopConfig,
) (model.GapRecord, error) {
	targetGap, err := e.gapToLeader(snap, target, cfg)
	if err != nil {
		return model.GapRecord{}, err
	}

	// already completed stops are compensated with the historic constant
	raw := (targetGap - refGap) +
		float64(target.Pits-ref.Pits)*historicPitSeconds

	refRemaining := remainingStops(cfg, ref.Pits)
	targetRemaining := remainingStops(cfg, target.Pits)
	adjusted := raw + float64(targetRemaining-refRemaining)*cfg.AvgPitDuration

	trends := e.trends(ref, target, raw)

	return model.GapRecord{
		RowKey:        target.RowKey,
		Position:      target.Position,
		Gap:           raw,
		AdjustedGap:   adjusted,
		RemainingPits: targetRemaining,
		// a finished or pitted team keeps its last known gap; the status
		// tells the consumer not to treat it as live
		Status: target.Status,
		Trends: trends,
	}, nil
}

// gapToLeader normalizes the three wire formats of the gap column
// ("Leader", signed seconds, lap-count marker) to seconds behind the
// current leader.
func (e *Engine) gapToLeader(
	snap *model.RaceSnapshot,
	team *model.TeamRow,
	cfg model.PitStopConfig,
) (float64, error) {
	raw := strings.TrimSpace(team.Gap)
	if team.Position == 1 || strings.EqualFold(raw, "Leader") {
		return 0, nil
	}
	if m := lapMarkerRegex.FindStringSubmatch(raw); m != nil {
		laps, _ := strconv.Atoi(m[1]) //nolint:errcheck // regex guarantees digits
		return float64(laps) * lapSeconds(team, cfg), nil
	}
	if raw == "" {
		return 0, fmt.Errorf("no gap value for %s", team.RowKey)
	}
	secs, err := parser.ParseSeconds(raw)
	if err != nil {
		return 0, err
	}
	// a plain seconds value is relative to the team's own lap; fold one
	// lap time per lap the team is down on the leader. Lapped teams
	// sitting between the positions but on the team's own lap are
	// "between but not blocking" and must not contribute.
	return secs + float64(e.lapsDown(snap, team))*lapSeconds(team, cfg), nil
}

// lapsDown determines how many full laps the team is behind the leader.
// The lap counters are authoritative when present; otherwise the lap
// markers of the teams ranked in between are counted.
func (e *Engine) lapsDown(snap *model.RaceSnapshot, team *model.TeamRow) int {
	if len(snap.Teams) == 0 {
		return 0
	}
	leader := snap.Teams[0]
	if leader.TotalLaps > 0 {
		if down := leader.TotalLaps - team.TotalLaps; down > 0 {
			return down
		}
		return 0
	}
	// no lap counters yet (early session): fall back to counting
	// lap-marked teams ranked ahead of this one
	return lo.CountBy(snap.Teams, func(t model.TeamRow) bool {
		return t.Position > 1 &&
			t.Position < team.Position &&
			lapMarkerRegex.MatchString(strings.TrimSpace(t.Gap))
	})
}

// trends reports the gap movement over the 1/5/10 lap horizons. History is
// recorded once per completed reference lap.
func (e *Engine) trends(ref, target *model.TeamRow, raw float64) []model.Trend {
	key := ref.RowKey + "|" + target.RowKey
	hist := e.history[key]
	lap := ref.TotalLaps
	if n := len(hist); n > 0 && hist[n-1].lap == lap {
		hist[n-1].gap = raw // same lap: keep the latest value
	} else {
		hist = append(hist, histEntry{lap: lap, gap: raw})
		if len(hist) > historyDepth {
			hist = hist[len(hist)-historyDepth:]
		}
	}
	e.history[key] = hist

	ret := make([]model.Trend, 0, len(trendHorizons))
	for _, horizon := range trendHorizons {
		wantLap := lap - horizon
		prev, found := lo.Find(hist, func(h histEntry) bool {
			return h.lap == wantLap
		})
		if !found {
			continue
		}
		delta := raw - prev.gap
		ret = append(ret, model.Trend{
			Laps:   horizon,
			Delta:  delta,
			Arrows: arrows(delta),
		})
	}
	return ret
}

// arrows converts a gap delta to a signed arrow count: negative means the
// target is closing in, positive means it is falling back.
func arrows(delta float64) int {
	if math.Abs(delta) < 0.05 {
		return 0
	}
	n := int(math.Ceil(math.Abs(delta) / arrowStepSeconds))
	if n > maxArrows {
		n = maxArrows
	}
	if delta < 0 {
		return -n
	}
	return n
}

func remainingStops(cfg model.PitStopConfig, completed int) int {
	if remaining := cfg.RequiredStops - completed; remaining > 0 {
		return remaining
	}
	return 0
}

func lapSeconds(team *model.TeamRow, cfg model.PitStopConfig) float64 {
	if team.BestLap > 0 {
		return team.BestLap
	}
	if cfg.DefaultLapTime > 0 {
		return cfg.DefaultLapTime
	}
	return fallbackLapSeconds
}
