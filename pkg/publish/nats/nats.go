package nats

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/ohler55/ojg/oj"

	"github.com/kartware/kartlive/log"
	"github.com/kartware/kartlive/pkg/model"
	"github.com/kartware/kartlive/pkg/processing/parser"
)

// subject layout: kartlive.<trackID>.<kind>; narrow per-team gap
// subscriptions use kartlive.<trackID>.gaps.<rowKey>
const (
	subjectPrefix    = "kartlive"
	subjectStatus    = "kartlive.status"
	subjectControl   = "kartlive.control" // kartlive.control.<trackID>.simulate
	publishWaitGrace = 2 * time.Second
)

// envelope wraps every broadcast payload
type envelope struct {
	Type      model.MessageType `json:"type"`
	TrackID   int               `json:"trackId"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   any               `json:"payload"`
}

type deltaPayload struct {
	RowKey string `json:"rowKey"`
	Field  string `json:"field"`
	Value  string `json:"value"`
}

// Publisher is the room addressed fan-out to NATS. Delivery is best
// effort: a failed publish is logged, never retried on the ingestion path.
type Publisher struct {
	conn *nats.Conn
	l    *log.Logger
	subs []*nats.Subscription
}

type Option func(*Publisher)

func WithLogger(l *log.Logger) Option {
	return func(p *Publisher) {
		p.l = l
	}
}

func NewPublisher(conn *nats.Conn, opts ...Option) *Publisher {
	ret := &Publisher{
		conn: conn,
		l:    log.Default().Named("nats"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// SimulateSubject is where session liveness overrides for a track are
// received ("start"/"stop" payload).
func SimulateSubject(trackID int) string {
	return fmt.Sprintf("%s.%d.simulate", subjectControl, trackID)
}

// RefreshSubject triggers a re-read of the track registry.
func RefreshSubject() string {
	return subjectControl + ".refresh"
}

// StatusSubject answers a request with the status of one track, or of
// all tracks when trackID is 0.
func StatusSubject(trackID int) string {
	if trackID == 0 {
		return subjectStatus
	}
	return fmt.Sprintf("%s.%d", subjectStatus, trackID)
}

func Connect(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(publishWaitGrace))
}

func (p *Publisher) Close() {
	for _, sub := range p.subs {
		//nolint:errcheck // shutdown path
		sub.Unsubscribe()
	}
	p.conn.Close()
}

func (p *Publisher) PublishSnapshot(trackID int, snap *model.RaceSnapshot) {
	p.publish(subject(trackID, "snapshot"), envelope{
		Type: model.MTSnapshot, TrackID: trackID,
		Timestamp: time.Now(), Payload: snap,
	})
}

func (p *Publisher) PublishDelta(trackID int, upd parser.FieldUpdate) {
	p.publish(subject(trackID, "delta"), envelope{
		Type: model.MTDelta, TrackID: trackID,
		Timestamp: time.Now(),
		Payload: deltaPayload{
			RowKey: upd.RowKey,
			Field:  upd.Field.String(),
			Value:  upd.Value,
		},
	})
}

func (p *Publisher) PublishGaps(trackID int, gaps map[string]model.GapRecord) {
	p.publish(subject(trackID, "gaps"), envelope{
		Type: model.MTGaps, TrackID: trackID,
		Timestamp: time.Now(), Payload: gaps,
	})
	// narrow per-team subscriptions
	for rowKey := range gaps {
		rec := gaps[rowKey]
		p.publish(subject(trackID, "gaps")+"."+sanitizeToken(rowKey), envelope{
			Type: model.MTGaps, TrackID: trackID,
			Timestamp: time.Now(), Payload: rec,
		})
	}
}

func (p *Publisher) PublishLiveness(liveness model.SessionLiveness) {
	p.publish(subject(liveness.TrackID, "liveness"), envelope{
		Type: model.MTLiveness, TrackID: liveness.TrackID,
		Timestamp: time.Now(), Payload: liveness,
	})
}

// SubscribeSimulate wires the operator toggle: payload "start" or "stop"
// on kartlive.control.<trackID>.simulate.
func (p *Publisher) SubscribeSimulate(cb func(trackID int, start bool)) error {
	sub, err := p.conn.Subscribe(subjectControl+".*.simulate",
		func(msg *nats.Msg) {
			parts := strings.Split(msg.Subject, ".")
			trackID, err := strconv.Atoi(parts[2])
			if err != nil {
				p.l.Warn("simulate request with invalid track id",
					log.String("subject", msg.Subject))
				return
			}
			cb(trackID, string(msg.Data) == "start")
		})
	if err != nil {
		return err
	}
	p.subs = append(p.subs, sub)
	return nil
}

// SubscribeRefresh wires the on-demand track registry reload.
func (p *Publisher) SubscribeRefresh(cb func()) error {
	sub, err := p.conn.Subscribe(RefreshSubject(), func(*nats.Msg) {
		cb()
	})
	if err != nil {
		return err
	}
	p.subs = append(p.subs, sub)
	return nil
}

// ServeStatus answers status queries: kartlive.status for all tracks,
// kartlive.status.<trackID> for one. This is the only synchronous read
// path into worker state.
func (p *Publisher) ServeStatus(
	all func() any,
	one func(trackID int) (any, bool),
) error {
	subAll, err := p.conn.Subscribe(subjectStatus, func(msg *nats.Msg) {
		p.reply(msg, all())
	})
	if err != nil {
		return err
	}
	p.subs = append(p.subs, subAll)

	subOne, err := p.conn.Subscribe(subjectStatus+".*", func(msg *nats.Msg) {
		parts := strings.Split(msg.Subject, ".")
		trackID, err := strconv.Atoi(parts[2])
		if err != nil {
			return
		}
		if status, ok := one(trackID); ok {
			p.reply(msg, status)
		}
	})
	if err != nil {
		return err
	}
	p.subs = append(p.subs, subOne)
	return nil
}

func (p *Publisher) publish(subj string, data any) {
	payload, err := oj.Marshal(data)
	if err != nil {
		p.l.Error("marshal failed", log.String("subject", subj), log.ErrorField(err))
		return
	}
	if err := p.conn.Publish(subj, payload); err != nil {
		p.l.Warn("publish failed", log.String("subject", subj), log.ErrorField(err))
	}
}

func (p *Publisher) reply(msg *nats.Msg, data any) {
	payload, err := oj.Marshal(data)
	if err != nil {
		p.l.Error("marshal failed", log.ErrorField(err))
		return
	}
	if err := msg.Respond(payload); err != nil {
		p.l.Warn("status reply failed", log.ErrorField(err))
	}
}

func subject(trackID int, kind string) string {
	return fmt.Sprintf("%s.%d.%s", subjectPrefix, trackID, kind)
}

// row keys may contain subject-relevant characters
func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		default:
			return r
		}
	}, s)
}
