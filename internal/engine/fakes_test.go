package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"conveyor-plc/internal/persistence"
	"conveyor-plc/internal/types"
)

var errLinkDown = errors.New("broker unreachable")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLink 记录发布的消息，并允许注入连接与发布失败
type fakeLink struct {
	connected  bool
	connectErr error
	publishErr error
	connects   int
	inbound    chan types.Message
	published  []types.Message
}

func newFakeLink(connected bool) *fakeLink {
	return &fakeLink{connected: connected, inbound: make(chan types.Message, 16)}
}

func (l *fakeLink) Connected() bool { return l.connected }

func (l *fakeLink) Connect(context.Context) error {
	l.connects++
	if l.connectErr != nil {
		return l.connectErr
	}
	l.connected = true
	return nil
}

func (l *fakeLink) Publish(topic string, payload []byte) error {
	if l.publishErr != nil {
		return l.publishErr
	}
	l.published = append(l.published, types.Message{Topic: topic, Payload: payload})
	return nil
}

func (l *fakeLink) Inbound() <-chan types.Message { return l.inbound }

func (l *fakeLink) on(topic string) []types.Message {
	var out []types.Message
	for _, m := range l.published {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

type fakeMotor struct {
	running bool
	calls   []bool
}

func (m *fakeMotor) Run(on bool) error {
	m.running = on
	m.calls = append(m.calls, on)
	return nil
}

func (m *fakeMotor) Running() bool { return m.running }

type objectCall struct {
	Bin       types.Bin
	Color     string
	Condition string
}

type limitCall struct {
	Evento string
	Box    string
	Total  uint32
}

type fakeRecorder struct {
	mu      sync.Mutex
	objects []objectCall
	limits  []limitCall
}

func (r *fakeRecorder) RecordLimitEvent(_ context.Context, evento, box string, total uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limits = append(r.limits, limitCall{evento, box, total})
}

func (r *fakeRecorder) RecordObject(_ context.Context, bin types.Bin, color, condition string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects = append(r.objects, objectCall{bin, color, condition})
}

type fakeJournal struct {
	counts []persistence.Snapshot
	limits []types.Bin
	acks   []types.Bin
}

func (j *fakeJournal) AppendCounts(s persistence.Snapshot) error {
	j.counts = append(j.counts, s)
	return nil
}

func (j *fakeJournal) AppendLimit(b types.Bin) error {
	j.limits = append(j.limits, b)
	return nil
}

func (j *fakeJournal) AppendAck(b types.Bin) error {
	j.acks = append(j.acks, b)
	return nil
}

// fakeSensor 按时间决定是否有物体
type fakeSensor struct {
	mu      sync.Mutex
	present func() bool
	err     error
	reads   int
}

func (s *fakeSensor) ReadDistance(context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.err != nil {
		return 0, s.err
	}
	if s.present != nil && s.present() {
		return 5, nil
	}
	return 40, nil
}

type fakeDiverter struct {
	mu      sync.Mutex
	applied []bool
}

func (d *fakeDiverter) Apply(divert bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.applied = append(d.applied, divert)
	return nil
}

func (d *fakeDiverter) Diverting() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.applied) > 0 && d.applied[len(d.applied)-1]
}

// fakeClock 是可手动推进的时钟
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }
