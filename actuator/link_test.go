package actuator

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"rov-surface/common"
	"rov-surface/frame"
)

// fakePort имитирует последовательный порт: тест пишет в feed, Link читает
type fakePort struct {
	rx      *io.PipeReader
	feed    *io.PipeWriter
	mu      sync.Mutex
	written bytes.Buffer
	once    sync.Once
	closed  chan struct{}
}

func newFakePort() *fakePort {
	r, w := io.Pipe()
	return &fakePort{rx: r, feed: w, closed: make(chan struct{})}
}

func (p *fakePort) Read(b []byte) (int, error) { return p.rx.Read(b) }

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakePort) Close() error {
	p.once.Do(func() {
		p.rx.CloseWithError(io.ErrClosedPipe)
		close(p.closed)
	})
	return nil
}

func (p *fakePort) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *fakePort) frames(t *testing.T) []frame.Frame {
	p.mu.Lock()
	data := append([]byte(nil), p.written.Bytes()...)
	p.mu.Unlock()
	var d frame.Decoder
	frames, errs := d.Feed(data)
	require.Empty(t, errs)
	return frames
}

// send пишет кадр в порт из отдельной горутины, чтобы не блокировать тест
func (p *fakePort) send(t *testing.T, f frame.Frame) {
	b, err := frame.Encode(f)
	require.NoError(t, err)
	go p.feed.Write(b)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) RecordAnomaly(target common.Target, kind string) {
	m.Called(target, kind)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 2 * time.Second
	cfg.ReconnectMin = 5 * time.Millisecond
	cfg.ReconnectMax = 20 * time.Millisecond
	return cfg
}

func openValve(id string, valve int) common.CommandIntent {
	return common.CommandIntent{
		Target:    common.TargetActuator,
		CommandID: id,
		Payload:   common.Command{Name: "open_valve", Args: map[string]any{"valve": valve}},
	}
}

// pollUntil вызывает Poll, пока не найдется подходящий вход
func pollUntil[T any](t *testing.T, l *Link, match func(T) bool) T {
	t.Helper()
	var found T
	require.Eventually(t, func() bool {
		for _, in := range l.Poll() {
			if v, ok := in.(T); ok && match(v) {
				found = v
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	return found
}

func startLink(t *testing.T, ports ...*fakePort) (*Link, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	var mu sync.Mutex
	calls := 0
	open := func() (io.ReadWriteCloser, error) {
		mu.Lock()
		defer mu.Unlock()
		if calls >= len(ports) {
			return nil, errors.New("no device")
		}
		p := ports[calls]
		calls++
		return p, nil
	}
	l := NewLink(testConfig(), open, WithClock(clock.Now))
	require.NoError(t, l.Start())
	t.Cleanup(func() { l.Stop() })
	return l, clock
}

func TestStartFailsWhenPortUnavailable(t *testing.T) {
	l := NewLink(testConfig(), func() (io.ReadWriteCloser, error) {
		return nil, errors.New("no such device")
	})

	err := l.Start()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "open actuator port")
}

func TestFirstPollReportsUp(t *testing.T) {
	l, _ := startLink(t, newFakePort())

	inputs := l.Poll()
	require.Len(t, inputs, 1)
	status, ok := inputs[0].(common.LinkStatus)
	require.True(t, ok)
	assert.Equal(t, common.HealthUp, status.Health)
	assert.Equal(t, common.TargetActuator, status.Target)

	assert.Empty(t, l.Poll(), "no transition, no status")
}

func TestSendWritesFrameAndAckResolves(t *testing.T) {
	port := newFakePort()
	l, _ := startLink(t, port)
	l.Poll()

	h, err := l.Send(openValve("cmd-1", 2))
	require.NoError(t, err)
	assert.Equal(t, "cmd-1", h.CommandID)
	assert.Equal(t, 1, l.Pending())

	require.Eventually(t, func() bool { return len(port.frames(t)) == 1 }, time.Second, 5*time.Millisecond)
	sent := port.frames(t)[0]
	assert.Equal(t, frame.OpSetValve, sent.Opcode)
	assert.Equal(t, []byte{2, 1}, sent.Payload)
	assert.Equal(t, uint16(h.Correlation), sent.Correlation)

	port.send(t, frame.Frame{Opcode: frame.OpAck, Correlation: sent.Correlation})
	outcome := pollUntil(t, l, func(o common.CommandOutcome) bool { return true })
	assert.Equal(t, "cmd-1", outcome.CommandID)
	assert.Equal(t, common.ResultAcked, outcome.Result)
	assert.Equal(t, 0, l.Pending())
}

func TestNackResolvesFailed(t *testing.T) {
	port := newFakePort()
	l, _ := startLink(t, port)
	l.Poll()

	h, err := l.Send(openValve("cmd-2", 7))
	require.NoError(t, err)

	port.send(t, frame.Frame{Opcode: frame.OpNack, Correlation: uint16(h.Correlation), Payload: []byte{0x03}})
	outcome := pollUntil(t, l, func(o common.CommandOutcome) bool { return true })
	assert.Equal(t, common.ResultFailed, outcome.Result)
	assert.Equal(t, common.ReasonNack, outcome.Reason)
	assert.Equal(t, "actuator busy", outcome.Detail)
}

func TestOutOfOrderAcksMatchByCorrelation(t *testing.T) {
	port := newFakePort()
	l, _ := startLink(t, port)
	l.Poll()

	h1, err := l.Send(openValve("first", 1))
	require.NoError(t, err)
	h2, err := l.Send(openValve("second", 2))
	require.NoError(t, err)

	port.send(t, frame.Frame{Opcode: frame.OpAck, Correlation: uint16(h2.Correlation)})
	second := pollUntil(t, l, func(o common.CommandOutcome) bool { return true })
	assert.Equal(t, "second", second.CommandID)

	port.send(t, frame.Frame{Opcode: frame.OpAck, Correlation: uint16(h1.Correlation)})
	first := pollUntil(t, l, func(o common.CommandOutcome) bool { return true })
	assert.Equal(t, "first", first.CommandID)
}

func TestValveStateBecomesReading(t *testing.T) {
	port := newFakePort()
	l, _ := startLink(t, port)
	l.Poll()

	port.send(t, frame.Frame{Opcode: frame.OpValveState, Payload: []byte{3, 100}})
	r := pollUntil(t, l, func(r common.Reading) bool { return true })
	assert.Equal(t, common.SourceActuatorTelemetry, r.Source)
	assert.Equal(t, "valve/3", r.Field)
	assert.Equal(t, 100.0, r.Value.Number)
}

func TestMalformedFramesAreCounted(t *testing.T) {
	port := newFakePort()
	rec := new(mockRecorder)
	rec.On("RecordAnomaly", common.TargetActuator, common.AnomalyMalformedFrame).Return()
	rec.On("RecordAnomaly", common.TargetActuator, common.AnomalyUnknownCorrelation).Return()

	l := NewLink(testConfig(), func() (io.ReadWriteCloser, error) { return port, nil }, WithRecorder(rec))
	require.NoError(t, l.Start())
	defer l.Stop()

	go port.feed.Write([]byte{0xAA, 0x81, 0x00, 0x01, 0x00, 0x00}) // checksum should be 0x80
	port.send(t, frame.Frame{Opcode: frame.OpAck, Correlation: 42})

	require.Eventually(t, func() bool {
		l.Poll()
		return len(rec.Calls) >= 2
	}, time.Second, 5*time.Millisecond)
	rec.AssertCalled(t, "RecordAnomaly", common.TargetActuator, common.AnomalyMalformedFrame)
	rec.AssertCalled(t, "RecordAnomaly", common.TargetActuator, common.AnomalyUnknownCorrelation)
}

func TestIdleTimeoutDegradesThenDownAndTimesOutPending(t *testing.T) {
	port := newFakePort()
	l, clock := startLink(t, port)
	l.Poll()

	_, err := l.Send(openValve("stuck", 1))
	require.NoError(t, err)

	clock.Advance(1500 * time.Millisecond)
	inputs := l.Poll()
	require.Len(t, inputs, 1)
	assert.Equal(t, common.HealthDegraded, inputs[0].(common.LinkStatus).Health)

	clock.Advance(time.Second)
	inputs = l.Poll()
	var outcome common.CommandOutcome
	var status common.LinkStatus
	for _, in := range inputs {
		switch v := in.(type) {
		case common.CommandOutcome:
			outcome = v
		case common.LinkStatus:
			status = v
		}
	}
	assert.Equal(t, common.HealthDown, status.Health)
	assert.Equal(t, "stuck", outcome.CommandID)
	assert.Equal(t, common.ResultTimedOut, outcome.Result)
	assert.Equal(t, 0, l.Pending())
	assert.True(t, port.isClosed(), "silent port is reopened")

	_, err = l.Send(openValve("late", 1))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestHeartbeatKeepsLinkUp(t *testing.T) {
	port := newFakePort()
	l, clock := startLink(t, port)
	l.Poll()

	clock.Advance(1900 * time.Millisecond)
	port.send(t, frame.Frame{Opcode: frame.OpHeartbeat})
	require.Eventually(t, func() bool {
		l.Poll()
		return !l.lastFrame.Equal(time.Time{}) && clock.Now().Sub(l.lastFrame) == 0
	}, time.Second, 5*time.Millisecond)

	clock.Advance(900 * time.Millisecond)
	assert.Empty(t, l.Poll())
	assert.Equal(t, common.HealthUp, l.Health())
}

func TestReconnectAfterPortFailure(t *testing.T) {
	first := newFakePort()
	second := newFakePort()
	l, _ := startLink(t, first, second)
	l.Poll()

	first.Close()
	// переподключение может уложиться между двумя Poll, поэтому ждем смены порта
	require.Eventually(t, func() bool {
		return l.getConnection() == io.ReadWriteCloser(second)
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		l.Poll()
		return l.Health() == common.HealthUp && l.connected
	}, time.Second, 5*time.Millisecond)

	_, err := l.Send(openValve("after-reconnect", 0))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(second.frames(t)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestStopClosesPort(t *testing.T) {
	port := newFakePort()
	l := NewLink(testConfig(), func() (io.ReadWriteCloser, error) { return port, nil })
	require.NoError(t, l.Start())

	require.NoError(t, l.Stop())
	assert.True(t, port.isClosed())
	require.NoError(t, l.Stop(), "second stop is a no-op")
}

func TestAbandonForgetsPending(t *testing.T) {
	l, _ := startLink(t, newFakePort())
	l.Poll()

	h, err := l.Send(openValve("gone", 1))
	require.NoError(t, err)
	l.Abandon(h)
	assert.Equal(t, 0, l.Pending())
}

func TestPortOpenedDuringStopIsClosed(t *testing.T) {
	first, late := newFakePort(), newFakePort()
	opening := make(chan struct{})
	release := make(chan struct{})
	calls := 0
	open := func() (io.ReadWriteCloser, error) {
		calls++
		if calls == 1 {
			return first, nil
		}
		if calls == 2 {
			close(opening)
			<-release
			return late, nil
		}
		return nil, errors.New("no device")
	}
	l := NewLink(testConfig(), open)
	require.NoError(t, l.Start())

	first.Close()
	select {
	case <-opening:
	case <-time.After(time.Second):
		t.Fatal("link did not try to reopen the port")
	}

	stopped := make(chan struct{})
	go func() {
		l.Stop()
		close(stopped)
	}()
	require.Eventually(t, l.stopping, time.Second, time.Millisecond)
	close(release)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	assert.True(t, late.isClosed())
	assert.Nil(t, l.getConnection())
}
