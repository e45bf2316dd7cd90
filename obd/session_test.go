package obd

import (
	"bufio"
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elm327-client/transport"
)

// fakeELM эмулирует адаптер ELM327 на другом конце net.Pipe
type fakeELM struct {
	mu        sync.Mutex
	responses map[string]string
	received  []string
	remote    net.Conn
}

func newFakeELM() *fakeELM {
	return &fakeELM{responses: map[string]string{
		"ATZ":   "\r\rELM327 v1.5",
		"ATE0":  "OK",
		"ATL0":  "OK",
		"ATS0":  "OK",
		"ATH1":  "OK",
		"ATSP0": "OK",
		"ATDPN": "A6",
		"0100":  "7E8064100BE3FA813",
		"010C":  "7E804410C1AF8",
		"010D":  "7E803410D32",
		"03":    "7E8 06 43 02 01 43 01 96",
		"04":    "7E80144",
	}}
}

func (e *fakeELM) set(cmd, resp string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.responses[cmd] = resp
}

func (e *fakeELM) serve(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\r')
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(line)

		e.mu.Lock()
		e.received = append(e.received, cmd)
		resp, ok := e.responses[cmd]
		e.mu.Unlock()
		if !ok {
			resp = "?"
		}
		if _, err := conn.Write([]byte(resp + "\r\r>")); err != nil {
			return
		}
	}
}

func (e *fakeELM) commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.received...)
}

func (e *fakeELM) dialer() transport.Dialer {
	return transport.LinkFunc{
		Name: "fake-elm",
		Open: func(ctx context.Context) (io.ReadWriteCloser, error) {
			local, remote := net.Pipe()
			e.mu.Lock()
			e.remote = remote
			e.mu.Unlock()
			go e.serve(remote)
			return local, nil
		},
	}
}

func testSessionConfig() Config {
	cfg := DefaultConfig()
	cfg.PIDs = []string{"0C", "0D"}
	cfg.PollInterval = 10 * time.Millisecond
	cfg.CommandTimeout = time.Second
	return cfg
}

func waitEvent(t *testing.T, events <-chan Event, typ EventType, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == typ && (match == nil || match(ev)) {
				return ev
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s event", typ)
			return Event{}
		}
	}
}

func TestSessionStartReadingBeforeReady(t *testing.T) {
	s, err := NewSession(newFakeELM().dialer(), testSessionConfig())
	require.NoError(t, err)

	err = s.StartReading()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	var se *StateError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StateDisconnected, se.From)
	assert.Equal(t, KindState, KindOf(err))
	assert.Equal(t, StateDisconnected, s.State())

	_, err = s.ReadDTCs(context.Background())
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.True(t, errors.Is(s.StopReading(), ErrInvalidTransition))
	assert.NoError(t, s.Disconnect())
}

func TestSessionLifecycle(t *testing.T) {
	elm := newFakeELM()
	s, err := NewSession(elm.dialer(), testSessionConfig())
	require.NoError(t, err)

	events, unsubscribe := s.Subscribe(512)
	defer unsubscribe()

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, "A6", s.Protocol())
	assert.Contains(t, s.SupportedPIDs(), "0C")
	assert.Equal(t,
		[]string{"ATZ", "ATE0", "ATL0", "ATS0", "ATH1", "ATSP0", "0100", "ATDPN"},
		elm.commands())

	waitEvent(t, events, EventConnecting, nil)
	waitEvent(t, events, EventConnected, nil)

	require.NoError(t, s.StartReading())
	require.NoError(t, s.StartReading())
	assert.Equal(t, StatePolling, s.State())
	waitEvent(t, events, EventReadingStarted, nil)

	data := waitEvent(t, events, EventData, func(ev Event) bool {
		return ev.Snapshot.EngineRPM != nil && ev.Snapshot.VehicleSpeed != nil
	})
	assert.Equal(t, 1726.0, *data.Snapshot.EngineRPM)
	assert.Equal(t, 50.0, *data.Snapshot.VehicleSpeed)

	// разовые запросы во время опроса не получают ErrBusy
	codes, err := s.ReadDTCs(context.Background())
	require.NoError(t, err)
	require.Len(t, codes, 2)
	assert.Equal(t, "P0143", codes[0].Code)
	assert.Equal(t, "P0196", codes[1].Code)

	require.NoError(t, s.ClearDTCs(context.Background()))
	waitEvent(t, events, EventDTCsCleared, nil)

	frame, err := s.Query(context.Background(), "010D")
	require.NoError(t, err)
	assert.Contains(t, frame, "410D32")

	require.NoError(t, s.StopReading())
	require.NoError(t, s.StopReading())
	assert.Equal(t, StateReady, s.State())
	waitEvent(t, events, EventReadingStopped, nil)
	assert.NotNil(t, s.Snapshot().EngineRPM, "snapshot survives stop")

	require.NoError(t, s.Disconnect())
	assert.Equal(t, StateDisconnected, s.State())
	waitEvent(t, events, EventDisconnected, nil)
	require.NoError(t, s.Disconnect())
}

func TestSessionDisconnectWhilePolling(t *testing.T) {
	elm := newFakeELM()
	s, err := NewSession(elm.dialer(), testSessionConfig())
	require.NoError(t, err)
	events, unsubscribe := s.Subscribe(512)
	defer unsubscribe()

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.StartReading())
	waitEvent(t, events, EventData, nil)

	require.NoError(t, s.Disconnect())
	assert.Equal(t, StateDisconnected, s.State())
	waitEvent(t, events, EventReadingStopped, nil)
	waitEvent(t, events, EventDisconnected, nil)

	// повторное подключение разрешено
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateReady, s.State())
	require.NoError(t, s.Disconnect())
}

func TestSessionInitFailure(t *testing.T) {
	elm := newFakeELM()
	elm.set("ATH1", "?")
	s, err := NewSession(elm.dialer(), testSessionConfig())
	require.NoError(t, err)
	events, unsubscribe := s.Subscribe(64)
	defer unsubscribe()

	err = s.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAdapter))
	assert.Equal(t, StateFailed, s.State())
	assert.Contains(t, s.Reason(), "ATH1")

	// последовательность прерывается на первой ошибке
	assert.Equal(t, []string{"ATZ", "ATE0", "ATL0", "ATS0", "ATH1"}, elm.commands())

	ev := waitEvent(t, events, EventError, nil)
	assert.Contains(t, ev.Message, "ATH1")
	waitEvent(t, events, EventState, func(ev Event) bool { return ev.State == StateFailed })

	assert.True(t, errors.Is(s.StartReading(), ErrInvalidTransition))
	assert.True(t, errors.Is(s.Disconnect(), ErrInvalidTransition))

	elm.set("ATH1", "OK")
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateReady, s.State())
	require.NoError(t, s.Disconnect())
}

func TestSessionDialFailure(t *testing.T) {
	dialer := transport.LinkFunc{Name: "missing", Open: func(ctx context.Context) (io.ReadWriteCloser, error) {
		return nil, fs.ErrNotExist
	}}
	s, err := NewSession(dialer, testSessionConfig())
	require.NoError(t, err)

	err = s.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, transport.ErrLinkUnavailable))
	assert.Equal(t, KindTransport, KindOf(err))
	assert.Equal(t, StateFailed, s.State())
}

func TestSessionConnectCancelledByDisconnect(t *testing.T) {
	opened := make(chan struct{})
	dialer := transport.LinkFunc{Name: "slow", Open: func(ctx context.Context) (io.ReadWriteCloser, error) {
		close(opened)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s, err := NewSession(dialer, testSessionConfig())
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() { result <- s.Connect(context.Background()) }()
	<-opened

	require.NoError(t, s.Disconnect())
	assert.True(t, errors.Is(<-result, context.Canceled))
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSessionLinkLoss(t *testing.T) {
	elm := newFakeELM()
	s, err := NewSession(elm.dialer(), testSessionConfig())
	require.NoError(t, err)
	events, unsubscribe := s.Subscribe(512)
	defer unsubscribe()

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.StartReading())
	waitEvent(t, events, EventData, nil)

	elm.mu.Lock()
	elm.remote.Close()
	elm.mu.Unlock()

	waitEvent(t, events, EventState, func(ev Event) bool { return ev.State == StateFailed })
	assert.Equal(t, StateFailed, s.State())
	assert.NotEmpty(t, s.Reason())
	assert.True(t, errors.Is(s.StopReading(), ErrInvalidTransition))
}

func TestSessionSkipsUnsupportedPIDs(t *testing.T) {
	elm := newFakeELM()
	// поддерживаются только 0C и 0D
	elm.set("0100", "41 00 00 18 00 00")

	cfg := testSessionConfig()
	cfg.PIDs = []string{"0C", "0D", "05", "42"}
	cfg.SkipUnsupported = true
	s, err := NewSession(elm.dialer(), cfg)
	require.NoError(t, err)

	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	assert.Equal(t, []string{"0C", "0D"}, s.SupportedPIDs())
	s.mu.RLock()
	pids := s.poller.PIDs()
	s.mu.RUnlock()
	// 42 лежит за пределами маски 0100 и остаётся в списке
	assert.Equal(t, []string{"0C", "0D", "42"}, pids)
}

func TestNewSessionRejectsUnknownPID(t *testing.T) {
	cfg := testSessionConfig()
	cfg.PIDs = []string{"0C", "ZZ"}
	_, err := NewSession(newFakeELM().dialer(), cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownPID))
}
