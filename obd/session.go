package obd

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"elm327-client/common"
	"elm327-client/transport"
)

var sessionLogger = log.New(os.Stdout, "[OBD-Session] ", log.LstdFlags|log.Lshortfile)

// State - состояние соединения с адаптером
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StatePolling       State = "polling"
	StateDisconnecting State = "disconnecting"
	StateFailed        State = "failed"
)

func (s State) String() string { return string(s) }

// Config - параметры сессии
type Config struct {
	InitCommands    []string
	CommandTimeout  time.Duration
	ResetTimeout    time.Duration
	PollInterval    time.Duration
	PIDs            []string
	SkipUnsupported bool
	Stoichiometric  float64
	FuelDensity     float64
}

// DefaultConfig возвращает стандартную последовательность инициализации и список опроса
func DefaultConfig() Config {
	return Config{
		InitCommands:   []string{"ATZ", "ATE0", "ATL0", "ATS0", "ATH1", "ATSP0"},
		CommandTimeout: DefaultTimeout,
		ResetTimeout:   ResetTimeout,
		PollInterval:   time.Second,
		PIDs:           []string{"0C", "0D", "05", "0F", "11", "04", "2F", "10", "5E", "42", "33", "0E"},
		Stoichiometric: DefaultStoichiometric,
		FuelDensity:    DefaultFuelDensity,
	}
}

// Session управляет жизненным циклом соединения: подключение, инициализация, опрос, отключение
type Session struct {
	dialer transport.Dialer
	cfg    Config
	bus    *Bus

	// opMu упорядочивает операции жизненного цикла
	opMu sync.Mutex
	// sem - единственный слот для команд сессии и планировщика
	sem chan struct{}

	mu            sync.RWMutex
	state         State
	reason        string
	conn          *transport.Conn
	channel       *Channel
	poller        *Poller
	protocol      string
	supported     []string
	connCtx       context.Context
	connCancel    context.CancelFunc
	connectCancel context.CancelFunc
	connectAbort  bool
}

// NewSession создаёт сессию в состоянии Disconnected
func NewSession(dialer transport.Dialer, cfg Config) (*Session, error) {
	def := DefaultConfig()
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	for _, pid := range cfg.PIDs {
		if _, ok := Lookup(pid); !ok {
			return nil, fmt.Errorf("polling list: %w", &DecodeError{PID: normalizePID(pid), Err: ErrUnknownPID})
		}
	}

	return &Session{
		dialer: dialer,
		cfg:    cfg,
		bus:    NewBus(),
		sem:    make(chan struct{}, 1),
		state:  StateDisconnected,
	}, nil
}

// Subscribe подписывает на события сессии
func (s *Session) Subscribe(buffer int) (<-chan Event, func()) {
	return s.bus.Subscribe(buffer)
}

// State возвращает текущее состояние
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Reason возвращает причину перехода в Failed
func (s *Session) Reason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// Protocol возвращает ответ ATDPN, полученный при инициализации
func (s *Session) Protocol() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.protocol
}

// SupportedPIDs возвращает PID 01-20, о которых сообщил автомобиль
func (s *Session) SupportedPIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.supported...)
}

// Snapshot возвращает копию последнего снимка телеметрии
func (s *Session) Snapshot() common.TelemetrySnapshot {
	s.mu.RLock()
	p := s.poller
	s.mu.RUnlock()
	if p == nil {
		return common.TelemetrySnapshot{}
	}
	return p.Snapshot()
}

// Connect открывает транспорт и выполняет последовательность инициализации
func (s *Session) Connect(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state != StateDisconnected && s.state != StateFailed {
		st := s.state
		s.mu.Unlock()
		return &StateError{Op: "connect", From: st}
	}
	ctx, cancel := context.WithCancel(ctx)
	s.connectCancel = cancel
	s.connectAbort = false
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.connectCancel = nil
		s.mu.Unlock()
		cancel()
	}()

	s.transition(StateConnecting, "")
	s.bus.Publish(Event{Type: EventConnecting, Message: s.dialer.String()})
	sessionLogger.Printf("Connecting to %s", s.dialer)

	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		return s.fail(fmt.Errorf("connect %s: %w", s.dialer, err))
	}

	ch := NewChannel(conn)
	go ch.Run()

	connCtx, connCancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.conn = conn
	s.channel = ch
	s.connCtx = connCtx
	s.connCancel = connCancel
	s.mu.Unlock()

	s.transition(StateInitializing, "")
	if err := s.initialize(ctx); err != nil {
		return s.fail(err)
	}

	s.transition(StateReady, "")
	s.bus.Publish(Event{Type: EventConnected, Message: ProtocolName(s.Protocol())})
	sessionLogger.Printf("Adapter ready, protocol %s", ProtocolName(s.Protocol()))

	go s.watchLink(ch)
	return nil
}

// initialize выполняет команды инициализации строго по порядку, затем 0100 и ATDPN
func (s *Session) initialize(ctx context.Context) error {
	for _, cmd := range s.cfg.InitCommands {
		timeout := s.cfg.CommandTimeout
		if strings.EqualFold(cmd, "ATZ") {
			timeout = s.cfg.ResetTimeout
		}
		frame, err := s.command(ctx, cmd, timeout)
		if err != nil {
			return fmt.Errorf("init %s: %w", cmd, err)
		}
		if _, err := frameLines(frame); err != nil {
			return fmt.Errorf("init %s: %w", cmd, err)
		}
		sessionLogger.Printf("Init %s -> %q", cmd, frame)
	}

	frame, err := s.command(ctx, "0100", s.cfg.CommandTimeout)
	if err != nil {
		return fmt.Errorf("capability query: %w", err)
	}
	supported, err := ParseSupportedPIDs(frame)
	if err != nil {
		return fmt.Errorf("capability query: %w", err)
	}

	frame, err = s.command(ctx, "ATDPN", s.cfg.CommandTimeout)
	if err != nil {
		return fmt.Errorf("protocol query: %w", err)
	}
	protocol, _, _ := strings.Cut(strings.TrimSpace(frame), "\n")

	poller, err := NewPoller(s.command, s.bus, PollerConfig{
		PIDs:           s.pollList(supported),
		Timeout:        s.cfg.CommandTimeout,
		Stoichiometric: s.cfg.Stoichiometric,
		FuelDensity:    s.cfg.FuelDensity,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.supported = supported
	s.protocol = protocol
	s.poller = poller
	s.mu.Unlock()
	return nil
}

// pollList отбрасывает PID 01-20, которые автомобиль не поддерживает
func (s *Session) pollList(supported []string) []string {
	if !s.cfg.SkipUnsupported {
		return s.cfg.PIDs
	}
	known := make(map[string]bool, len(supported))
	for _, pid := range supported {
		known[pid] = true
	}

	var out []string
	for _, pid := range s.cfg.PIDs {
		pid = normalizePID(pid)
		n, _ := strconv.ParseUint(pid, 16, 8)
		if n <= 0x20 && !known[pid] {
			sessionLogger.Printf("Skipping unsupported PID %s", pid)
			continue
		}
		out = append(out, pid)
	}
	return out
}

// StartReading запускает периодический опрос
func (s *Session) StartReading() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.RLock()
	st, poller, ctx := s.state, s.poller, s.connCtx
	s.mu.RUnlock()

	switch st {
	case StatePolling:
		return nil
	case StateReady:
	default:
		return &StateError{Op: "start reading", From: st}
	}

	poller.Start(ctx, s.cfg.PollInterval)
	s.transition(StatePolling, "")
	s.bus.Publish(Event{Type: EventReadingStarted})
	return nil
}

// StopReading останавливает опрос; последний снимок сохраняется
func (s *Session) StopReading() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	switch st := s.State(); st {
	case StateReady:
		return nil
	case StatePolling:
	default:
		return &StateError{Op: "stop reading", From: st}
	}

	s.stopPoller()
	s.transition(StateReady, "")
	s.bus.Publish(Event{Type: EventReadingStopped})
	return nil
}

// Disconnect останавливает опрос, прерывает подключение и освобождает транспорт
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.connectCancel != nil {
		s.connectCancel()
		s.connectAbort = true
	}
	s.mu.Unlock()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	st, aborted := s.state, s.connectAbort
	s.connectAbort = false
	s.mu.Unlock()

	switch st {
	case StateDisconnected:
		return nil
	case StateFailed:
		if !aborted {
			return &StateError{Op: "disconnect", From: st}
		}
		s.transition(StateDisconnected, "")
		s.bus.Publish(Event{Type: EventDisconnected})
		return nil
	}

	s.transition(StateDisconnecting, "")
	if st == StatePolling {
		s.stopPoller()
		s.bus.Publish(Event{Type: EventReadingStopped})
	}
	err := s.releaseTransport()
	s.transition(StateDisconnected, "")
	s.bus.Publish(Event{Type: EventDisconnected})
	sessionLogger.Println("Disconnected")
	return err
}

// ReadDTCs читает сохранённые коды неисправностей (режим 03)
func (s *Session) ReadDTCs(ctx context.Context) ([]common.DtcCode, error) {
	if err := s.requireConnected("read DTCs"); err != nil {
		return nil, err
	}
	frame, err := s.command(ctx, "03", s.cfg.CommandTimeout)
	if err != nil {
		return nil, err
	}
	return ParseDTCResponse(frame, IsCANProtocol(s.Protocol()))
}

// ClearDTCs стирает коды неисправностей и гасит MIL (режим 04)
func (s *Session) ClearDTCs(ctx context.Context) error {
	if err := s.requireConnected("clear DTCs"); err != nil {
		return err
	}
	frame, err := s.command(ctx, "04", s.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	if err := ParseClearResponse(frame); err != nil {
		return err
	}
	s.bus.Publish(Event{Type: EventDTCsCleared})
	sessionLogger.Println("DTCs cleared")
	return nil
}

// Query отправляет произвольную команду и возвращает кадр ответа
func (s *Session) Query(ctx context.Context, cmd string) (string, error) {
	if err := s.requireConnected("query"); err != nil {
		return "", err
	}
	timeout := s.cfg.CommandTimeout
	if strings.EqualFold(cmd, "ATZ") {
		timeout = s.cfg.ResetTimeout
	}
	return s.command(ctx, strings.TrimSpace(cmd), timeout)
}

func (s *Session) requireConnected(op string) error {
	switch st := s.State(); st {
	case StateReady, StatePolling:
		return nil
	default:
		return &StateError{Op: op, From: st}
	}
}

// command занимает единственный слот сессии, поэтому планировщик и разовые запросы не получают ErrBusy
func (s *Session) command(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return "", &CommandError{Cmd: cmd, Err: ctx.Err()}
	}
	defer func() { <-s.sem }()

	s.mu.RLock()
	ch := s.channel
	s.mu.RUnlock()
	if ch == nil {
		return "", &CommandError{Cmd: cmd, Err: ErrTransportFailure}
	}
	return ch.Send(ctx, cmd, timeout)
}

// watchLink переводит сессию в Failed при потере связи
func (s *Session) watchLink(ch *Channel) {
	<-ch.Done()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.RLock()
	current, st := s.channel == ch, s.state
	s.mu.RUnlock()
	if !current || (st != StateReady && st != StatePolling) {
		return
	}

	cause := ch.Cause()
	sessionLogger.Printf("Link lost: %v", cause)
	s.stopPoller()
	s.releaseTransport()
	s.bus.Publish(errorEvent("", cause))
	s.transition(StateFailed, cause.Error())
}

func (s *Session) stopPoller() {
	s.mu.RLock()
	p := s.poller
	s.mu.RUnlock()
	if p != nil {
		p.Stop()
	}
}

func (s *Session) releaseTransport() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.channel = nil
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// fail освобождает транспорт и переводит сессию в Failed
func (s *Session) fail(err error) error {
	sessionLogger.Printf("Connection failed: %v", err)
	s.releaseTransport()
	s.bus.Publish(errorEvent("", err))
	s.transition(StateFailed, err.Error())
	return err
}

func (s *Session) transition(to State, reason string) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.reason = reason
	s.mu.Unlock()

	if from != to {
		sessionLogger.Printf("State %s -> %s", from, to)
	}
	s.bus.Publish(Event{Type: EventState, State: to, Message: reason})
}
