package obd

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"elm327-client/common"
)

var pollerLogger = log.New(os.Stdout, "[OBD-Poller] ", log.LstdFlags|log.Lshortfile)

const (
	// DefaultStoichiometric - стехиометрическое соотношение воздух/бензин
	DefaultStoichiometric = 14.7
	// DefaultFuelDensity - плотность бензина, г/л
	DefaultFuelDensity = 740.0
)

// CommandFunc выполняет одну команду и возвращает кадр ответа
type CommandFunc func(ctx context.Context, cmd string, timeout time.Duration) (string, error)

// PollerConfig задаёт список PID и параметры расчёта расхода
type PollerConfig struct {
	PIDs           []string
	Timeout        time.Duration
	Stoichiometric float64
	FuelDensity    float64
}

// Poller по кругу опрашивает PID и складывает значения в снимок
type Poller struct {
	command CommandFunc
	bus     *Bus
	pids    []PidDefinition
	timeout time.Duration
	stoich  float64
	density float64

	// next используется только горутиной опроса
	next int

	mu       sync.RWMutex
	snapshot common.TelemetrySnapshot

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller создаёт планировщик; неизвестный PID в списке - ошибка
func NewPoller(command CommandFunc, bus *Bus, cfg PollerConfig) (*Poller, error) {
	p := &Poller{
		command: command,
		bus:     bus,
		timeout: cfg.Timeout,
		stoich:  cfg.Stoichiometric,
		density: cfg.FuelDensity,
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.stoich <= 0 {
		p.stoich = DefaultStoichiometric
	}
	if p.density <= 0 {
		p.density = DefaultFuelDensity
	}

	for _, pid := range cfg.PIDs {
		def, ok := Lookup(pid)
		if !ok {
			return nil, &DecodeError{PID: normalizePID(pid), Err: ErrUnknownPID}
		}
		p.pids = append(p.pids, def)
	}
	return p, nil
}

// Start запускает опрос с заданным интервалом; повторный вызов ничего не делает
func (p *Poller) Start(ctx context.Context, interval time.Duration) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx, interval, p.done)
	pollerLogger.Printf("Polling %d PIDs every %v", len(p.pids), interval)
}

// Stop отменяет текущий запрос и ждёт завершения цикла. Снимок сохраняется.
func (p *Poller) Stop() {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
	p.done = nil
	pollerLogger.Println("Polling stopped")
}

// Running сообщает, идёт ли опрос
func (p *Poller) Running() bool {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	return p.cancel != nil
}

// Snapshot возвращает копию последнего снимка.
// Значения полей никогда не изменяются на месте, поэтому указатели можно разделять.
func (p *Poller) Snapshot() common.TelemetrySnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// PIDs возвращает опрашиваемые PID в порядке опроса
func (p *Poller) PIDs() []string {
	out := make([]string, len(p.pids))
	for i, def := range p.pids {
		out[i] = def.PID
	}
	return out
}

func (p *Poller) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	if interval <= 0 {
		interval = time.Second
	}
	// тикер сбрасывает такты, пока идёт запрос, поэтому опросы не перекрываются
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick опрашивает следующий PID по кругу
func (p *Poller) tick(ctx context.Context) {
	if len(p.pids) == 0 {
		return
	}
	def := p.pids[p.next]
	p.next = (p.next + 1) % len(p.pids)

	frame, err := p.command(ctx, def.Command(), p.timeout)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		pollerLogger.Printf("Command %s failed: %v", def.Command(), err)
		p.bus.Publish(errorEvent(def.PID, err))
		return
	}

	value, err := def.Parse(frame)
	var decodeErr *DecodeError
	if err != nil && !errors.As(err, &decodeErr) {
		err = &DecodeError{PID: def.PID, Err: err}
	}

	p.mu.Lock()
	field := def.field(&p.snapshot)
	if err != nil {
		*field = nil
	} else {
		*field = &value
	}
	p.deriveConsumption(&p.snapshot)
	p.snapshot.CapturedAt = time.Now()
	snap := p.snapshot
	p.mu.Unlock()

	if err != nil {
		pollerLogger.Printf("Failed to decode %s: %v", def.PID, err)
		p.bus.Publish(errorEvent(def.PID, err))
	}
	p.bus.Publish(Event{Type: EventData, PID: def.PID, Snapshot: &snap})
}

// deriveConsumption пересчитывает мгновенный расход, л/100 км.
// Без PID 5E расход оценивается по массовому расходу воздуха.
func (p *Poller) deriveConsumption(s *common.TelemetrySnapshot) {
	s.FuelConsumption = nil
	if s.VehicleSpeed == nil || *s.VehicleSpeed <= 0 {
		return
	}

	var rate float64
	switch {
	case s.FuelRate != nil:
		rate = *s.FuelRate
	case s.MassAirFlow != nil:
		// г/с воздуха -> г/ч топлива -> л/ч
		rate = *s.MassAirFlow * 3600 / (p.stoich * p.density)
	default:
		return
	}

	consumption := rate / *s.VehicleSpeed * 100
	s.FuelConsumption = &consumption
}
