package obd

import (
	"sync"
	"time"

	"elm327-client/common"
)

// EventType - тип события сессии
type EventType string

const (
	EventConnecting     EventType = "connecting"
	EventConnected      EventType = "connected"
	EventReadingStarted EventType = "reading-started"
	EventData           EventType = "data"
	EventError          EventType = "error"
	EventReadingStopped EventType = "reading-stopped"
	EventDisconnected   EventType = "disconnected"
	EventDTCsCleared    EventType = "dtcs-cleared"
	EventState          EventType = "state"
)

// Event - событие, доставляемое подписчикам в порядке публикации
type Event struct {
	Type     EventType                 `json:"type"`
	Time     time.Time                 `json:"time"`
	State    State                     `json:"state,omitempty"`
	Snapshot *common.TelemetrySnapshot `json:"snapshot,omitempty"`
	PID      string                    `json:"pid,omitempty"`
	Kind     ErrorKind                 `json:"kind,omitempty"`
	Err      error                     `json:"-"`
	Message  string                    `json:"message,omitempty"`
}

// errorEvent собирает событие error с категорией ошибки
func errorEvent(pid string, err error) Event {
	return Event{
		Type:    EventError,
		PID:     pid,
		Kind:    KindOf(err),
		Err:     err,
		Message: err.Error(),
	}
}

// Bus раздаёт события подписчикам через буферизованные каналы.
// Медленный подписчик теряет события, публикация не блокируется.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
}

// NewBus создаёт пустую шину
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe возвращает канал событий и функцию отписки
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Publish рассылает событие всем подписчикам
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			logger.Printf("Warning: subscriber %d is full, dropping %s event", id, ev.Type)
		}
	}
}
