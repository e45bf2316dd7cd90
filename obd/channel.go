package obd

import (
	"context"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"elm327-client/transport"
)

const (
	// DefaultTimeout - ожидание ответа на обычный запрос
	DefaultTimeout = 5 * time.Second
	// ResetTimeout - ожидание ответа на ATZ
	ResetTimeout = 10 * time.Second
)

var channelLogger = log.New(os.Stdout, "[OBD-Channel] ", log.LstdFlags|log.Lshortfile)

// Link - то, что канал команд требует от транспорта; *transport.Conn ему удовлетворяет
type Link interface {
	Send(data []byte) error
	Chunks() <-chan []byte
	Err() error
}

// pendingCommand - единственная команда, ожидающая ответа
type pendingCommand struct {
	cmd       string
	createdAt time.Time
	done      chan string // буфер на один кадр
}

// Channel сопоставляет команды и кадры ответов на полудуплексной линии.
// В полёте не больше одной команды.
type Channel struct {
	link   Link
	framer Framer

	mu      sync.Mutex
	pending *pendingCommand
	cause   error

	closed    chan struct{}
	closeOnce sync.Once
}

// NewChannel создаёт канал поверх соединения; чтение запускается через Run
func NewChannel(link Link) *Channel {
	return &Channel{
		link:   link,
		closed: make(chan struct{}),
	}
}

// Send отправляет команду и ждёт кадр ответа, таймаут или отмену контекста
func (c *Channel) Send(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	select {
	case <-c.closed:
		return "", &CommandError{Cmd: cmd, Err: ErrTransportFailure, Cause: c.Cause()}
	default:
	}

	p := &pendingCommand{cmd: cmd, createdAt: time.Now(), done: make(chan string, 1)}

	c.mu.Lock()
	if c.pending != nil {
		busy := c.pending.cmd
		c.mu.Unlock()
		channelLogger.Printf("Rejecting %q: %q still in flight", cmd, busy)
		return "", &CommandError{Cmd: cmd, Err: ErrBusy}
	}
	c.pending = p
	c.mu.Unlock()

	if err := c.link.Send([]byte(cmd + "\r")); err != nil {
		c.release(p)
		return "", &CommandError{Cmd: cmd, Err: ErrTransportFailure, Cause: err}
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var cmdErr *CommandError
	select {
	case frame := <-p.done:
		return stripEcho(cmd, frame), nil
	case <-timer.C:
		cmdErr = &CommandError{Cmd: cmd, Err: ErrTimeout}
	case <-ctx.Done():
		cmdErr = &CommandError{Cmd: cmd, Err: ctx.Err()}
	case <-c.closed:
		cmdErr = &CommandError{Cmd: cmd, Err: ErrTransportFailure, Cause: c.Cause()}
	}

	if !c.release(p) {
		// кадр пришёл одновременно с таймаутом и уже лежит в буфере
		return stripEcho(cmd, <-p.done), nil
	}
	if cmdErr.Err == ErrTimeout {
		channelLogger.Printf("Command %q timed out after %v", cmd, time.Since(p.createdAt).Round(time.Millisecond))
	}
	return "", cmdErr
}

// release освобождает слот, если он всё ещё принадлежит p
func (c *Channel) release(p *pendingCommand) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != p {
		return false
	}
	c.pending = nil
	return true
}

// deliver отдаёт кадр ожидающей команде
func (c *Channel) deliver(frame string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		channelLogger.Printf("Dropping unsolicited frame: %q", frame)
		return
	}
	c.pending.done <- frame
	c.pending = nil
}

// Run читает фрагменты транспорта до закрытия потока.
// После выхода ожидающая и все последующие команды завершаются ErrTransportFailure.
func (c *Channel) Run() {
	for chunk := range c.link.Chunks() {
		for _, frame := range c.framer.Feed(chunk) {
			c.deliver(frame)
		}
	}
	c.shutdown(c.link.Err())
}

func (c *Channel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		if cause == nil {
			cause = transport.ErrLinkDropped
		}
		c.mu.Lock()
		c.cause = cause
		c.mu.Unlock()
		close(c.closed)
		channelLogger.Printf("Command channel closed: %v", cause)
	})
}

// Done закрывается, когда поток транспорта завершён
func (c *Channel) Done() <-chan struct{} { return c.closed }

// Cause возвращает причину закрытия канала
func (c *Channel) Cause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// stripEcho убирает эхо команды, если адаптер его вернул
func stripEcho(cmd, frame string) string {
	first, rest, _ := strings.Cut(frame, "\n")
	if strings.EqualFold(strings.ReplaceAll(first, " ", ""), strings.ReplaceAll(cmd, " ", "")) {
		return rest
	}
	return frame
}
