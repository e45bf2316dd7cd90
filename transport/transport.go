package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"sync"
)

var logger = log.New(os.Stdout, "[Transport] ", log.LstdFlags|log.Lshortfile)

// SetLogOutput перенаправляет лог транспорта
func SetLogOutput(w io.Writer) { logger.SetOutput(w) }

// Kind классифицирует отказ физического канала
type Kind int

const (
	LinkUnavailable  Kind = iota // устройство/адрес не найдено или недоступно
	PermissionDenied             // нет прав или не выполнено сопряжение
	LinkDropped                  // канал оборвался во время работы
)

func (k Kind) String() string {
	switch k {
	case LinkUnavailable:
		return "link unavailable"
	case PermissionDenied:
		return "permission denied"
	case LinkDropped:
		return "link dropped"
	default:
		return fmt.Sprintf("transport error %d", int(k))
	}
}

// Сентинелы для errors.Is
var (
	ErrLinkUnavailable  = errors.New("link unavailable")
	ErrPermissionDenied = errors.New("permission denied")
	ErrLinkDropped      = errors.New("link dropped")
)

// Error - типизированная ошибка транспорта
type Error struct {
	Kind   Kind
	Op     string // "open", "dial", "read", "write"
	Target string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Target, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Target, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is сопоставляет ошибку с сентинелом её вида
func (e *Error) Is(target error) bool {
	switch target {
	case ErrLinkUnavailable:
		return e.Kind == LinkUnavailable
	case ErrPermissionDenied:
		return e.Kind == PermissionDenied
	case ErrLinkDropped:
		return e.Kind == LinkDropped
	}
	return false
}

// classify превращает ошибку открытия канала в *Error
func classify(op, target string, err error) error {
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	kind := LinkUnavailable
	if errors.Is(err, fs.ErrPermission) {
		kind = PermissionDenied
	}
	return &Error{Kind: kind, Op: op, Target: target, Err: err}
}

// Dialer открывает физический канал до адаптера
type Dialer interface {
	Dial(ctx context.Context) (*Conn, error)
	String() string
}

// LinkFunc позволяет хост-приложению передать собственную функцию открытия канала
type LinkFunc struct {
	Name string
	Open func(ctx context.Context) (io.ReadWriteCloser, error)
}

func (f LinkFunc) Dial(ctx context.Context) (*Conn, error) {
	rwc, err := f.Open(ctx)
	if err != nil {
		return nil, classify("open", f.Name, err)
	}
	return NewConn(rwc, f.Name), nil
}

func (f LinkFunc) String() string { return f.Name }

// Conn - открытое соединение: запись байтов и поток входящих фрагментов
type Conn struct {
	rwc    io.ReadWriteCloser
	target string

	chunks    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex

	errMu sync.Mutex
	err   error
}

// NewConn оборачивает rwc и запускает горутину чтения
func NewConn(rwc io.ReadWriteCloser, target string) *Conn {
	c := &Conn{
		rwc:    rwc,
		target: target,
		chunks: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Target возвращает описание канала
func (c *Conn) Target() string { return c.target }

// Chunks возвращает поток входящих фрагментов; закрывается при разрыве или Close
func (c *Conn) Chunks() <-chan []byte { return c.chunks }

// Err возвращает причину завершения потока (nil, если соединение закрыто локально)
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send записывает байты в канал
func (c *Conn) Send(p []byte) error {
	select {
	case <-c.closed:
		return &Error{Kind: LinkDropped, Op: "write", Target: c.target, Err: io.ErrClosedPipe}
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.rwc.Write(p); err != nil {
		return &Error{Kind: LinkDropped, Op: "write", Target: c.target, Err: err}
	}
	return nil
}

// Close освобождает канал; повторные вызовы ничего не делают
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.rwc.Close()
		logger.Printf("Connection to %s closed", c.target)
	})
	return err
}

func (c *Conn) readLoop() {
	defer close(c.chunks)

	buf := make([]byte, 256)
	for {
		n, err := c.rwc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case c.chunks <- chunk:
			case <-c.closed:
				return
			}
		}
		if err != nil {
			select {
			case <-c.closed:
			default:
				logger.Printf("Read error on %s: %v", c.target, err)
				c.errMu.Lock()
				c.err = &Error{Kind: LinkDropped, Op: "read", Target: c.target, Err: err}
				c.errMu.Unlock()
			}
			return
		}
	}
}
