package obd

import (
	"errors"
	"fmt"

	"elm327-client/transport"
)

var (
	// Ошибки канала команд
	ErrBusy             = errors.New("command already in flight")
	ErrTimeout          = errors.New("command timed out")
	ErrTransportFailure = errors.New("transport failure")

	// Ошибки декодирования
	ErrUnknownPID         = errors.New("unknown PID")
	ErrPayloadLength      = errors.New("unexpected payload length")
	ErrUnexpectedResponse = errors.New("unexpected response")
	ErrNoData             = errors.New("no data")
	ErrAdapter            = errors.New("adapter error")

	// Ошибка автомата сессии
	ErrInvalidTransition = errors.New("invalid state transition")
)

// CommandError описывает отказ команды; Cause хранит исходную ошибку транспорта
type CommandError struct {
	Cmd   string
	Err   error
	Cause error
}

func (e *CommandError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("command %q: %v: %v", e.Cmd, e.Err, e.Cause)
	}
	return fmt.Sprintf("command %q: %v", e.Cmd, e.Err)
}

func (e *CommandError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

// DecodeError описывает ответ, который не удалось превратить в значение
type DecodeError struct {
	PID    string
	Err    error
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("PID %s: %v: %s", e.PID, e.Err, e.Detail)
	}
	return fmt.Sprintf("PID %s: %v", e.PID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// StateError возвращается при недопустимом переходе автомата сессии
type StateError struct {
	Op   string
	From State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.From)
}

func (e *StateError) Unwrap() error { return ErrInvalidTransition }

// ErrorKind - категория ошибки в событии error
type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindCommand   ErrorKind = "command"
	KindDecode    ErrorKind = "decode"
	KindState     ErrorKind = "state"
	KindUnknown   ErrorKind = "unknown"
)

// KindOf определяет категорию ошибки
func KindOf(err error) ErrorKind {
	var (
		ce *CommandError
		de *DecodeError
		se *StateError
		te *transport.Error
	)
	switch {
	case errors.As(err, &ce):
		return KindCommand
	case errors.As(err, &de):
		return KindDecode
	case errors.As(err, &se):
		return KindState
	case errors.As(err, &te):
		return KindTransport
	default:
		return KindUnknown
	}
}
