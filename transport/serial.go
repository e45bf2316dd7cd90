package transport

import (
	"context"
	"errors"
	"fmt"

	"go.bug.st/serial"
)

// SerialDialer открывает USB/UART адаптер
type SerialDialer struct {
	Port     string
	BaudRate int
}

func (d SerialDialer) String() string {
	return fmt.Sprintf("serial %s @ %d baud", d.Port, d.baudRate())
}

func (d SerialDialer) baudRate() int {
	if d.BaudRate == 0 {
		return 38400
	}
	return d.BaudRate
}

func (d SerialDialer) Dial(ctx context.Context) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: d.baudRate(),
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(d.Port, mode)
	if err != nil {
		return nil, classifySerial(d.Port, err)
	}

	logger.Printf("Opened %s", d)
	return NewConn(port, d.String()), nil
}

// classifySerial учитывает коды ошибок go.bug.st/serial
func classifySerial(port string, err error) error {
	var pe *serial.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case serial.PermissionDenied:
			return &Error{Kind: PermissionDenied, Op: "open", Target: port, Err: err}
		default:
			return &Error{Kind: LinkUnavailable, Op: "open", Target: port, Err: err}
		}
	}
	return classify("open", port, err)
}
