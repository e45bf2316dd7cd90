package transport

import (
	"context"
	"net"
	"time"
)

// SocketDialer подключается к WiFi адаптеру по TCP (обычно 192.168.0.10:35000)
type SocketDialer struct {
	Address string
	Timeout time.Duration
}

func (d SocketDialer) String() string { return "tcp " + d.Address }

func (d SocketDialer) Dial(ctx context.Context) (*Conn, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, classify("dial", d.Address, err)
	}

	logger.Printf("Connected to %s", d)
	return NewConn(conn, d.String()), nil
}
