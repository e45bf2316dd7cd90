package transport

import (
	"context"
	"fmt"
	"os"
	"time"
)

// RFCOMMDialer открывает Bluetooth адаптер, привязанный через `rfcomm bind`
type RFCOMMDialer struct {
	DevicePath  string        // Путь к устройству, например "/dev/rfcomm0"
	SettleDelay time.Duration // Пауза после открытия, пока адаптер поднимает канал
}

func (d RFCOMMDialer) String() string { return "rfcomm " + d.DevicePath }

func (d RFCOMMDialer) Dial(ctx context.Context) (*Conn, error) {
	logger.Printf("Attempting to connect to %s", d.DevicePath)

	// Проверяем, существует ли устройство
	if _, err := os.Stat(d.DevicePath); os.IsNotExist(err) {
		return nil, &Error{
			Kind:   LinkUnavailable,
			Op:     "open",
			Target: d.DevicePath,
			Err:    fmt.Errorf("device does not exist, run 'sudo rfcomm bind' first: %w", err),
		}
	}

	file, err := openRFCOMM(d.DevicePath)
	if err != nil {
		return nil, classify("open", d.DevicePath, err)
	}

	if d.SettleDelay > 0 {
		select {
		case <-ctx.Done():
			file.Close()
			return nil, ctx.Err()
		case <-time.After(d.SettleDelay):
		}
	}

	logger.Printf("Bluetooth connection established: %s", d.DevicePath)
	return NewConn(file, d.String()), nil
}
