//go:build linux

package transport

import (
	"os"

	"golang.org/x/sys/unix"
)

func openRFCOMM(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY|os.O_SYNC, 0666)
}
