//go:build !linux

package transport

import (
	"errors"
	"os"
)

func openRFCOMM(path string) (*os.File, error) {
	return nil, errors.New("rfcomm devices are only supported on linux")
}
