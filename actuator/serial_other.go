//go:build !linux

package actuator

import (
	"errors"
	"io"
)

// OpenSerial поддерживается только на Linux
func OpenSerial(device string, baud int) (io.ReadWriteCloser, error) {
	return nil, errors.New("serial ports are only supported on linux")
}
