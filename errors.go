package attendagent

import (
	"context"
	"errors"
	"fmt"
	"net"

	pkgerrors "github.com/pkg/errors"
)

// ErrorKind classifies failures observed during a pass.
type ErrorKind string

const (
	KindNone          ErrorKind = ""
	KindConfiguration ErrorKind = "configuration"
	KindConnection    ErrorKind = "connection"
	KindPersistence   ErrorKind = "persistence"
	KindCancellation  ErrorKind = "cancellation"
	KindUnclassified  ErrorKind = "unclassified"
)

// ErrShutdownRequested is reported when a pass is refused or cut short.
var ErrShutdownRequested = errors.New("shutdown requested")

// ConfigurationError is fatal at Initialize.
type ConfigurationError struct {
	Path string
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error in %s: %v", e.Path, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ConnectionError wraps a failure to reach or talk to a device.
type ConnectionError struct {
	DeviceID string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("device %s: %v", e.DeviceID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PersistenceError wraps a RecordStore failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// classify maps err to a kind. Context errors and any failure seen after a
// shutdown request count as cancellation, not as device failures.
func classify(err error, shutdownRequested bool) ErrorKind {
	if err == nil {
		return KindNone
	}
	var (
		cfgErr  *ConfigurationError
		connErr *ConnectionError
		perErr  *PersistenceError
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, ErrShutdownRequested):
		return KindCancellation
	case shutdownRequested:
		return KindCancellation
	case errors.As(err, &cfgErr):
		return KindConfiguration
	case errors.As(err, &perErr):
		return KindPersistence
	case errors.As(err, &connErr):
		return KindConnection
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return KindConnection
	}
	return KindUnclassified
}

// stepError records which per-device step failed.
func stepError(step string, err error) error {
	return pkgerrors.WithMessage(err, step)
}
