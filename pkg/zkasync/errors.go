package zkasync

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/samuel/go-zookeeper/zk"
)

// ErrTTLUnsupported is the cause of a failed stage when a TTL mode is requested over a
// connection that cannot create TTL nodes. The request never reaches the service, so the
// failure is of KindValidation.
var ErrTTLUnsupported = errors.New("zkasync: connection does not support TTL nodes")

// A ConfigurationError reports a builder misuse found while resolving a create request.
// It is always returned synchronously from the terminal call, never through a Stage.
type ConfigurationError struct {
	Field string
	Rule  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("zkasync: invalid %s: %s", e.Field, e.Rule)
}

func configErrorf(field, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Field: field, Rule: fmt.Sprintf(format, args...)}
}

// ErrorKind classifies the failure carried by a RemoteOperationError.
type ErrorKind int

const (
	// KindConnection means the connection or session failed while the request was in flight.
	KindConnection ErrorKind = iota
	// KindRejected means the service processed the request and refused it.
	KindRejected
	// KindValidation means the request was refused locally before it reached the service.
	KindValidation
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindRejected:
		return "rejected"
	case KindValidation:
		return "validation"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// A RemoteOperationError is the failure a Stage resolves with.
type RemoteOperationError struct {
	Kind ErrorKind
	Op   string
	Path string
	Err  error
}

func (e *RemoteOperationError) Error() string {
	return fmt.Sprintf("zkasync: %s %s failed (%s): %v", e.Op, e.Path, e.Kind, e.Err)
}

func (e *RemoteOperationError) Unwrap() error { return e.Err }

// Cause lets errors.Cause reach the underlying zk error.
func (e *RemoteOperationError) Cause() error { return e.Err }

// IsConnectionError reports whether err is a RemoteOperationError of KindConnection.
func IsConnectionError(err error) bool {
	var re *RemoteOperationError
	return errors.As(err, &re) && re.Kind == KindConnection
}

func classify(err error) ErrorKind {
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return KindValidation
	}
	switch errors.Cause(err) {
	case ErrTTLUnsupported:
		return KindValidation
	case zk.ErrConnectionClosed, zk.ErrSessionExpired, zk.ErrNoServer, zk.ErrClosing, zk.ErrSessionMoved:
		return KindConnection
	}
	return KindRejected
}

func remoteError(op, path string, err error) *RemoteOperationError {
	var re *RemoteOperationError
	if errors.As(err, &re) {
		return re
	}
	return &RemoteOperationError{Kind: classify(err), Op: op, Path: path, Err: err}
}
