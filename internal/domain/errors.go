package domain

import "errors"

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "dial", "read", "write")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ContractError is raised synchronously when a caller passes arguments that can never succeed.
// It is returned before any socket is opened.
type ContractError struct {
	Op  string // Public call that rejected the arguments (e.g., "SubscribeCombined")
	Err error
}

func (e *ContractError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ContractError) IsRetriable() bool {
	return false
}

func (e *ContractError) Unwrap() error {
	return e.Err
}

// NewContractError wraps a sentinel with the rejecting operation name
func NewContractError(op string, err error) *ContractError {
	return &ContractError{Op: op, Err: err}
}

var (
	// ErrConnectionFailed is returned when websocket connection fails. It's usually retriable.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrDuplicateStreams is returned when a combined subscription lists the same stream twice.
	ErrDuplicateStreams = errors.New("streams contain duplicate elements")

	// ErrNoStreams is returned when a combined subscription is empty.
	ErrNoStreams = errors.New("no streams given")

	// ErrMissingRequest is returned when a one-shot request payload has no req field.
	ErrMissingRequest = errors.New("request payload has no req field")

	// ErrInvalidRange is returned when a ranged request has from >= to.
	ErrInvalidRange = errors.New("invalid time range")

	// ErrEmptySymbol is returned when a symbol or endpoint is blank.
	ErrEmptySymbol = errors.New("empty symbol")

	// ErrUnknownKey is returned when a registry key has no live connection.
	ErrUnknownKey = errors.New("unknown subscription key")

	// ErrClientStopped is returned by calls made after the stream client has stopped.
	ErrClientStopped = errors.New("stream client stopped")

	// ErrNoReply is returned when a request connection closes before the reply arrives.
	ErrNoReply = errors.New("connection closed before reply")

	// ErrAPIStatus is returned when a REST response carries a non-ok status.
	ErrAPIStatus = errors.New("api returned error status")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)
