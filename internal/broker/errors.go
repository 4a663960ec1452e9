package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrPositionNotFound = errors.New("position not found")
	ErrMissingSecret    = errors.New("required credential is missing")
)

// InvalidCredentialsError means the broker refused authentication.
type InvalidCredentialsError struct {
	Broker string
	Err    error
}

func (e *InvalidCredentialsError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: invalid credentials", e.Broker)
	}
	return fmt.Sprintf("%s: invalid credentials: %v", e.Broker, e.Err)
}

func (e *InvalidCredentialsError) Unwrap() error { return e.Err }

// TransportError is a network, timeout or server-side failure talking to a
// broker. Read paths may retry it; order placement never does.
type TransportError struct {
	Broker string
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: transport failure: %v", e.Broker, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UnsupportedOrderError is returned when a request asks for an order type,
// time in force or flag the broker cannot express.
type UnsupportedOrderError struct {
	Broker string
	Reason string
}

func (e *UnsupportedOrderError) Error() string {
	return fmt.Sprintf("%s: unsupported order: %s", e.Broker, e.Reason)
}

// RequestError is a broker refusing a request for a reason outside the rest
// of the taxonomy. Only the broker's code and message are kept.
type RequestError struct {
	Broker  string
	Op      string
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s %s: request refused: %s", e.Broker, e.Op, e.Message)
	}
	return fmt.Sprintf("%s %s: request refused (%s): %s", e.Broker, e.Op, e.Code, e.Message)
}

func IsInvalidCredentials(err error) bool {
	var e *InvalidCredentialsError
	return errors.As(err, &e)
}

func IsTransport(err error) bool {
	var e *TransportError
	return errors.As(err, &e)
}

func IsUnsupportedOrder(err error) bool {
	var e *UnsupportedOrderError
	return errors.As(err, &e)
}

func IsRequest(err error) bool {
	var e *RequestError
	return errors.As(err, &e)
}

// Transport wraps err as a *TransportError unless it already belongs to
// the taxonomy.
func Transport(broker, op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTransport(err) || IsInvalidCredentials(err) || IsUnsupportedOrder(err) || IsRequest(err) {
		return err
	}
	return &TransportError{Broker: broker, Op: op, Err: err}
}

// IsTimeout reports whether err is a context deadline or a network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
