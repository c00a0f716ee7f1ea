// Package certerrors provides the coarse error taxonomy shared by every
// component of the certificate-lifecycle core. Components wrap the
// underlying cause of their failures in one of the Kinds below so callers
// (ExpiryMonitor, ShadowMonitor, RetryRunner) can classify failures
// without depending on any single component's internal error types. Not
// every error is wrapped: certbuilder's PEM decoders,
// transport.Client.Unsubscribe, and a non-retryable error passed through
// by retryrunner.Runner.Run can be plain errors.
package certerrors

import "fmt"

// Kind categorizes a CoreError.
type Kind int

const (
	// KeyStoreError is a CA load/generate/persist failure. Fatal for the
	// call; the caller may retry later.
	KeyStoreError Kind = iota
	// CertGenError is a signing or encoding failure. Fatal for the call.
	CertGenError
	// TransportError is a pub/sub publish/subscribe/unsubscribe failure.
	TransportError
	// TimeoutError means a subscribe call did not ack within its window.
	TimeoutError
	// RetryableCloudError covers Throttling and InternalServerError
	// responses from ConnectivityProvider.
	RetryableCloudError
	// TerminalCloudError is any other ConnectivityProvider error.
	TerminalCloudError
	// Cancelled signals cooperative cancellation unwinding a blocking call.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case KeyStoreError:
		return "KeyStoreError"
	case CertGenError:
		return "CertGenError"
	case TransportError:
		return "TransportError"
	case TimeoutError:
		return "TimeoutError"
	case RetryableCloudError:
		return "RetryableCloudError"
	case TerminalCloudError:
		return "TerminalCloudError"
	case Cancelled:
		return "Cancelled"
	default:
		return "UnknownError"
	}
}

// CoreError is the concrete error type produced by every component in
// this module.
type CoreError struct {
	Kind   Kind
	Detail string
	Cause  error
}

func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *CoreError) Unwrap() error {
	return e.Cause
}

// New builds a CoreError of the given kind, wrapping cause (which may be
// nil).
func New(kind Kind, cause error, format string, args ...interface{}) error {
	return &CoreError{
		Kind:   kind,
		Detail: fmt.Sprintf(format, args...),
		Cause:  cause,
	}
}

// Is reports whether err is a CoreError of the given kind.
func Is(err error, kind Kind) bool {
	ce, ok := err.(*CoreError)
	if !ok {
		return false
	}
	return ce.Kind == kind
}

func KeyStore(cause error, format string, args ...interface{}) error {
	return New(KeyStoreError, cause, format, args...)
}

func CertGen(cause error, format string, args ...interface{}) error {
	return New(CertGenError, cause, format, args...)
}

func Transport(cause error, format string, args ...interface{}) error {
	return New(TransportError, cause, format, args...)
}

func Timeout(format string, args ...interface{}) error {
	return New(TimeoutError, nil, format, args...)
}

func RetryableCloud(cause error, format string, args ...interface{}) error {
	return New(RetryableCloudError, cause, format, args...)
}

func TerminalCloud(cause error, format string, args ...interface{}) error {
	return New(TerminalCloudError, cause, format, args...)
}

func CancelledErr(format string, args ...interface{}) error {
	return New(Cancelled, nil, format, args...)
}
