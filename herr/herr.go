// Package herr provides the error taxonomy shared by the credential store,
// SPIM engine, and USB device controller.
package herr

import "fmt"

// Kind enumerates the error categories surfaced by this module's hardware
// and storage components.
type Kind int

const (
	// NotFound is an expected condition, recovered locally by callers.
	NotFound Kind = iota
	// WouldBlock is an expected condition, recovered locally by callers.
	WouldBlock
	// InvalidEndpoint indicates API misuse of the USB endpoint allocator.
	InvalidEndpoint
	// EndpointOverflow indicates no free endpoint index remains.
	EndpointOverflow
	// EndpointMemoryOverflow indicates no free descriptor region fits.
	EndpointMemoryOverflow
	// EndpointStalled indicates an operation was attempted against an
	// endpoint with STALL asserted.
	EndpointStalled
	// BufferOverflow indicates a caller buffer is too small or too large.
	BufferOverflow
	// KeyStoreFull indicates the credential store is at capacity.
	KeyStoreFull
	// InvalidCredential indicates a stored record failed to deserialise or
	// has an unexpected length; never auto-repaired.
	InvalidCredential
	// VendorInternal indicates a backing-store or hardware error.
	VendorInternal
	// Timeout indicates a hardware wait exceeded its bound. Components
	// (bio, spim, usbdev, svc) return it to their callers as is; it is not
	// converted to another kind.
	Timeout
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case WouldBlock:
		return "would block"
	case InvalidEndpoint:
		return "invalid endpoint"
	case EndpointOverflow:
		return "endpoint overflow"
	case EndpointMemoryOverflow:
		return "endpoint memory overflow"
	case EndpointStalled:
		return "endpoint stalled"
	case BufferOverflow:
		return "buffer overflow"
	case KeyStoreFull:
		return "key store full"
	case InvalidCredential:
		return "invalid credential"
	case VendorInternal:
		return "vendor internal"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is the wrapping error type returned by component packages.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Op != "" {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}

	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}

	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error carrying the same Kind, so that
// errors.Is(err, herr.New(herr.NotFound, "", nil)) style comparisons work.
// Callers more commonly use the Is* helpers below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Of reports the Kind of err if it is (or wraps) an *Error, and ok=false
// otherwise.
func Of(err error) (kind Kind, ok bool) {
	var e *Error
	if err == nil {
		return 0, false
	}
	if asError(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Is reports whether err is an *herr.Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := Of(err)
	return ok && k == kind
}
