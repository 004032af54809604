package kernel

import "fmt"

// ErrorKind classifies a kernel error so that callers can decide whether a
// failure is fatal to the whole system or only to one subsystem.
type ErrorKind uint8

const (
	// KindUnknown is the zero value and is used by errors that do not fit
	// any of the other categories.
	KindUnknown ErrorKind = iota

	// Misalignment is reported for addresses that are not a multiple of
	// the required alignment.
	Misalignment

	// NonCanonicalAddress is reported for virtual addresses whose bits
	// 48-63 are not a sign extension of bit 47.
	NonCanonicalAddress

	// Overlap is reported when a physical range collides with an
	// existing reservation.
	Overlap

	// Exhaustion is reported when a fixed-capacity table or the usable
	// memory search runs out of space.
	Exhaustion

	// UnsupportedSpan is reported for mapping requests that would cross
	// into a second leaf page table.
	UnsupportedSpan

	// MemoryMapInconsistency is reported when the firmware memory map
	// does not describe a request or is malformed.
	MemoryMapInconsistency

	// InvalidMapping is reported when a lookup targets an address that
	// has no recorded translation.
	InvalidMapping

	// InvalidArgument is reported for malformed requests such as
	// zero-length reservations.
	InvalidArgument
)

var kindNames = [...]string{
	KindUnknown:            "unknown",
	Misalignment:           "misalignment",
	NonCanonicalAddress:    "non-canonical address",
	Overlap:                "overlap",
	Exhaustion:             "exhaustion",
	UnsupportedSpan:        "unsupported span",
	MemoryMapInconsistency: "memory map inconsistency",
	InvalidMapping:         "invalid mapping",
	InvalidArgument:        "invalid argument",
}

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}

	return kindNames[KindUnknown]
}

// Sentinel errors, one per kind. They can be used as errors.Is targets to
// test the kind of an error returned by any kernel package.
var (
	ErrMisaligned      = &Error{Kind: Misalignment, Message: "address is not properly aligned"}
	ErrNonCanonical    = &Error{Kind: NonCanonicalAddress, Message: "address is not canonical"}
	ErrOverlap         = &Error{Kind: Overlap, Message: "range overlaps an existing reservation"}
	ErrExhausted       = &Error{Kind: Exhaustion, Message: "out of space"}
	ErrUnsupportedSpan = &Error{Kind: UnsupportedSpan, Message: "span crosses a page table boundary"}
	ErrMemoryMap       = &Error{Kind: MemoryMapInconsistency, Message: "memory map inconsistency"}
	ErrInvalidMapping  = &Error{Kind: InvalidMapping, Message: "no translation for address"}
	ErrInvalidArgument = &Error{Kind: InvalidArgument, Message: "invalid argument"}
)

var sentinels = []*Error{ErrMisaligned, ErrNonCanonical, ErrOverlap, ErrExhausted, ErrUnsupportedSpan, ErrMemoryMap, ErrInvalidMapping, ErrInvalidArgument}

// Error describes a kernel error. Packages define their static errors as
// global variables that are pointers to the Error structure and use Errorf
// for errors that need to carry the offending addresses.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error category.
	Kind ErrorKind

	// The error message
	Message string
}

// Errorf returns a new Error for the given module and kind with a formatted
// message.
func Errorf(module string, kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Module: module, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Is allows errors.Is to match any error against the sentinel of its kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	if e == t {
		return true
	}

	for _, s := range sentinels {
		if s == t {
			return e.Kind == t.Kind
		}
	}

	return false
}
