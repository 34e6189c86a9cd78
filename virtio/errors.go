package virtio

import "fmt"

// ErrorKind classifies the errors the core queue and transport logic can
// surface. Guest-controlled input never panics; every failure mode has a
// kind so callers can decide whether to fail a single request or refuse
// activation entirely.
type ErrorKind int

const (
	// ErrGuestMemory means a read or write against guest memory failed
	// (out of range, short read/write, or the backing ReaderAt/WriterAt
	// returned an error).
	ErrGuestMemory ErrorKind = iota
	// ErrInvalidChain means a descriptor chain referenced an index
	// outside its table. Over-long or cyclic chains are not reported
	// with it; the chain's TTL bound simply ends the walk.
	ErrInvalidChain
	// ErrInvalidIndirectDescriptor means an INDIRECT descriptor failed
	// the alignment/size checks required to treat it as a nested table.
	ErrInvalidIndirectDescriptor
	// ErrOverflow means address arithmetic (base + offset) overflowed
	// uint64 or exceeded the int64 offset range ReaderAt/WriterAt accept.
	// An access past the end of guest memory is ErrGuestMemory instead.
	ErrOverflow
	// ErrDescriptorChainTooShort means a block request chain ended
	// before a required header or status descriptor was found.
	ErrDescriptorChainTooShort
	// ErrDescriptorLengthTooSmall means a descriptor was present but
	// too short for the record it was asked to hold.
	ErrDescriptorLengthTooSmall
	// ErrUnexpectedReadOnlyDescriptor means a descriptor expected to be
	// write-only (status byte, or an In request's data buffer) lacked
	// the WRITE flag.
	ErrUnexpectedReadOnlyDescriptor
	// ErrUnexpectedWriteOnlyDescriptor means a descriptor expected to
	// be read-only (an Out request's data buffer) carried the WRITE flag.
	ErrUnexpectedWriteOnlyDescriptor
)

func (k ErrorKind) String() string {
	switch k {
	case ErrGuestMemory:
		return "guest memory"
	case ErrInvalidChain:
		return "invalid chain"
	case ErrInvalidIndirectDescriptor:
		return "invalid indirect descriptor"
	case ErrOverflow:
		return "overflow"
	case ErrDescriptorChainTooShort:
		return "descriptor chain too short"
	case ErrDescriptorLengthTooSmall:
		return "descriptor length too small"
	case ErrUnexpectedReadOnlyDescriptor:
		return "unexpected read-only descriptor"
	case ErrUnexpectedWriteOnlyDescriptor:
		return "unexpected write-only descriptor"
	default:
		return "unknown"
	}
}

// Error is the error type returned by protocol-level failures in the
// queue and parser packages. It carries a Kind so callers can switch on
// the failure mode without string matching, the idiomatic stand-in for
// the source's closed enum of error variants.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("virtio: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("virtio: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func wrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}
