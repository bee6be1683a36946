package derive

import (
	"errors"
	"fmt"

	"github.com/succinctlabs/kona/kona-service/eth"
)

// Level is the severity level of the error.
type Level uint

func (lvl Level) String() string {
	switch lvl {
	case LevelTemporary:
		return "temp"
	case LevelReset:
		return "reset"
	case LevelCritical:
		return "crit"
	default:
		return fmt.Sprintf("unknown(%d)", lvl)
	}
}

const (
	// LevelTemporary is a temporary error for example due to an RPC or
	// connection issue, and can be safely ignored and retried by the caller
	LevelTemporary Level = iota
	// LevelReset is a pipeline reset error. It must be treated like a reorg.
	LevelReset
	// LevelCritical is a critical error. The derivation must halt, continuing would produce a
	// divergent chain.
	LevelCritical
)

// Error is a wrapper for error, description and a severity level.
type Error struct {
	err   error
	level Level
}

// Error satisfies the error interface.
func (e Error) Error() string {
	if e.err == nil {
		return e.level.String()
	}
	return e.err.Error()
}

// Unwrap satisfies the Is/As interface.
func (e Error) Unwrap() error {
	return e.err
}

// Is satisfies the error Unwrap interface.
func (e Error) Is(target error) bool {
	if target == nil {
		return e == target
	}
	err, ok := target.(Error)
	if !ok {
		return false
	}
	return e.level == err.level
}

// NewError returns a custom Error.
func NewError(err error, level Level) error {
	return Error{
		err:   err,
		level: level,
	}
}

// NewTemporaryError returns a temporary error.
func NewTemporaryError(err error) error {
	return NewError(err, LevelTemporary)
}

// NewResetError returns a pipeline reset error.
func NewResetError(err error) error {
	return NewError(err, LevelReset)
}

// NewCriticalError returns a critical error.
func NewCriticalError(err error) error {
	return NewError(err, LevelCritical)
}

// Sentinel errors, use these to get the severity of errors by calling
// errors.Is(err, ErrTemporary) for example.
var (
	ErrTemporary = NewTemporaryError(nil)
	ErrReset     = NewResetError(nil)
	ErrCritical  = NewCriticalError(nil)
)

// NotEnoughData implies that the function currently does not have enough data to progress
// but if it is retried enough times, it will eventually return a real value or io.EOF
var NotEnoughData = errors.New("not enough data")

// L1RetrievalError reports a failed fetch of the batcher data of an L1 block.
type L1RetrievalError struct {
	Block eth.BlockID
	Err   error
}

func (e *L1RetrievalError) Error() string {
	return fmt.Sprintf("failed to retrieve batcher data of L1 block %s: %v", e.Block, e.Err)
}

func (e *L1RetrievalError) Unwrap() error {
	return e.Err
}

// AttributesBuilderError reports a failure to build the attributes of the L2 block that follows
// Parent with Epoch as L1 origin.
type AttributesBuilderError struct {
	Parent eth.BlockID
	Epoch  eth.BlockID
	Err    error
}

func (e *AttributesBuilderError) Error() string {
	return fmt.Sprintf("failed to build attributes on top of %s with L1 origin %s: %v", e.Parent, e.Epoch, e.Err)
}

func (e *AttributesBuilderError) Unwrap() error {
	return e.Err
}
