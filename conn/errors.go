package conn

import (
	"errors"
	"fmt"
)

var (
	// ErrContract matches every contract violation: a bug in how a chain was
	// composed, as opposed to an expected runtime failure.
	ErrContract = errors.New("conn: contract violation")

	// ErrUnsupported is returned by request views that do not provide a
	// capability, such as path parameters without a router.
	ErrUnsupported = errors.New("conn: unsupported operation")
)

// ContractError reports an operation invoked in a way the implementation
// cannot honour.
type ContractError struct {
	// Op names the offending operation, e.g. "params" or "setBody".
	Op  string
	Err error
}

func (e *ContractError) Error() string {
	if e == nil {
		return "conn: contract violation: <nil>"
	}
	if e.Err == nil {
		return "conn: contract violation: " + e.Op
	}
	return "conn: " + e.Op + ": " + e.Err.Error()
}

func (e *ContractError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is makes every ContractError match ErrContract.
func (e *ContractError) Is(target error) bool {
	return target == ErrContract
}

// PhaseError reports an operation attempted in a phase that does not allow it.
//
// Op is zero when the error comes from Assert, in which case Want holds the
// phase that was expected.
type PhaseError struct {
	Op    Op
	Phase PhaseTag
	Want  PhaseTag
}

func (e *PhaseError) Error() string {
	if e.Op == 0 {
		return fmt.Sprintf("conn: expected phase %s, got %s", e.Want, e.Phase)
	}
	return fmt.Sprintf("conn: %s not allowed in phase %s", e.Op, e.Phase)
}

// Is makes every PhaseError match ErrContract.
func (e *PhaseError) Is(target error) bool {
	return target == ErrContract
}

func unsupported(op string) error {
	return &ContractError{Op: op, Err: ErrUnsupported}
}
