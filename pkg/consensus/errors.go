package consensus

import "github.com/cockroachdb/errors"

// Error classes. Every error the engine surfaces is marked with exactly one
// of these so callers can branch with errors.Is.
var (
	ErrMalformedMessage  = errors.New("malformed message")
	ErrSafetyViolation   = errors.New("safety violation")
	ErrPledgeConflict    = errors.New("pledge conflict")
	ErrQuorumUnreachable = errors.New("quorum unreachable")
	ErrStaleMessage      = errors.New("stale message")
	ErrStorageFailure    = errors.New("storage failure")

	ErrInboxFull = errors.New("inbox full")
	ErrHalted    = errors.New("engine halted")
)

type ErrorClass uint8

const (
	ClassNone ErrorClass = iota
	ClassMalformed
	ClassSafety
	ClassPledgeConflict
	ClassQuorumUnreachable
	ClassStale
	ClassStorage
	ClassOther
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassMalformed:
		return "malformed"
	case ClassSafety:
		return "safety_violation"
	case ClassPledgeConflict:
		return "pledge_conflict"
	case ClassQuorumUnreachable:
		return "quorum_unreachable"
	case ClassStale:
		return "stale"
	case ClassStorage:
		return "storage_failure"
	default:
		return "other"
	}
}

func ClassOf(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrStorageFailure):
		return ClassStorage
	case errors.Is(err, ErrSafetyViolation):
		return ClassSafety
	case errors.Is(err, ErrMalformedMessage):
		return ClassMalformed
	case errors.Is(err, ErrPledgeConflict):
		return ClassPledgeConflict
	case errors.Is(err, ErrQuorumUnreachable):
		return ClassQuorumUnreachable
	case errors.Is(err, ErrStaleMessage):
		return ClassStale
	default:
		return ClassOther
	}
}

func malformed(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrMalformedMessage)
}

func stale(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrStaleMessage)
}

func safetyViolation(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrSafetyViolation)
}

func pledgeConflict(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrPledgeConflict)
}

func storageFailure(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, op), ErrStorageFailure)
}
