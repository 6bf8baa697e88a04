package logbisect

import (
	"errors"
	"fmt"
)

var (
	// Setup errors. These abort a run before the search starts.
	ErrInvalidReference  = errors.New("invalid reference")
	ErrEmptyRange        = errors.New("no commits in range")
	ErrInsufficientRange = errors.New("only one commit in range")
	ErrCloneFailure      = errors.New("clone failed")
	ErrInvalidConfig     = errors.New("invalid config")

	// Per-commit errors. These only ever end up as the reason of an inconclusive verdict.
	ErrCheckoutFailure = errors.New("checkout failed")
	ErrBuildFailure    = errors.New("image build failed")
	ErrStartFailure    = errors.New("container start failed")
	ErrLogFailure      = errors.New("container logs unavailable")
)

// Outcome is the classification of a single commit by the oracle
type Outcome int

const (
	// Inconclusive is the zero value, so an unset outcome is never mistaken for a good or broken one
	Inconclusive Outcome = iota
	Good
	Broken
)

func (o Outcome) String() string {
	switch o {
	case Good:
		return "good"
	case Broken:
		return "broken"
	case Inconclusive:
		return "inconclusive"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// MarshalText lets outcomes appear as their label in reports
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(text []byte) error {
	for _, candidate := range []Outcome{Inconclusive, Good, Broken} {
		if candidate.String() == string(text) {
			*o = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", text)
}

// A Verdict is the result of one oracle invocation.
// Reason is only set for inconclusive verdicts and wraps one of the per-commit errors.
type Verdict struct {
	Outcome Outcome
	Reason  error

	LogFile string // The artifact holding the captured container log, if any
}

// GoodVerdict returns a verdict classifying a commit as good
func GoodVerdict(logFile string) Verdict {
	return Verdict{Outcome: Good, LogFile: logFile}
}

// BrokenVerdict returns a verdict classifying a commit as broken
func BrokenVerdict(logFile string) Verdict {
	return Verdict{Outcome: Broken, LogFile: logFile}
}

// InconclusiveVerdict returns a verdict for a commit that could not be tested
func InconclusiveVerdict(kind error, cause error) Verdict {
	return Verdict{Outcome: Inconclusive, Reason: errors.Join(kind, cause)}
}

func (v Verdict) String() string {
	if v.Outcome == Inconclusive && v.Reason != nil {
		return fmt.Sprintf("%s (%v)", v.Outcome, firstLine(v.Reason.Error()))
	}
	return v.Outcome.String()
}
