package logbisect

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

// A Window is the part of a range still under search.
// Range[Left] is believed to be good, Range[Right] is believed to be broken.
type Window struct {
	Left  int `json:"left"`
	Right int `json:"right"`
}

// Width returns the distance between both ends of the window
func (w Window) Width() int {
	return w.Right - w.Left
}

// Mid returns the index which should be evaluated next
func (w Window) Mid() int {
	return (w.Left + w.Right) / 2
}

// Narrow returns the window resulting from the passed outcome at index mid.
// Inconclusive commits are skipped forward, but never onto Right itself.
func (w Window) Narrow(mid int, outcome Outcome) Window {
	switch outcome {
	case Broken:
		w.Right = mid
	case Good:
		w.Left = mid
	default:
		w.Left = min(mid+1, w.Right-1)
	}
	return w
}

// Phase is the stage of the bisection an evaluation happened in
type Phase string

const (
	PhaseSearch Phase = "search"
	PhaseVerify Phase = "verify"
)

// An Evaluation is a single oracle invocation made by the bisector
type Evaluation struct {
	Commit   Commit        `json:"commit"`
	Phase    Phase         `json:"phase"`
	Verdict  Verdict       `json:"-"`
	Window   Window        `json:"window"` // The window after this evaluation was applied
	Duration time.Duration `json:"duration"`
}

// Result is the outcome of a bisection.
// ConfirmedGood and ConfirmedBroken are only set if their fresh verification agreed with the search.
type Result struct {
	ConfirmedGood   *Commit
	ConfirmedBroken *Commit

	Window      Window
	Evaluations []Evaluation
}

// Status summarizes which boundaries could be confirmed
func (r *Result) Status() string {
	switch {
	case r.ConfirmedGood != nil && r.ConfirmedBroken != nil:
		return "pair"
	case r.ConfirmedBroken != nil:
		return "broken-only"
	case r.ConfirmedGood != nil:
		return "good-only"
	}
	return "unresolved"
}

// Resolved reports whether at least one boundary was confirmed
func (r *Result) Resolved() bool {
	return r.ConfirmedGood != nil || r.ConfirmedBroken != nil
}

// Observer gets notified about every evaluation of a bisection
type Observer interface {
	Started(rng Range, window Window)
	Evaluated(eval Evaluation)
}

// Bisector searches a range for the first broken commit
type Bisector struct {
	Oracle   Oracle
	Observer Observer // Optional
	Log      *logrus.Entry
}

// Run bisects the range and verifies the resulting boundaries.
// state.Window is kept up to date during the search.
// Run only returns an error for ranges shorter than two commits or when ctx is cancelled.
func (b *Bisector) Run(ctx context.Context, rng Range, state *RunState) (*Result, error) {
	if len(rng) < 2 {
		return nil, errors.Join(ErrInsufficientRange, fmt.Errorf("bisection needs at least two commits, got %d", len(rng)))
	}
	log := b.Log
	if log == nil {
		log = discardLogger()
	}
	if state == nil {
		state = &RunState{}
	}

	res := &Result{}
	window := Window{Left: 0, Right: len(rng) - 1}
	state.setWindow(window)
	if b.Observer != nil {
		b.Observer.Started(rng, window)
	}

	for window.Width() > 1 {
		mid := window.Mid()
		log.Infof("Window [%d, %d], testing commit %d (%s). Expected evaluations left: ~%.0f", window.Left, window.Right, mid, rng[mid].Short(), math.Ceil(math.Log2(float64(window.Width()))))

		verdict, err := b.evaluate(ctx, rng[mid], PhaseSearch, log, func(v Verdict) Window {
			window = window.Narrow(mid, v.Outcome)
			return window
		}, res)
		if err != nil {
			return res, err
		}
		if verdict.Outcome == Inconclusive {
			log.Warnf("Commit %d (%s) is inconclusive, skipping forward - %v", mid, rng[mid].Short(), verdict.Reason)
		}
		state.setWindow(window)
	}
	res.Window = window

	log.Infof("Narrowed down to commits %d (%s) and %d (%s), verifying both", window.Left, rng[window.Left].Short(), window.Right, rng[window.Right].Short())

	keep := func(Verdict) Window { return window }
	goodVerdict, err := b.evaluate(ctx, rng[window.Left], PhaseVerify, log, keep, res)
	if err != nil {
		return res, err
	}
	if goodVerdict.Outcome == Good {
		c := rng[window.Left]
		res.ConfirmedGood = &c
	} else {
		log.Warnf("Expected commit %s to be good, but it is %s", rng[window.Left].Short(), goodVerdict)
	}

	brokenVerdict, err := b.evaluate(ctx, rng[window.Right], PhaseVerify, log, keep, res)
	if err != nil {
		return res, err
	}
	if brokenVerdict.Outcome == Broken {
		c := rng[window.Right]
		res.ConfirmedBroken = &c
	} else {
		log.Warnf("Expected commit %s to be broken, but it is %s", rng[window.Right].Short(), brokenVerdict)
	}

	return res, nil
}

// evaluate runs the oracle on a commit and records the evaluation.
// apply returns the window resulting from the verdict.
func (b *Bisector) evaluate(ctx context.Context, commit Commit, phase Phase, log *logrus.Entry, apply func(Verdict) Window, res *Result) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}

	start := time.Now()
	verdict := b.Oracle.Evaluate(ctx, commit)
	// A verdict obtained while being cancelled says nothing about the commit
	if err := ctx.Err(); err != nil {
		log.Warnf("Interrupted while evaluating commit %s", commit.Short())
		return verdict, err
	}

	eval := Evaluation{
		Commit:   commit,
		Phase:    phase,
		Verdict:  verdict,
		Window:   apply(verdict),
		Duration: time.Since(start),
	}
	res.Evaluations = append(res.Evaluations, eval)
	if b.Observer != nil {
		b.Observer.Evaluated(eval)
	}
	return verdict, nil
}
