package logbisect

import (
	"sync"
	"time"
)

// Progress records the state of a running bisection. It is safe for concurrent use.
type Progress struct {
	mu sync.RWMutex

	started     time.Time
	commits     int
	window      Window
	evaluations []EvaluationSummary
	result      *Result
	err         string
}

// EvaluationSummary is the serializable form of an evaluation
type EvaluationSummary struct {
	Commit  string  `json:"commit"`
	Index   int     `json:"index"`
	Subject string  `json:"subject"`
	Phase   Phase   `json:"phase"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
	LogFile string  `json:"logFile,omitempty"`
	Window  Window  `json:"window"`
	Seconds float64 `json:"seconds"`
}

// Snapshot is a point-in-time copy of a [Progress]
type Snapshot struct {
	State       string              `json:"state"`
	Started     time.Time           `json:"started"`
	Commits     int                 `json:"commits"`
	Window      Window              `json:"window"`
	Evaluations []EvaluationSummary `json:"evaluations"`

	Status          string `json:"status,omitempty"`
	ConfirmedGood   string `json:"confirmedGood,omitempty"`
	ConfirmedBroken string `json:"confirmedBroken,omitempty"`
	Error           string `json:"error,omitempty"`
}

// NewProgress returns the progress of a bisection that has not evaluated anything yet
func NewProgress() *Progress {
	return &Progress{started: time.Now()}
}

// Started records the commit range and the initial window
func (p *Progress) Started(rng Range, window Window) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commits = len(rng)
	p.window = window
}

// Evaluated records an evaluation and the window it narrowed the search to
func (p *Progress) Evaluated(eval Evaluation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.window = eval.Window
	p.evaluations = append(p.evaluations, summarize(eval))
}

// Finished records the end of the bisection. Either res or err may be nil.
func (p *Progress) Finished(res *Result, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result = res
	if err != nil {
		p.err = err.Error()
	}
}

// Snapshot returns a copy of the current state that is safe to serialize
func (p *Progress) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Snapshot{
		State:       "running",
		Started:     p.started,
		Commits:     p.commits,
		Window:      p.window,
		Evaluations: append([]EvaluationSummary{}, p.evaluations...),
		Error:       p.err,
	}
	if p.err != "" {
		s.State = "failed"
	}
	if p.result != nil && p.err == "" {
		s.State = "done"
		s.Status = p.result.Status()
		if p.result.ConfirmedGood != nil {
			s.ConfirmedGood = p.result.ConfirmedGood.Hash
		}
		if p.result.ConfirmedBroken != nil {
			s.ConfirmedBroken = p.result.ConfirmedBroken.Hash
		}
	}
	return s
}

func summarize(eval Evaluation) EvaluationSummary {
	s := EvaluationSummary{
		Commit:  eval.Commit.Hash,
		Index:   eval.Commit.Index,
		Subject: eval.Commit.Subject,
		Phase:   eval.Phase,
		Outcome: eval.Verdict.Outcome,
		LogFile: eval.Verdict.LogFile,
		Window:  eval.Window,
		Seconds: eval.Duration.Seconds(),
	}
	if eval.Verdict.Reason != nil {
		s.Reason = eval.Verdict.Reason.Error()
	}
	return s
}
