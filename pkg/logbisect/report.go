package logbisect

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/opencontainers/go-digest"
)

const reportName = "report.json"

// A Report is the machine readable result of a run, meant for CI wrappers
type Report struct {
	Status          string        `json:"status"`
	ConfirmedGood   *Commit       `json:"confirmedGood"`
	ConfirmedBroken *Commit       `json:"confirmedBroken"`
	Commits         int           `json:"commits"`
	Evaluations     []ReportEntry `json:"evaluations"`
}

type ReportEntry struct {
	EvaluationSummary
	LogDigest digest.Digest `json:"logDigest,omitempty"`
}

// NewReport creates the report of a finished bisection
func NewReport(rng Range, res *Result) *Report {
	report := &Report{
		Status:          res.Status(),
		ConfirmedGood:   res.ConfirmedGood,
		ConfirmedBroken: res.ConfirmedBroken,
		Commits:         len(rng),
		Evaluations:     []ReportEntry{},
	}
	for _, eval := range res.Evaluations {
		entry := ReportEntry{EvaluationSummary: summarize(eval)}
		if entry.LogFile != "" {
			entry.LogDigest = FileDigest(entry.LogFile)
		}
		report.Evaluations = append(report.Evaluations, entry)
	}
	return report
}

// WriteReport writes the report as json into the artifact directory and returns its path
func (a *Artifacts) WriteReport(report *Report) (string, error) {
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(a.Dir, reportName)
	return path, os.WriteFile(path, append(out, '\n'), 0644)
}

// PrintSummary writes a human readable summary of the result to w
func PrintSummary(w io.Writer, res *Result) {
	if len(res.Evaluations) > 0 {
		table := tablewriter.NewWriter(w)
		table.SetHeader([]string{"#", "Commit", "Date", "Phase", "Outcome", "Subject"})
		table.SetAutoWrapText(false)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		for _, eval := range res.Evaluations {
			table.Append([]string{
				fmt.Sprint(eval.Commit.Index),
				eval.Commit.Short(),
				eval.Commit.Time.Format(time.DateTime),
				string(eval.Phase),
				eval.Verdict.String(),
				truncate(eval.Commit.Subject, 60),
			})
		}
		table.Render()
		fmt.Fprintln(w)
	}

	switch res.Status() {
	case "pair":
		fmt.Fprintf(w, "Regression introduced by %s\n", describeCommit(*res.ConfirmedBroken))
		fmt.Fprintf(w, "Last good commit:        %s\n", describeCommit(*res.ConfirmedGood))
	case "broken-only":
		fmt.Fprintf(w, "Commit %s is broken, but the commit before it could not be confirmed good\n", describeCommit(*res.ConfirmedBroken))
	case "good-only":
		fmt.Fprintf(w, "Commit %s is good, but the commit after it could not be confirmed broken\n", describeCommit(*res.ConfirmedGood))
	default:
		fmt.Fprintln(w, "Could not determine the commit that introduced the regression")
	}
}

func describeCommit(c Commit) string {
	return fmt.Sprintf("%s %q (%s, %s)", c.Hash, c.Subject, c.Author, c.Time.Format(time.RFC3339))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
