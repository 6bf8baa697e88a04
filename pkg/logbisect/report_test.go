package logbisect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcomeText(t *testing.T) {
	for _, o := range []Outcome{Inconclusive, Good, Broken} {
		text, err := o.MarshalText()
		require.NoError(t, err)

		var parsed Outcome
		require.NoError(t, parsed.UnmarshalText(text))
		assert.Equal(t, o, parsed)
	}

	var o Outcome
	assert.Error(t, o.UnmarshalText([]byte("flaky")))
	assert.Equal(t, Inconclusive, Verdict{}.Outcome, "The zero verdict must be inconclusive")
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "good", GoodVerdict("").String())
	assert.Equal(t, "broken", BrokenVerdict("").String())
	assert.Equal(t, "inconclusive (image build failed)", InconclusiveVerdict(ErrBuildFailure, errors.New("exit 1")).String())
}

func TestPrintSummary(t *testing.T) {
	rng := makeRange(4)
	values := []struct {
		name   string
		oracle OracleFunc
		want   string
	}{
		{"pair", thresholdOracle(2, nil), "Regression introduced by " + rng[2].Hash},
		{"unresolved", func(context.Context, Commit) Verdict {
			return InconclusiveVerdict(ErrStartFailure, errors.New("no container"))
		}, "Could not determine the commit that introduced the regression"},
	}

	for _, v := range values {
		t.Run(v.name, func(t *testing.T) {
			res, err := (&Bisector{Oracle: v.oracle}).Run(context.Background(), rng, nil)
			require.NoError(t, err)

			var out bytes.Buffer
			PrintSummary(&out, res)
			assert.Contains(t, out.String(), v.want)
			assert.Contains(t, out.String(), rng[1].Short(), "Evaluated commits must be listed")
		})
	}
}

func TestWriteReport(t *testing.T) {
	artifacts, err := NewArtifacts(filepath.Join(t.TempDir(), "nested", "logs"))
	require.NoError(t, err, "Artifact directory must be created")

	rng := makeRange(3)
	logFile, err := artifacts.WriteCommitLog(rng[1], Broken, []byte("error\n"))
	require.NoError(t, err)

	oracle := OracleFunc(func(ctx context.Context, commit Commit) Verdict {
		if commit.Index >= 1 {
			return BrokenVerdict(logFile)
		}
		return GoodVerdict("")
	})
	res, err := (&Bisector{Oracle: oracle}).Run(context.Background(), rng, nil)
	require.NoError(t, err)

	path, err := artifacts.WriteReport(NewReport(rng, res))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(artifacts.Dir, "report.json"), path)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	var report Report
	require.NoError(t, json.Unmarshal(content, &report))

	assert.Equal(t, "pair", report.Status)
	assert.Equal(t, 3, report.Commits)
	assert.Equal(t, rng[1].Hash, report.ConfirmedBroken.Hash)
	for _, entry := range report.Evaluations {
		if entry.Outcome == Broken {
			assert.Equal(t, digest.FromString("error\n"), entry.LogDigest)
		} else {
			assert.Empty(t, entry.LogDigest, "Evaluations without a log have no digest")
		}
	}
}

func TestProgressSnapshot(t *testing.T) {
	p := NewProgress()
	rng := makeRange(8)

	assert.Equal(t, "running", p.Snapshot().State)

	res, err := (&Bisector{Oracle: thresholdOracle(5, nil), Observer: p}).Run(context.Background(), rng, nil)
	require.NoError(t, err)

	snapshot := p.Snapshot()
	assert.Equal(t, "running", snapshot.State, "Bisection is only done once it is finished")
	assert.Equal(t, 8, snapshot.Commits)
	assert.Len(t, snapshot.Evaluations, len(res.Evaluations))
	assert.Equal(t, Window{Left: 4, Right: 5}, snapshot.Window)

	p.Finished(res, nil)
	snapshot = p.Snapshot()
	assert.Equal(t, "done", snapshot.State)
	assert.Equal(t, "pair", snapshot.Status)
	assert.Equal(t, rng[4].Hash, snapshot.ConfirmedGood)

	failed := NewProgress()
	failed.Finished(nil, ErrEmptyRange)
	assert.Equal(t, "failed", failed.Snapshot().State)
	assert.Equal(t, ErrEmptyRange.Error(), failed.Snapshot().Error)
}

func TestBuildLogTail(t *testing.T) {
	artifacts, err := NewArtifacts(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, artifacts.BuildLogTail(5), "Missing build log has no tail")

	w, err := artifacts.BuildLog()
	require.NoError(t, err)
	w.Write([]byte("1\n2\n3\n4\n"))
	require.NoError(t, w.Close())

	assert.Equal(t, "3\n4", artifacts.BuildLogTail(2))
	assert.Equal(t, "1\n2\n3\n4", artifacts.BuildLogTail(10))
}
