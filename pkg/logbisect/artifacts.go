package logbisect

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
)

const buildLogName = "build.log"

// Artifacts manages the files persisted during a run
type Artifacts struct {
	Dir string
}

// NewArtifacts creates the artifact directory if it does not exist yet
func NewArtifacts(dir string) (*Artifacts, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create artifact directory %s", abs), err)
	}
	return &Artifacts{Dir: abs}, nil
}

// CommitLogPath returns the path of the log artifact of a commit with the passed outcome
func (a *Artifacts) CommitLogPath(commit Commit, outcome Outcome) string {
	return filepath.Join(a.Dir, fmt.Sprintf("%s-%s.log", commit.Hash, outcome))
}

// WriteCommitLog persists the raw container log of a commit and returns its path
func (a *Artifacts) WriteCommitLog(commit Commit, outcome Outcome, logs []byte) (string, error) {
	path := a.CommitLogPath(commit, outcome)
	if err := os.WriteFile(path, logs, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// BuildLog truncates the build log and returns it for writing
func (a *Artifacts) BuildLog() (io.WriteCloser, error) {
	return os.Create(a.BuildLogPath())
}

func (a *Artifacts) BuildLogPath() string {
	return filepath.Join(a.Dir, buildLogName)
}

// BuildLogTail returns the last n lines of the build log
func (a *Artifacts) BuildLogTail(n int) string {
	out, err := os.ReadFile(a.BuildLogPath())
	if err != nil {
		return ""
	}
	return tailLines(string(out), n)
}

// FileDigest returns the digest of a file, or an empty digest if it can't be read
func FileDigest(path string) digest.Digest {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	d, err := digest.FromReader(f)
	if err != nil {
		return ""
	}
	return d
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// discardLogger is used wherever no logger was passed in
func discardLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}
