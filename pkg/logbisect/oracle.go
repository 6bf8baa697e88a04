package logbisect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

// An Oracle classifies a single commit
type Oracle interface {
	Evaluate(ctx context.Context, commit Commit) Verdict
}

// OracleFunc adapts a function to the Oracle interface
type OracleFunc func(ctx context.Context, commit Commit) Verdict

func (f OracleFunc) Evaluate(ctx context.Context, commit Commit) Verdict {
	return f(ctx, commit)
}

const buildLogTailLines = 20

var containerIDPattern = regexp.MustCompile(`^[0-9a-f]{12,64}$`)

// DockerOracle evaluates a commit by checking it out, building its image and searching the logs
// of a container started from it for the error string
type DockerOracle struct {
	worktree  Worktree
	runtime   ContainerRuntime
	artifacts *Artifacts

	image        string
	buildContext  string
	buildExcludes []string
	dockerfile    string
	runArgs       *RunArgs

	wait        time.Duration
	errorString []byte

	log *logrus.Entry

	ProgressOutput io.Writer // If set, a progress bar is drawn here while waiting on a container
}

// NewDockerOracle creates an oracle for a validated config
func NewDockerOracle(cfg *Config, worktree Worktree, runtime ContainerRuntime, artifacts *Artifacts, log *logrus.Entry) (*DockerOracle, error) {
	runArgs, err := ParseDockerArgs(cfg.DockerArgs)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = discardLogger()
	}

	buildContext := cfg.BuildContext
	if !filepath.IsAbs(buildContext) {
		buildContext = filepath.Join(worktree.Dir(), buildContext)
	}

	// Artifacts written into the build context would end up in every image
	var buildExcludes []string
	if artifacts != nil {
		buildExcludes = contextExcludes(buildContext, artifacts.Dir)
	}

	return &DockerOracle{
		worktree:  worktree,
		runtime:   runtime,
		artifacts: artifacts,

		image:        cfg.Image,
		buildContext:  buildContext,
		buildExcludes: buildExcludes,
		dockerfile:    cfg.Dockerfile,
		runArgs:       runArgs,

		wait:        cfg.WaitTime,
		errorString: []byte(cfg.ErrorString),

		log: log,
	}, nil
}

// Evaluate moves the working tree to the commit, builds and runs its image and classifies the captured logs.
// Checkout, build, start and log failures result in an inconclusive verdict.
func (o *DockerOracle) Evaluate(ctx context.Context, commit Commit) Verdict {
	log := o.log.WithField("commit", commit.Short())

	if err := o.checkout(ctx, commit, log); err != nil {
		log.Warnf("Checkout failed, commit is inconclusive - %v", err)
		return InconclusiveVerdict(ErrCheckoutFailure, err)
	}

	if err := o.runtime.RemoveImageArtifacts(ctx, o.image); err != nil {
		log.Debugf("Pre-clean of image %s failed - %v", o.image, err)
	}

	if err := o.build(ctx, log); err != nil {
		if ctx.Err() != nil {
			return Verdict{Outcome: Inconclusive, Reason: ctx.Err()}
		}
		log.Warnf("Image build of %s failed, commit is inconclusive. Last build output:\n%s", o.image, o.artifacts.BuildLogTail(buildLogTailLines))
		return InconclusiveVerdict(ErrBuildFailure, err)
	}

	id, err := o.runtime.StartContainer(ctx, o.image, o.runArgs)
	if err == nil && !containerIDPattern.MatchString(id) {
		err = fmt.Errorf("got %q instead of a container id", firstLine(id))
	}
	if err != nil {
		log.Warnf("Container of image %s failed to start, commit is inconclusive - %v", o.image, err)
		return InconclusiveVerdict(ErrStartFailure, err)
	}
	defer func() {
		if err := o.runtime.RemoveContainer(context.WithoutCancel(ctx), id); err != nil {
			log.Warnf("Failed to remove container %s - %v", id, err)
		}
	}()

	log.Infof("Started container %s, waiting %s before reading its logs", id[:12], o.wait)
	if err := o.waitFor(ctx, commit); err != nil {
		return Verdict{Outcome: Inconclusive, Reason: err}
	}

	logs, err := o.runtime.ContainerLogs(ctx, id, o.runArgs.Tty)
	if err != nil {
		log.Warnf("Couldn't read logs of container %s, commit is inconclusive - %v", id[:12], err)
		return InconclusiveVerdict(ErrLogFailure, err)
	}

	// Absence of the error string counts as good. Regressions that don't log it go unnoticed.
	outcome := Good
	if bytes.Contains(logs, o.errorString) {
		outcome = Broken
	}

	logFile, err := o.artifacts.WriteCommitLog(commit, outcome, logs)
	if err != nil {
		log.Warnf("Failed to persist container logs - %v", err)
	}

	log.Infof("Commit is %s", outcome)
	return Verdict{Outcome: outcome, LogFile: logFile}
}

// checkout moves the working tree to the commit, retrying once with a forced checkout
func (o *DockerOracle) checkout(ctx context.Context, commit Commit, log *logrus.Entry) error {
	if err := o.worktree.Checkout(ctx, commit.Hash, false); err != nil {
		log.Warnf("Checkout failed, retrying forced - %v", err)
		if forceErr := o.worktree.Checkout(ctx, commit.Hash, true); forceErr != nil {
			return errors.Join(err, forceErr)
		}
	}
	if err := o.worktree.UpdateSubmodules(ctx); err != nil {
		log.Warnf("Submodule update failed - %v", err)
	}
	return nil
}

func (o *DockerOracle) build(ctx context.Context, log *logrus.Entry) error {
	var buildLog io.WriteCloser
	buildLog, err := o.artifacts.BuildLog()
	if err != nil {
		log.Warnf("Couldn't open build log, build output is discarded - %v", err)
		buildLog = nopWriteCloser{io.Discard}
	}

	log.Infof("Building image %s from %s", o.image, o.buildContext)
	start := time.Now()
	err = o.runtime.BuildImage(ctx, o.buildContext, o.dockerfile, o.image, o.buildExcludes, buildLog)
	buildLog.Close()
	if err != nil {
		return err
	}
	log.Debugf("Built image %s in %s", o.image, time.Since(start).Round(time.Second))
	return nil
}

// contextExcludes returns the exclude pattern for dir if it lies inside of contextDir
func contextExcludes(contextDir, dir string) []string {
	rel, err := filepath.Rel(resolvePath(contextDir), resolvePath(dir))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil
	}
	return []string{filepath.ToSlash(rel)}
}

// resolvePath returns the absolute path with symlinks resolved where possible
func resolvePath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	return path
}

// waitFor blocks for the configured wait time or until ctx is cancelled
func (o *DockerOracle) waitFor(ctx context.Context, commit Commit) error {
	if o.wait <= 0 {
		return ctx.Err()
	}

	var bar *progressbar.ProgressBar
	if seconds := int64(o.wait / time.Second); o.ProgressOutput != nil && seconds > 0 {
		bar = progressbar.NewOptions64(seconds,
			progressbar.OptionSetWriter(o.ProgressOutput),
			progressbar.OptionSetDescription(fmt.Sprintf("Waiting on %s", commit.Short())),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Finish()
	}

	timer := time.NewTimer(o.wait)
	defer timer.Stop()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case <-ticker.C:
			if bar != nil {
				bar.Add(1)
			}
		}
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
