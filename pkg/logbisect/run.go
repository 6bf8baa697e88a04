package logbisect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-git/go-git/v5"
	"github.com/sirupsen/logrus"
)

// A Runner performs a complete bisection as described by its config.
// Only Config has to be set; all other fields have working defaults.
type Runner struct {
	Config *Config // Must have been validated

	Log            *logrus.Logger // The log to which information gets printed to
	Out            io.Writer      // Where the final summary is printed. Defaults to os.Stdout
	ProgressOutput io.Writer      // Where progress bars are drawn. Nil disables them
	Progress       *Progress      // Receives live updates of the bisection

	// Replaceable collaborators
	Clone       func(ctx context.Context, cfg *Config, log *logrus.Entry) (string, error)
	NewWorktree func(dir string) Worktree
	NewRuntime  func(ctx context.Context, log *logrus.Entry) (ContainerRuntime, func() error, error)
}

// Run clones the repository if needed, resolves the commit range, bisects it and restores the repository.
// A completed search is never an error, even if no boundary could be confirmed.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	r.init()
	cfg := r.Config
	log := logrus.NewEntry(r.Log)

	state := &RunState{}
	dir := cfg.WorkDir
	if cfg.RepoURL != "" {
		cloneDir, err := r.Clone(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		state.CloneDir = cloneDir
		dir = cloneDir
	}
	// Until the guard owns the clone, it has to be removed here
	removeClone := func() {
		if state.CloneDir != "" {
			if err := os.RemoveAll(state.CloneDir); err != nil {
				log.Warnf("Failed to remove temporary clone %s - %v", state.CloneDir, err)
			}
		}
	}

	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		removeClone()
		return nil, errors.Join(fmt.Errorf("failed to open repository at %s", dir), err)
	}
	gitWorktree, err := repo.Worktree()
	if err != nil {
		removeClone()
		return nil, errors.Join(fmt.Errorf("repository at %s has no working tree", dir), err)
	}
	worktree := r.NewWorktree(gitWorktree.Filesystem.Root())

	runtime, closeRuntime, err := r.NewRuntime(ctx, log)
	if err != nil {
		removeClone()
		return nil, err
	}
	defer closeRuntime()

	guard, err := AcquireStateGuard(ctx, worktree, runtime, cfg.Image, state, log)
	if err != nil {
		removeClone()
		return nil, err
	}
	defer guard.Release(ctx)

	rng, err := ResolveRange(repo, RangeQuery{
		Since:       cfg.Since(),
		GoodRef:     cfg.GoodRef,
		BadRef:      cfg.BadRef,
		FirstParent: cfg.FirstParent,
	}, log)
	if err != nil {
		r.Progress.Finished(nil, err)
		return nil, err
	}

	artifacts, err := NewArtifacts(cfg.OutputDir)
	if err != nil {
		r.Progress.Finished(nil, err)
		return nil, err
	}
	oracle, err := NewDockerOracle(cfg, worktree, runtime, artifacts, log)
	if err != nil {
		r.Progress.Finished(nil, err)
		return nil, err
	}
	oracle.ProgressOutput = r.ProgressOutput

	bisector := &Bisector{
		Oracle:   oracle,
		Observer: r.Progress,
		Log:      log,
	}
	res, err := bisector.Run(ctx, rng, state)
	r.Progress.Finished(res, err)
	if err != nil {
		return res, err
	}

	if path, err := artifacts.WriteReport(NewReport(rng, res)); err != nil {
		log.Warnf("Failed to write report - %v", err)
	} else {
		log.Infof("Wrote report to %s", path)
	}
	PrintSummary(r.Out, res)

	return res, nil
}

func (r *Runner) init() {
	if r.Log == nil {
		// Mute logger
		r.Log = logrus.New()
		r.Log.SetOutput(io.Discard)
	}
	if r.Out == nil {
		r.Out = os.Stdout
	}
	if r.Progress == nil {
		r.Progress = NewProgress()
	}
	if r.Clone == nil {
		r.Clone = func(ctx context.Context, cfg *Config, log *logrus.Entry) (string, error) {
			return CloneRepository(ctx, cfg, r.ProgressOutput, log)
		}
	}
	if r.NewWorktree == nil {
		r.NewWorktree = NewGitWorktree
	}
	if r.NewRuntime == nil {
		r.NewRuntime = NewDockerRuntime
	}
}
