package logbisect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// StashMessage labels the stash holding uncommitted changes during a run
const StashMessage = "logbisect: uncommitted changes before bisection"

// RunState is the mutable state of a single run.
// It is owned by the top-level run and passed by reference to the guard and the bisector.
type RunState struct {
	mu sync.Mutex

	OriginalRef string // The branch, or the commit if HEAD was detached, checked out before the run
	Detached    bool   // Whether OriginalRef is a commit hash

	Stashed   bool   // Whether uncommitted changes were stashed
	StashHash string // The commit hash of the created stash

	CloneDir string // The temporary clone of a remote repository, if one was created

	window Window
}

func (s *RunState) setWindow(w Window) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window = w
}

// Window returns the current search window
func (s *RunState) Window() Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window
}

// StateGuard owns the right to mutate the repository and the docker image of a run.
// Release returns everything to how it was before AcquireStateGuard.
type StateGuard struct {
	worktree Worktree
	runtime  ContainerRuntime
	image    string

	state *RunState
	log   *logrus.Entry

	releaseOnce sync.Once
}

// releaseTimeout bounds each individual release step
const releaseTimeout = 2 * time.Minute

// AcquireStateGuard records the checked out ref and stashes uncommitted changes.
// runtime may be nil if no docker artifacts have to be cleaned up.
func AcquireStateGuard(ctx context.Context, worktree Worktree, runtime ContainerRuntime, image string, state *RunState, log *logrus.Entry) (*StateGuard, error) {
	if log == nil {
		log = discardLogger()
	}
	g := &StateGuard{
		worktree: worktree,
		runtime:  runtime,
		image:    image,
		state:    state,
		log:      log,
	}

	ref, detached, err := worktree.CurrentRef(ctx)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("couldn't determine checked out ref of %s", worktree.Dir()), err)
	}
	state.OriginalRef, state.Detached = ref, detached
	log.Debugf("Original ref is %s (detached: %t)", ref, detached)

	dirty, err := worktree.IsDirty(ctx)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("couldn't check %s for uncommitted changes", worktree.Dir()), err)
	}
	if dirty {
		hash, err := worktree.Stash(ctx, StashMessage)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("couldn't stash uncommitted changes of %s", worktree.Dir()), err)
		}
		state.Stashed, state.StashHash = true, hash
		log.Warnf("Stashed uncommitted changes as %s (%q), they are restored once the run ends", hash, StashMessage)
	}

	return g, nil
}

// Release removes the docker artifacts of the run, checks out the original ref, reapplies stashed
// changes and deletes a temporary clone. Every step is attempted even if earlier ones fail; failures are logged.
// Only the first call has an effect.
func (g *StateGuard) Release(ctx context.Context) {
	g.releaseOnce.Do(func() {
		g.release(context.WithoutCancel(ctx))
	})
}

func (g *StateGuard) release(ctx context.Context) {
	g.log.Info("Restoring repository state...")

	if g.runtime != nil {
		stepCtx, cancel := context.WithTimeout(ctx, releaseTimeout)
		if err := g.runtime.RemoveImageArtifacts(stepCtx, g.image); err != nil {
			g.log.Warnf("Failed to remove containers and image %s - %v", g.image, err)
		}
		cancel()
	}

	if g.state.OriginalRef != "" {
		stepCtx, cancel := context.WithTimeout(ctx, releaseTimeout)
		if err := g.worktree.Checkout(stepCtx, g.state.OriginalRef, true); err != nil {
			g.log.Warnf("Failed to check out original ref %s - %v", g.state.OriginalRef, err)
		} else if err := g.worktree.UpdateSubmodules(stepCtx); err != nil {
			g.log.Warnf("Failed to update submodules of original ref %s - %v", g.state.OriginalRef, err)
		}
		cancel()
	}

	if g.state.Stashed {
		stepCtx, cancel := context.WithTimeout(ctx, releaseTimeout)
		if err := g.worktree.PopStash(stepCtx, g.state.StashHash); err != nil {
			g.log.Warnf("Failed to reapply stashed changes, they are kept in stash %s - %v", g.state.StashHash, err)
		} else {
			g.state.Stashed = false
		}
		cancel()
	}

	if g.state.CloneDir != "" {
		if err := os.RemoveAll(g.state.CloneDir); err != nil {
			g.log.Warnf("Failed to remove temporary clone %s - %v", g.state.CloneDir, err)
		} else {
			g.log.Debugf("Removed temporary clone %s", g.state.CloneDir)
			g.state.CloneDir = ""
		}
	}
}
