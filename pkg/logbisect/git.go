package logbisect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Worktree mutates the working tree of the repository under test
type Worktree interface {
	// Dir returns the root of the working tree
	Dir() string
	// CurrentRef returns the checked out branch name, or the commit hash if HEAD is detached
	CurrentRef(ctx context.Context) (ref string, detached bool, err error)
	// IsDirty reports whether tracked files have uncommitted changes
	IsDirty(ctx context.Context) (bool, error)
	// Stash stashes all uncommitted changes of tracked files under the passed message and returns the stash commit hash
	Stash(ctx context.Context, message string) (string, error)
	// PopStash reapplies and drops the stash with the passed commit hash
	PopStash(ctx context.Context, hash string) error
	// Checkout moves the working tree to ref. If force is set, local changes are discarded
	Checkout(ctx context.Context, ref string, force bool) error
	// UpdateSubmodules initializes and updates all submodules recursively
	UpdateSubmodules(ctx context.Context) error
}

type gitCLI struct {
	dir string
}

// NewGitWorktree returns a Worktree backed by the git executable operating on dir
func NewGitWorktree(dir string) Worktree {
	return &gitCLI{dir: dir}
}

func (g *gitCLI) Dir() string {
	return g.dir
}

func (g *gitCLI) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", errors.Join(fmt.Errorf("git %s at %s failed, output: %s", strings.Join(args, " "), g.dir, strings.TrimSpace(stderr.String())), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *gitCLI) CurrentRef(ctx context.Context) (string, bool, error) {
	if branch, err := g.run(ctx, "symbolic-ref", "--quiet", "--short", "HEAD"); err == nil && branch != "" {
		return branch, false, nil
	}
	hash, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", false, err
	}
	return hash, true, nil
}

func (g *gitCLI) IsDirty(ctx context.Context) (bool, error) {
	out, err := g.run(ctx, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

func (g *gitCLI) Stash(ctx context.Context, message string) (string, error) {
	if _, err := g.run(ctx, "stash", "push", "--message", message); err != nil {
		return "", err
	}
	return g.run(ctx, "rev-parse", "--verify", "refs/stash")
}

func (g *gitCLI) PopStash(ctx context.Context, hash string) error {
	// Other stashes may have been pushed in the meantime, so look up the current position of ours
	out, err := g.run(ctx, "stash", "list", "--format=%H")
	if err != nil {
		return err
	}
	for i, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == hash {
			_, err := g.run(ctx, "stash", "pop", fmt.Sprintf("stash@{%d}", i))
			return err
		}
	}
	return fmt.Errorf("stash %s not found", hash)
}

func (g *gitCLI) Checkout(ctx context.Context, ref string, force bool) error {
	args := []string{"checkout", "--quiet"}
	if force {
		args = append(args, "--force")
	}
	_, err := g.run(ctx, append(args, ref)...)
	return err
}

func (g *gitCLI) UpdateSubmodules(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(g.dir, ".gitmodules")); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	_, err := g.run(ctx, "submodule", "update", "--init", "--recursive")
	return err
}
