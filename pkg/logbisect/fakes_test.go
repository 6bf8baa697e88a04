package logbisect

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRuntime struct {
	mock.Mock
}

func (m *mockRuntime) BuildImage(ctx context.Context, contextDir, dockerfile, imageName string, excludes []string, buildLog io.Writer) error {
	return m.Called(ctx, contextDir, dockerfile, imageName, excludes, buildLog).Error(0)
}

func (m *mockRuntime) StartContainer(ctx context.Context, imageName string, args *RunArgs) (string, error) {
	ret := m.Called(ctx, imageName, args)
	return ret.String(0), ret.Error(1)
}

func (m *mockRuntime) ContainerLogs(ctx context.Context, id string, tty bool) ([]byte, error) {
	ret := m.Called(ctx, id, tty)
	logs, _ := ret.Get(0).([]byte)
	return logs, ret.Error(1)
}

func (m *mockRuntime) RemoveContainer(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockRuntime) RemoveImageArtifacts(ctx context.Context, imageName string) error {
	return m.Called(ctx, imageName).Error(0)
}

type mockWorktree struct {
	mock.Mock
	dir string
}

func (m *mockWorktree) Dir() string {
	return m.dir
}

func (m *mockWorktree) CurrentRef(ctx context.Context) (string, bool, error) {
	ret := m.Called(ctx)
	return ret.String(0), ret.Bool(1), ret.Error(2)
}

func (m *mockWorktree) IsDirty(ctx context.Context) (bool, error) {
	ret := m.Called(ctx)
	return ret.Bool(0), ret.Error(1)
}

func (m *mockWorktree) Stash(ctx context.Context, message string) (string, error) {
	ret := m.Called(ctx, message)
	return ret.String(0), ret.Error(1)
}

func (m *mockWorktree) PopStash(ctx context.Context, hash string) error {
	return m.Called(ctx, hash).Error(0)
}

func (m *mockWorktree) Checkout(ctx context.Context, ref string, force bool) error {
	return m.Called(ctx, ref, force).Error(0)
}

func (m *mockWorktree) UpdateSubmodules(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// fakeWorktree keeps track of the checked out ref and stashes in memory
type fakeWorktree struct {
	mu sync.Mutex

	dir      string
	current  string
	detached bool
	dirty    bool
	stashes  []string

	checkouts []string
	popErr    error
}

func (f *fakeWorktree) Dir() string { return f.dir }

func (f *fakeWorktree) CurrentRef(context.Context) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.detached, nil
}

func (f *fakeWorktree) IsDirty(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirty, nil
}

func (f *fakeWorktree) Stash(_ context.Context, message string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash := fmt.Sprintf("stash%d", len(f.stashes))
	f.stashes = append(f.stashes, hash)
	f.dirty = false
	return hash, nil
}

func (f *fakeWorktree) PopStash(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.popErr != nil {
		return f.popErr
	}
	for i, s := range f.stashes {
		if s == hash {
			f.stashes = append(f.stashes[:i], f.stashes[i+1:]...)
			f.dirty = true
			return nil
		}
	}
	return fmt.Errorf("stash %s not found", hash)
}

func (f *fakeWorktree) Checkout(_ context.Context, ref string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = ref
	f.checkouts = append(f.checkouts, ref)
	return nil
}

func (f *fakeWorktree) UpdateSubmodules(context.Context) error { return nil }

func (f *fakeWorktree) Current() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// fakeRuntime pretends to build and run images. Logs are produced by the logs hook.
type fakeRuntime struct {
	mu sync.Mutex

	build func(ctx context.Context) error
	logs  func() []byte

	started  int
	removed  []string
	cleaned  int
	running  map[string]bool
	nextID   int
	closeErr error
}

func (f *fakeRuntime) BuildImage(ctx context.Context, _, _, _ string, _ []string, buildLog io.Writer) error {
	io.WriteString(buildLog, "Step 1/1 : FROM scratch\n")
	if f.build != nil {
		return f.build(ctx)
	}
	return nil
}

func (f *fakeRuntime) StartContainer(context.Context, string, *RunArgs) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running == nil {
		f.running = map[string]bool{}
	}
	f.nextID++
	f.started++
	id := fmt.Sprintf("%064x", f.nextID)
	f.running[id] = true
	return id, nil
}

func (f *fakeRuntime) ContainerLogs(context.Context, string, bool) ([]byte, error) {
	if f.logs == nil {
		return []byte("ok\n"), nil
	}
	return f.logs(), nil
}

func (f *fakeRuntime) RemoveContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) RemoveImageArtifacts(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned++
	return nil
}

func (f *fakeRuntime) open(context.Context, *logrus.Entry) (ContainerRuntime, func() error, error) {
	return f, func() error { return f.closeErr }, nil
}

// makeRange returns a synthetic range of n commits, one day apart
func makeRange(n int) Range {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rng := make(Range, n)
	for i := range rng {
		rng[i] = Commit{
			Hash:    fmt.Sprintf("%040x", i+1),
			Time:    base.Add(time.Duration(i) * 24 * time.Hour),
			Index:   i,
			Subject: fmt.Sprintf("commit %d", i),
		}
	}
	return rng
}

// testRepo is an on-disk repository whose commits are created with fixed timestamps
type testRepo struct {
	t    *testing.T
	dir  string
	repo *git.Repository
	wt   *git.Worktree
}

func newTestRepo(t *testing.T, dir string) *testRepo {
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err, "failed to init test repository")
	wt, err := repo.Worktree()
	require.NoError(t, err, "failed to get worktree of test repository")
	return &testRepo{t: t, dir: dir, repo: repo, wt: wt}
}

func (r *testRepo) commit(msg string, when time.Time, parents ...plumbing.Hash) plumbing.Hash {
	name := strings.ReplaceAll(msg, " ", "-") + ".txt"
	require.NoError(r.t, os.WriteFile(filepath.Join(r.dir, name), []byte(msg), 0644))
	_, err := r.wt.Add(name)
	require.NoError(r.t, err)

	sig := &object.Signature{Name: "Tester", Email: "tester@example.com", When: when}
	hash, err := r.wt.Commit(msg, &git.CommitOptions{Author: sig, Committer: sig, Parents: parents})
	require.NoError(r.t, err, "failed to commit %s", msg)
	return hash
}

func day(n int) time.Time {
	return time.Date(2024, 3, n, 12, 0, 0, 0, time.UTC)
}
