package logbisect

import (
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashes(rng Range) []string {
	var res []string
	for _, c := range rng {
		res = append(res, c.Hash)
	}
	return res
}

func TestResolveRange(t *testing.T) {
	repo := newTestRepo(t, t.TempDir())
	var c []plumbing.Hash
	for i := 1; i <= 5; i++ {
		c = append(c, repo.commit("commit "+string(rune('0'+i)), day(i)))
	}
	str := func(hs ...plumbing.Hash) []string {
		var res []string
		for _, h := range hs {
			res = append(res, h.String())
		}
		return res
	}

	values := []struct {
		name  string
		query RangeQuery
		want  []string
	}{
		{"date only", RangeQuery{Since: day(3).Truncate(24 * time.Hour)}, str(c[2], c[3], c[4])},
		{"date includes everything", RangeQuery{Since: day(1).AddDate(0, 0, -1)}, str(c...)},
		{"good ref excludes itself", RangeQuery{Since: day(1).AddDate(0, 0, -1), GoodRef: c[1].String()}, str(c[2], c[3], c[4])},
		{"good and bad ref", RangeQuery{Since: day(1).AddDate(0, 0, -1), GoodRef: c[1].String(), BadRef: c[3].String()}, str(c[2], c[3])},
		{"bad ref with date", RangeQuery{Since: day(2).Truncate(24 * time.Hour), BadRef: c[2].String()}, str(c[1], c[2])},
		{"date narrower than good ref", RangeQuery{Since: day(4).Truncate(24 * time.Hour), GoodRef: c[0].String()}, str(c[3], c[4])},
	}

	for _, v := range values {
		t.Run(v.name, func(t *testing.T) {
			rng, err := ResolveRange(repo.repo, v.query, nil)
			require.NoError(t, err, "ResolveRange returned an error")
			assert.Equal(t, v.want, hashes(rng), "Wrong commits in range")

			for i, commit := range rng {
				assert.Equal(t, i, commit.Index, "Wrong index of commit %s", commit.Short())
				if i > 0 {
					assert.False(t, commit.Time.Before(rng[i-1].Time), "Range is not ordered oldest first")
				}
			}
		})
	}
}

func TestResolveRangeMetadata(t *testing.T) {
	repo := newTestRepo(t, t.TempDir())
	repo.commit("first", day(1))
	second := repo.commit("second", day(2))

	rng, err := ResolveRange(repo.repo, RangeQuery{Since: day(1).AddDate(0, 0, -1)}, nil)
	require.NoError(t, err)
	require.Len(t, rng, 2)

	assert.Equal(t, second.String(), rng[1].Hash)
	assert.Equal(t, "second", rng[1].Subject)
	assert.Equal(t, "Tester <tester@example.com>", rng[1].Author)
	assert.True(t, day(2).Equal(rng[1].Time), "Commit time must be the committer timestamp")
	assert.Equal(t, second.String()[:8], rng[1].Short())
}

func TestResolveRangeErrors(t *testing.T) {
	repo := newTestRepo(t, t.TempDir())
	var c []plumbing.Hash
	for i := 1; i <= 3; i++ {
		c = append(c, repo.commit("commit "+string(rune('0'+i)), day(i)))
	}
	before := day(1).AddDate(0, 0, -1)

	values := []struct {
		name  string
		query RangeQuery
		err   error
	}{
		{"date after all commits", RangeQuery{Since: day(10)}, ErrEmptyRange},
		{"good ref is bad ref", RangeQuery{Since: before, GoodRef: "HEAD"}, ErrEmptyRange},
		{"date excludes range between refs", RangeQuery{Since: day(10), GoodRef: c[0].String()}, ErrEmptyRange},
		{"single commit after date", RangeQuery{Since: day(3).Truncate(24 * time.Hour)}, ErrInsufficientRange},
		{"single commit after good ref", RangeQuery{Since: before, GoodRef: c[1].String()}, ErrInsufficientRange},
		{"unknown bad ref", RangeQuery{Since: before, BadRef: "does-not-exist"}, ErrInvalidReference},
		{"unknown good ref", RangeQuery{Since: before, GoodRef: "0123456789abcdef0123456789abcdef01234567"}, ErrInvalidReference},
	}

	for _, v := range values {
		t.Run(v.name, func(t *testing.T) {
			rng, err := ResolveRange(repo.repo, v.query, nil)
			assert.ErrorIs(t, err, v.err, "Wrong error kind")
			assert.Nil(t, rng)
		})
	}
}

func TestResolveRangeFirstParent(t *testing.T) {
	repo := newTestRepo(t, t.TempDir())
	root := repo.commit("root", day(1))
	side := repo.commit("side", day(2), root)
	trunk := repo.commit("trunk", day(3), root)
	merge := repo.commit("merge", day(4), trunk, side)

	before := day(1).AddDate(0, 0, -1)

	rng, err := ResolveRange(repo.repo, RangeQuery{Since: before, BadRef: merge.String()}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{root.String(), side.String(), trunk.String(), merge.String()}, hashes(rng), "Full history must contain merged commits")

	rng, err = ResolveRange(repo.repo, RangeQuery{Since: before, BadRef: merge.String(), FirstParent: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{root.String(), trunk.String(), merge.String()}, hashes(rng), "First parent history must skip merged commits")
}

func TestResolveRangeEqualTimestamps(t *testing.T) {
	repo := newTestRepo(t, t.TempDir())
	var want []string
	for _, msg := range []string{"a", "b", "c", "d"} {
		want = append(want, repo.commit(msg, day(5)).String())
	}

	rng, err := ResolveRange(repo.repo, RangeQuery{Since: day(1)}, nil)
	require.NoError(t, err)
	assert.Equal(t, want, hashes(rng), "Commits sharing a timestamp must keep their topological order")
}
