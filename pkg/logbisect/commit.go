package logbisect

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/sirupsen/logrus"
)

// A Commit is a single candidate of a resolved range
type Commit struct {
	Hash  string    `json:"hash"`  // The full hash of the commit
	Time  time.Time `json:"time"`  // The committer timestamp
	Index int       `json:"index"` // The position of this commit in its range

	Subject string `json:"subject"` // The first line of the commit message
	Author  string `json:"author"`  // The author in "name <email>" form
}

// Short returns the abbreviated hash of the commit
func (c Commit) Short() string {
	if len(c.Hash) > 8 {
		return c.Hash[:8]
	}
	return c.Hash
}

// A Range is an ordered list of commits, where Range[0] is the oldest and Range[len-1] the newest commit
type Range []Commit

// RangeQuery describes which commits should be resolved into a range
type RangeQuery struct {
	Since   time.Time // Commits older than this are never part of the range
	GoodRef string    // Exclusive lower bound. If empty, only Since limits the range
	BadRef  string    // Inclusive upper bound. Defaults to HEAD

	FirstParent bool // Only follow the first parent of merge commits
}

// ResolveRange returns the commits of the repository matching the query, oldest first.
// It does not modify the repository.
func ResolveRange(repo *git.Repository, q RangeQuery, log *logrus.Entry) (Range, error) {
	if log == nil {
		log = discardLogger()
	}
	if q.BadRef == "" {
		q.BadRef = "HEAD"
	}

	bad, err := resolveCommit(repo, q.BadRef)
	if err != nil {
		return nil, err
	}

	// Every ancestor of the good commit, including itself, is excluded from the range
	excluded := map[plumbing.Hash]bool{}
	if q.GoodRef != "" {
		good, err := resolveCommit(repo, q.GoodRef)
		if err != nil {
			return nil, err
		}
		if good.Hash != bad.Hash {
			if isAncestor, err := good.IsAncestor(bad); err == nil && !isAncestor {
				log.Warnf("Good reference %s is not an ancestor of bad reference %s", q.GoodRef, q.BadRef)
			}
		}
		if err := walkCommits(repo, good, q.FirstParent, func(c *object.Commit) error {
			excluded[c.Hash] = true
			return nil
		}); err != nil {
			return nil, errors.Join(fmt.Errorf("failed to walk history of good reference %s", q.GoodRef), err)
		}
	}

	var commits []*object.Commit
	seen := map[plumbing.Hash]bool{}
	if err := walkCommits(repo, bad, q.FirstParent, func(c *object.Commit) error {
		if excluded[c.Hash] || seen[c.Hash] {
			return nil
		}
		seen[c.Hash] = true
		if c.Committer.When.Before(q.Since) {
			return nil
		}
		commits = append(commits, c)
		return nil
	}); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to walk history of bad reference %s", q.BadRef), err)
	}

	switch len(commits) {
	case 0:
		return nil, errors.Join(ErrEmptyRange, fmt.Errorf("no commits since %s match %s; try an earlier --date or explicit --good-ref/--bad-ref", q.Since.Format(time.DateOnly), describeBounds(q)))
	case 1:
		return nil, errors.Join(ErrInsufficientRange, fmt.Errorf("only commit %s since %s matches %s; bisection needs at least two commits, try an earlier --date or an older --good-ref", commits[0].Hash, q.Since.Format(time.DateOnly), describeBounds(q)))
	}

	// Walks return newest first; reverse to get the oldest commit at index 0.
	// The stable sort keeps topological order for commits sharing a timestamp.
	for i, j := 0, len(commits)-1; i < j; i, j = i+1, j-1 {
		commits[i], commits[j] = commits[j], commits[i]
	}
	sort.SliceStable(commits, func(i, j int) bool {
		return commits[i].Committer.When.Before(commits[j].Committer.When)
	})

	rng := make(Range, len(commits))
	for i, c := range commits {
		rng[i] = Commit{
			Hash:  c.Hash.String(),
			Time:  c.Committer.When,
			Index: i,

			Subject: strings.TrimSpace(firstLine(c.Message)),
			Author:  fmt.Sprintf("%s <%s>", c.Author.Name, c.Author.Email),
		}
	}

	log.Infof("Resolved %d commits from %s (%s) to %s (%s)", len(rng), rng[0].Short(), rng[0].Time.Format(time.RFC3339), rng[len(rng)-1].Short(), rng[len(rng)-1].Time.Format(time.RFC3339))
	return rng, nil
}

// resolveCommit returns the commit object the passed reference points to
func resolveCommit(repo *git.Repository, ref string) (*object.Commit, error) {
	hash, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return nil, errors.Join(ErrInvalidReference, fmt.Errorf("reference %q does not resolve", ref), err)
	}
	commit, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, errors.Join(ErrInvalidReference, fmt.Errorf("reference %q does not point to a commit", ref), err)
	}
	return commit, nil
}

// walkCommits calls fn for every commit reachable from start, newest first.
// If firstParent is set, only the first parent of every commit is followed.
func walkCommits(repo *git.Repository, start *object.Commit, firstParent bool, fn func(*object.Commit) error) error {
	if !firstParent {
		iter, err := repo.Log(&git.LogOptions{From: start.Hash, Order: git.LogOrderCommitterTime})
		if err != nil {
			return err
		}
		defer iter.Close()
		return iter.ForEach(fn)
	}

	cur := start
	for {
		if err := fn(cur); err != nil {
			if err == storer.ErrStop {
				return nil
			}
			return err
		}
		if cur.NumParents() == 0 {
			return nil
		}
		parent, err := cur.Parent(0)
		if err != nil {
			return err
		}
		cur = parent
	}
}

func describeBounds(q RangeQuery) string {
	if q.GoodRef == "" {
		return fmt.Sprintf("history of %s", q.BadRef)
	}
	return fmt.Sprintf("range %s..%s", q.GoodRef, q.BadRef)
}
