package logbisect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/sirupsen/logrus"
)

// CloneRepository clones the configured remote repository into a new temporary directory and returns it.
// On failure, the temporary directory is removed again.
func CloneRepository(ctx context.Context, cfg *Config, progress io.Writer, log *logrus.Entry) (string, error) {
	if log == nil {
		log = discardLogger()
	}

	dir, err := os.MkdirTemp("", "logbisect-")
	if err != nil {
		return "", errors.Join(ErrCloneFailure, err)
	}

	opts := &git.CloneOptions{
		URL:      cfg.RepoURL,
		Progress: progress,
	}
	if cfg.RepoBranch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(cfg.RepoBranch)
		opts.SingleBranch = true
	}
	if cfg.RepoToken != "" {
		// Most forges accept any non-empty user name together with a token as password
		opts.Auth = &http.BasicAuth{Username: "x-access-token", Password: cfg.RepoToken}
	}

	log.Infof("Cloning %s into %s...", cfg.RedactedRepoURL(), dir)
	if _, err := git.PlainCloneContext(ctx, dir, false, opts); err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			log.Warnf("Failed to remove partial clone %s - %v", dir, rmErr)
		}
		return "", errors.Join(ErrCloneFailure, fmt.Errorf("git clone of repository %s failed", cfg.RedactedRepoURL()), err)
	}

	return dir, nil
}
