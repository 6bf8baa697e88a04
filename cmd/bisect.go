package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DominicWuest/logbisect/internal/server"
	"github.com/DominicWuest/logbisect/pkg/logbisect"
	"github.com/spf13/cobra"
)

var bisectFlags struct {
	configPath string

	date         string
	dockerImage  string
	repoURL      string
	repoBranch   string
	repoToken    string
	goodRef      string
	badRef       string
	dockerArgs   string
	buildContext string
	dockerfile   string
	waitTime     int
	errorString  string

	outputDir   string
	firstParent bool
	statusPort  int
	noProgress  bool
}

var bisectCmd = &cobra.Command{
	Use:   "bisect",
	Short: "Find the commit which introduced an error into the logs of a container",
	Long: `Find the commit which introduced an error into the logs of a container.

All commits since --date (and after --good-ref, if given) up to --bad-ref are bisected.
For every tested commit, the image is built from the build context and a container is started from it.
After --wait-time seconds, the container logs are searched for --error-string. If it is found, the commit is broken.
Commits which fail to check out, build or start are skipped.

The repository is restored to its original branch and uncommitted changes once the bisection ends or is interrupted.`,
	Example: `  logbisect bisect --date 2024-05-01 --docker-image app:bisect --error-string "panic:"
  logbisect bisect --date 2024-05-01 --docker-image app:bisect --good-ref v1.2.0 --docker-args "-e MODE=test -p 8080"
  logbisect bisect --repo-url https://github.com/org/app.git --repo-branch main --date 2024-05-01 --docker-image app:bisect
  logbisect bisect --config job.yml`,
	Args: cobra.NoArgs,
	RunE: runBisect,
}

func init() {
	rootCmd.AddCommand(bisectCmd)

	flags := bisectCmd.Flags()
	flags.StringVarP(&bisectFlags.configPath, "config", "c", "", "Read the bisection config from a yaml file. Flags override its values")

	flags.StringVar(&bisectFlags.date, "date", "", "Only consider commits since this date (required)")
	flags.StringVar(&bisectFlags.dockerImage, "docker-image", "", "The name:tag of the image to build and run (required)")
	flags.StringVar(&bisectFlags.repoURL, "repo-url", "", "Clone this repository instead of using the current working tree")
	flags.StringVar(&bisectFlags.repoBranch, "repo-branch", "", "The branch to check out after cloning")
	flags.StringVar(&bisectFlags.repoToken, "repo-token", "", "Token used to authenticate an HTTPS clone")
	flags.StringVar(&bisectFlags.goodRef, "good-ref", "", "The newest commit known to be good")
	flags.StringVar(&bisectFlags.badRef, "bad-ref", "HEAD", "The commit known to be broken")
	flags.StringVar(&bisectFlags.dockerArgs, "docker-args", "", "Arguments for running the container, e.g. \"-e KEY=value -p 8080 ./app --flag\"")
	flags.StringVar(&bisectFlags.buildContext, "docker-build-context", ".", "The build context, relative to the repository root")
	flags.StringVar(&bisectFlags.dockerfile, "dockerfile", "Dockerfile", "The Dockerfile, relative to the build context")
	flags.IntVar(&bisectFlags.waitTime, "wait-time", 30, "Seconds to wait after starting the container before reading its logs")
	flags.StringVar(&bisectFlags.errorString, "error-string", "error", "Containers logging this string are broken")

	flags.StringVarP(&bisectFlags.outputDir, "output-dir", "o", "bisect-logs", "Where container logs, the build log and the report are written")
	flags.BoolVar(&bisectFlags.firstParent, "first-parent", false, "Only follow the first parent of merge commits")
	flags.IntVarP(&bisectFlags.statusPort, "status-port", "p", 0, "Serve the bisection status over HTTP on this port")
	flags.BoolVar(&bisectFlags.noProgress, "no-progress", false, "Don't draw progress bars")
}

func runBisect(cmd *cobra.Command, args []string) error {
	log := newLogger()

	cfg, err := configFromFlags(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Interrupting cancels the context; the run then restores the repository before returning
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := &logbisect.Runner{
		Config:   cfg,
		Log:      log,
		Out:      cmd.OutOrStdout(),
		Progress: logbisect.NewProgress(),
	}
	if !bisectFlags.noProgress && !quiet {
		runner.ProgressOutput = os.Stderr
	}

	if cfg.StatusPort != 0 {
		srv, err := server.NewServer(server.HTTP, cfg.StatusPort, runner.Progress)
		if err != nil {
			return fmt.Errorf("failed to start status server: %w", err)
		}
		defer srv.Close()
		log.Infof("Serving status on http://localhost:%d/status", cfg.StatusPort)
	}

	start := time.Now()
	res, err := runner.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn("Bisection interrupted, repository state was restored")
			return fmt.Errorf("interrupted")
		}
		return fmt.Errorf("bisection setup failed: %w", err)
	}

	log.Infof("Bisection finished after %d evaluations in %s with status %s", len(res.Evaluations), time.Since(start).Round(time.Second), res.Status())
	return nil
}

// configFromFlags reads the config file, if one was passed, and overrides its values with all explicitly set flags
func configFromFlags(cmd *cobra.Command) (*logbisect.Config, error) {
	cfg := logbisect.NewConfig()
	if bisectFlags.configPath != "" {
		configYaml, err := os.Open(bisectFlags.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config: %w", err)
		}
		defer configYaml.Close()
		cfg, err = logbisect.GetConfigFromYaml(configYaml)
		if err != nil {
			return nil, fmt.Errorf("failed to read config from yaml: %w", err)
		}
	}

	flags := cmd.Flags()
	overrides := map[string]func(){
		"date":                 func() { cfg.Date = bisectFlags.date },
		"docker-image":         func() { cfg.Image = bisectFlags.dockerImage },
		"repo-url":             func() { cfg.RepoURL = bisectFlags.repoURL },
		"repo-branch":          func() { cfg.RepoBranch = bisectFlags.repoBranch },
		"repo-token":           func() { cfg.RepoToken = bisectFlags.repoToken },
		"good-ref":             func() { cfg.GoodRef = bisectFlags.goodRef },
		"bad-ref":              func() { cfg.BadRef = bisectFlags.badRef },
		"docker-args":          func() { cfg.DockerArgs = bisectFlags.dockerArgs },
		"docker-build-context": func() { cfg.BuildContext = bisectFlags.buildContext },
		"dockerfile":           func() { cfg.Dockerfile = bisectFlags.dockerfile },
		"wait-time":            func() { cfg.WaitTime = time.Duration(bisectFlags.waitTime) * time.Second },
		"error-string":         func() { cfg.ErrorString = bisectFlags.errorString },
		"output-dir":           func() { cfg.OutputDir = bisectFlags.outputDir },
		"first-parent":         func() { cfg.FirstParent = bisectFlags.firstParent },
		"status-port":          func() { cfg.StatusPort = bisectFlags.statusPort },
	}
	for name, override := range overrides {
		if flags.Changed(name) {
			override()
		}
	}

	return cfg, nil
}
