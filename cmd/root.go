package cmd

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var verbosity int
var quiet bool

var rootCmd = &cobra.Command{
	Use:   "logbisect",
	Short: "Find the commit that introduced a regression by building and running docker images of past commits",
	Long: `logbisect builds and runs a docker image for a sequence of historical commits and classifies each one
as good or broken by searching the container logs for a known error string.
Using binary search, it narrows down to the first broken commit and verifies it.`,
	SilenceUsage: true,
	// Returned errors are logged once by Execute
	SilenceErrors: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		log := newLogger()
		// Failures are reported even with --quiet
		log.SetOutput(os.Stderr)
		logFailure(log, err)
		os.Exit(1)
	}
}

// logFailure logs the error a command returned
func logFailure(log *logrus.Logger, err error) {
	log.Errorf("Command failed - %v", err)
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase log verbosity, may be repeated")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Disable logging")
}

// newLogger creates a logger with its level set according to the verbosity flags
func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	formatter := &prefixed.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	}
	log.SetFormatter(formatter)

	level := verbosity
	if quiet {
		level = -1
	}
	setVerbosity(log, level)
	return log
}

// setVerbosity maps a verbosity count to a log level, where a negative count mutes the log
func setVerbosity(log *logrus.Logger, verbosity int) {
	if verbosity < 0 {
		log.SetOutput(io.Discard)
	} else if verbosity == 0 {
		log.SetLevel(logrus.InfoLevel)
	} else if verbosity == 1 {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.TraceLevel)
	}
}
