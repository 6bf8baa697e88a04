package logbisect

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// Config holds all parameters of a single bisection run. Use [NewConfig] to create one with defaults.
// It is validated once by [Config.Validate] and must not be changed afterwards.
type Config struct {
	Image        string `yaml:"dockerImage"`                     // The name:tag of the image built for every commit
	BuildContext string `yaml:"dockerBuildContext" default:"."`  // The build context, relative to the repository root
	Dockerfile   string `yaml:"dockerfile" default:"Dockerfile"` // The Dockerfile, relative to the build context
	DockerArgs   string `yaml:"dockerArgs"`                      // Arguments appended to the container run, in shell syntax

	RepoURL    string `yaml:"repoUrl"`    // The repository to clone. If empty, the current working tree is bisected
	RepoBranch string `yaml:"repoBranch"` // The branch to check out after cloning
	RepoToken  string `yaml:"repoToken"`  // Credential for HTTPS clones. Never logged

	GoodRef string `yaml:"goodRef"`                // The newest commit known to be good, exclusive
	BadRef  string `yaml:"badRef" default:"HEAD"` // The commit known to be broken, inclusive
	Date    string `yaml:"date"`                   // Commits older than this date are not considered

	WaitTime    time.Duration `yaml:"waitTime" default:"30s"`     // How long the container runs before its logs are captured
	ErrorString string        `yaml:"errorString" default:"error"` // Logs containing this are classified as broken

	OutputDir   string `yaml:"outputDir" default:"bisect-logs"` // Where log artifacts and the report are written
	FirstParent bool   `yaml:"firstParent"`                     // Only follow the first parent of merge commits
	StatusPort  int    `yaml:"statusPort"`                      // Port of the status server, 0 to disable

	WorkDir string `yaml:"-"` // The working tree to operate on when RepoURL is empty. Defaults to "."

	since time.Time
}

// NewConfig returns a config with all defaults set
func NewConfig() *Config {
	var config Config
	if err := defaults.Set(&config); err != nil {
		// Only reachable if a default tag is malformed
		panic(err)
	}
	return &config
}

// GetConfigFromYaml reads a config in yaml format from a reader.
// Keys missing from the yaml keep their default value.
func GetConfigFromYaml(r io.Reader) (*Config, error) {
	config := NewConfig()

	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Join(ErrInvalidConfig, err)
	}

	return config, nil
}

// Validate checks the config for consistency. Create configs with [NewConfig] to get defaults for unset fields.
func (c *Config) Validate() error {
	if c.BadRef == "" {
		c.BadRef = "HEAD"
	}
	if c.WorkDir == "" {
		c.WorkDir = "."
	}

	var errs []error
	if c.Image == "" {
		errs = append(errs, fmt.Errorf("docker image is required"))
	}
	if c.Date == "" {
		errs = append(errs, fmt.Errorf("date is required"))
	} else if since, err := ParseDate(c.Date); err != nil {
		errs = append(errs, err)
	} else {
		c.since = since
	}
	if c.WaitTime < 0 {
		errs = append(errs, fmt.Errorf("wait time must not be negative, got %s", c.WaitTime))
	}
	if c.BuildContext == "" || c.Dockerfile == "" || c.OutputDir == "" {
		errs = append(errs, fmt.Errorf("build context, dockerfile and output dir must not be empty"))
	}
	if c.ErrorString == "" {
		errs = append(errs, fmt.Errorf("error string must not be empty"))
	}
	if c.StatusPort < 0 || c.StatusPort > 65535 {
		errs = append(errs, fmt.Errorf("status port %d is out of range", c.StatusPort))
	}
	if c.RepoURL == "" && (c.RepoBranch != "" || c.RepoToken != "") {
		errs = append(errs, fmt.Errorf("repo branch and repo token require a repo url"))
	}
	if c.RepoToken != "" && !strings.HasPrefix(c.RepoURL, "https://") {
		errs = append(errs, fmt.Errorf("repo token can only be used with https repo urls"))
	}
	if _, err := ParseDockerArgs(c.DockerArgs); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}

// Since returns the parsed lower date bound. Only valid after [Config.Validate] succeeded.
func (c *Config) Since() time.Time {
	return c.since
}

// RedactedRepoURL returns the repository url with any credentials removed, safe for logging
func (c *Config) RedactedRepoURL() string {
	u, err := url.Parse(c.RepoURL)
	if err != nil || u.User == nil {
		return c.RepoURL
	}
	u.User = nil
	return u.String()
}

var dateLayouts = []string{
	time.RFC3339,
	time.DateTime,
	"2006-01-02T15:04:05",
	time.DateOnly,
}

// ParseDate parses a commit date bound. Dates without a zone are interpreted in local time.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("date %q is not of the form YYYY-MM-DD, YYYY-MM-DD HH:MM:SS or RFC3339", s)
}
