package logbisect

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/mattn/go-shellwords"
	"github.com/phayes/freeport"
)

// RunArgs is the parsed form of the container run arguments
type RunArgs struct {
	Env        []string          // KEY=VALUE pairs
	Publish    []string          // Port specs as accepted by docker run -p
	Binds      []string          // Volume binds
	Labels     map[string]string // Additional container labels
	Network    string            // Network mode
	User       string
	WorkingDir string
	Hostname   string
	Entrypoint []string
	Tty        bool

	Privileged bool
	ReadOnly   bool
	Init       bool
	CapAdd     []string
	CapDrop    []string
	ExtraHosts []string // host:ip entries
	DNS        []string
	Memory     int64 // Bytes, 0 means unlimited
	ShmSize    int64 // Bytes, 0 means the daemon default
	NanoCPUs   int64

	Cmd []string // Everything after the first non-flag argument
}

// runFlags maps every supported flag to whether it takes a value
var runFlags = map[string]bool{
	"-e":           true,
	"--env":        true,
	"--env-file":   true,
	"-p":           true,
	"--publish":    true,
	"-v":           true,
	"--volume":     true,
	"-l":           true,
	"--label":      true,
	"--network":    true,
	"--net":        true,
	"-u":           true,
	"--user":       true,
	"-w":           true,
	"--workdir":    true,
	"-h":           true,
	"--hostname":   true,
	"--entrypoint": true,
	"--cap-add":    true,
	"--cap-drop":   true,
	"--add-host":   true,
	"--dns":        true,
	"-m":           true,
	"--memory":     true,
	"--shm-size":   true,
	"--cpus":       true,
	"-t":           false,
	"--tty":        false,
	"--privileged": false,
	"--read-only":  false,
	"--init":       false,

	// Accepted for compatibility with docker run invocations. Containers always run detached and are always removed
	"-d":            false,
	"--detach":      false,
	"-i":            false,
	"--interactive": false,
	"--rm":          false,
}

// splitShortFlag splits a single dash word into its flags.
// Combined flags like -dit are expanded. The first flag taking a value ends the group,
// the rest of the word is its value like in -eFOO=bar or -dp8080:80.
func splitShortFlag(word string) (flags []string, value string, hasValue bool, err error) {
	for j, c := range word[1:] {
		flag := "-" + string(c)
		takesValue, ok := runFlags[flag]
		if !ok {
			return nil, "", false, fmt.Errorf("unsupported docker arg %s", word)
		}
		flags = append(flags, flag)
		if takesValue {
			if rest := word[j+2:]; rest != "" {
				return flags, strings.TrimPrefix(rest, "="), true, nil
			}
			break
		}
	}
	if len(flags) == 0 {
		return nil, "", false, fmt.Errorf("unsupported docker arg %s", word)
	}
	return flags, "", false, nil
}

// ParseDockerArgs parses a docker run style argument string.
// Unsupported flags are rejected so they are not silently ignored.
func ParseDockerArgs(args string) (*RunArgs, error) {
	words, err := shellwords.Parse(args)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to split docker args"), err)
	}

	res := &RunArgs{Labels: map[string]string{}}
	for i := 0; i < len(words); i++ {
		word := words[i]
		if !strings.HasPrefix(word, "-") {
			res.Cmd = words[i:]
			break
		}

		var (
			flags    []string
			value    string
			hasValue bool
		)
		if strings.HasPrefix(word, "--") {
			var flag string
			flag, value, hasValue = strings.Cut(word, "=")
			flags = []string{flag}
		} else if flags, value, hasValue, err = splitShortFlag(word); err != nil {
			return nil, err
		}

		for k, flag := range flags {
			takesValue, ok := runFlags[flag]
			if !ok {
				return nil, fmt.Errorf("unsupported docker arg %s", flag)
			}
			// Only the last flag of a combined group can carry a value
			attached := hasValue && k == len(flags)-1
			if takesValue && !attached {
				if i+1 >= len(words) {
					return nil, fmt.Errorf("docker arg %s is missing a value", flag)
				}
				i++
				value = words[i]
			} else if !takesValue && attached {
				return nil, fmt.Errorf("docker arg %s does not take a value", flag)
			}

			if err := res.apply(flag, value); err != nil {
				return nil, err
			}
		}
	}

	if _, _, err := nat.ParsePortSpecs(res.Publish); err != nil {
		return nil, errors.Join(fmt.Errorf("invalid port spec in docker args"), err)
	}

	return res, nil
}

func (r *RunArgs) apply(flag, value string) error {
	switch flag {
	case "-e", "--env":
		r.Env = append(r.Env, envEntry(value))
	case "--env-file":
		env, err := readEnvFile(value)
		if err != nil {
			return err
		}
		r.Env = append(r.Env, env...)
	case "-p", "--publish":
		r.Publish = append(r.Publish, value)
	case "-v", "--volume":
		r.Binds = append(r.Binds, value)
	case "-l", "--label":
		k, v, _ := strings.Cut(value, "=")
		r.Labels[k] = v
	case "--network", "--net":
		r.Network = value
	case "-u", "--user":
		r.User = value
	case "-w", "--workdir":
		r.WorkingDir = value
	case "-h", "--hostname":
		r.Hostname = value
	case "--entrypoint":
		r.Entrypoint = []string{value}
	case "--cap-add":
		r.CapAdd = append(r.CapAdd, value)
	case "--cap-drop":
		r.CapDrop = append(r.CapDrop, value)
	case "--add-host":
		r.ExtraHosts = append(r.ExtraHosts, value)
	case "--dns":
		r.DNS = append(r.DNS, value)
	case "-m", "--memory":
		memory, err := units.RAMInBytes(value)
		if err != nil {
			return errors.Join(fmt.Errorf("invalid docker arg %s %s", flag, value), err)
		}
		r.Memory = memory
	case "--shm-size":
		shmSize, err := units.RAMInBytes(value)
		if err != nil {
			return errors.Join(fmt.Errorf("invalid docker arg %s %s", flag, value), err)
		}
		r.ShmSize = shmSize
	case "--cpus":
		cpus, err := strconv.ParseFloat(value, 64)
		if err != nil || cpus < 0 {
			return errors.Join(fmt.Errorf("invalid docker arg %s %s", flag, value), err)
		}
		r.NanoCPUs = int64(cpus * 1e9)
	case "-t", "--tty":
		r.Tty = true
	case "--privileged":
		r.Privileged = true
	case "--read-only":
		r.ReadOnly = true
	case "--init":
		r.Init = true
	}
	return nil
}

// envEntry turns NAME into NAME=value from the current environment, like docker run -e NAME does
func envEntry(value string) string {
	if strings.Contains(value, "=") {
		return value
	}
	return fmt.Sprintf("%s=%s", value, os.Getenv(value))
}

// readEnvFile reads an env file in the format of docker run --env-file.
// Blank lines and lines starting with # are skipped.
func readEnvFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to open env file %s", path), err)
	}
	defer f.Close()

	var env []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimLeft(scanner.Text(), " \t")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if name, _, _ := strings.Cut(line, "="); strings.ContainsAny(name, " \t") {
			return nil, fmt.Errorf("invalid variable name %q in env file %s", name, path)
		}
		env = append(env, envEntry(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to read env file %s", path), err)
	}
	return env, nil
}

// PortBindings returns the exposed ports and their bindings.
// Published ports without a host port are bound to a free local port.
func (r *RunArgs) PortBindings() (nat.PortSet, nat.PortMap, error) {
	exposedPorts, portBindings, err := nat.ParsePortSpecs(r.Publish)
	if err != nil {
		return nil, nil, err
	}

	for port, bindings := range portBindings {
		for i := range bindings {
			if bindings[i].HostPort != "" {
				continue
			}
			freePort, err := freeport.GetFreePort()
			if err != nil {
				return nil, nil, errors.Join(fmt.Errorf("failed to find a free host port for %s", port), err)
			}
			bindings[i].HostPort = fmt.Sprint(freePort)
		}
	}

	return exposedPorts, portBindings, nil
}
