package logbisect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dchest/uniuri"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/moby/patternmatcher/ignorefile"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Label is set on every container and image created by logbisect
const Label = "logbisect"

// ContainerRuntime builds and runs the images under test
type ContainerRuntime interface {
	// BuildImage builds the image tagged with the passed name from contextDir, writing the build output to buildLog.
	// Paths matching excludes are left out of the build context in addition to the .dockerignore patterns.
	BuildImage(ctx context.Context, contextDir, dockerfile, imageName string, excludes []string, buildLog io.Writer) error
	// StartContainer starts a detached container of the passed image and returns its id
	StartContainer(ctx context.Context, imageName string, args *RunArgs) (string, error)
	// ContainerLogs returns the combined stdout and stderr of a container
	ContainerLogs(ctx context.Context, id string, tty bool) ([]byte, error)
	// RemoveContainer force-removes a container. Removing a missing container is not an error
	RemoveContainer(ctx context.Context, id string) error
	// RemoveImageArtifacts removes all containers of the passed image and the image itself.
	// Missing containers or images are not an error
	RemoveImageArtifacts(ctx context.Context, imageName string) error
}

type dockerRuntime struct {
	cli *client.Client
	log *logrus.Entry
}

// NewDockerRuntime connects to the docker daemon configured in the environment
func NewDockerRuntime(ctx context.Context, log *logrus.Entry) (ContainerRuntime, func() error, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, nil, errors.Join(fmt.Errorf("failed to create new docker client"), err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, nil, errors.Join(fmt.Errorf("docker daemon not responding"), err)
	}
	if log == nil {
		log = discardLogger()
	}
	return &dockerRuntime{cli: cli, log: log}, cli.Close, nil
}

func (d *dockerRuntime) BuildImage(ctx context.Context, contextDir, dockerfile, imageName string, excludes []string, buildLog io.Writer) error {
	patterns, err := readDockerignore(contextDir)
	if err != nil {
		return err
	}
	// Appended last so .dockerignore exceptions can't pull them back in
	patterns = append(patterns, excludes...)

	buildCtx, err := archive.TarWithOptions(contextDir, &archive.TarOptions{ExcludePatterns: patterns})
	if err != nil {
		return errors.Join(fmt.Errorf("tar creation of build context %s failed", contextDir), err)
	}
	defer buildCtx.Close()

	buildRes, err := d.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{imageName},
		Dockerfile:  dockerfile,
		Remove:      true,
		ForceRemove: true,
		Labels:      map[string]string{Label: "1"},
	})
	if err != nil {
		return errors.Join(fmt.Errorf("image build of %s could not be started", imageName), err)
	}
	defer buildRes.Body.Close()

	// The daemon reports build errors inside the stream, not through the response
	decoder := json.NewDecoder(buildRes.Body)
	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Join(fmt.Errorf("failed to read build output of %s", imageName), err)
		}
		if msg.Stream != "" {
			io.WriteString(buildLog, msg.Stream)
		}
		if msg.Error != nil {
			fmt.Fprintln(buildLog, msg.Error.Message)
			return fmt.Errorf("build error: %s", msg.Error.Message)
		}
	}
}

func (d *dockerRuntime) StartContainer(ctx context.Context, imageName string, args *RunArgs) (string, error) {
	exposedPorts, portBindings, err := args.PortBindings()
	if err != nil {
		return "", err
	}

	labels := map[string]string{Label: "1"}
	for k, v := range args.Labels {
		labels[k] = v
	}

	containerConfig := &container.Config{
		Image:        imageName,
		Env:          args.Env,
		Cmd:          args.Cmd,
		Entrypoint:   args.Entrypoint,
		User:         args.User,
		WorkingDir:   args.WorkingDir,
		Hostname:     args.Hostname,
		Tty:          args.Tty,
		ExposedPorts: exposedPorts,
		Labels:       labels,
	}
	hostConfig := &container.HostConfig{
		PortBindings:   portBindings,
		Binds:          args.Binds,
		NetworkMode:    container.NetworkMode(args.Network),
		Privileged:     args.Privileged,
		ReadonlyRootfs: args.ReadOnly,
		CapAdd:         args.CapAdd,
		CapDrop:        args.CapDrop,
		ExtraHosts:     args.ExtraHosts,
		DNS:            args.DNS,
		ShmSize:        args.ShmSize,
		Resources: container.Resources{
			Memory:   args.Memory,
			NanoCPUs: args.NanoCPUs,
		},
	}
	if args.Init {
		hostConfig.Init = &args.Init
	}

	containerName := "logbisect-" + uniuri.New()
	d.log.Debugf("Exposed ports: %+v, Port bindings: %+v", exposedPorts, portBindings)

	resp, err := d.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return "", errors.Join(fmt.Errorf("container creation with name %s of image %s failed", containerName, imageName), err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Created but not started containers would otherwise linger until the final cleanup
		d.RemoveContainer(context.WithoutCancel(ctx), resp.ID)
		return "", errors.Join(fmt.Errorf("container start with name %s and id %s of image %s failed", containerName, resp.ID, imageName), err)
	}

	d.log.Debugf("Started container %s (ID: %s)", containerName, resp.ID)
	return resp.ID, nil
}

func (d *dockerRuntime) ContainerLogs(ctx context.Context, id string, tty bool) ([]byte, error) {
	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if tty {
		_, err = io.Copy(&buf, rc)
	} else {
		_, err = stdcopy.StdCopy(&buf, &buf, rc)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *dockerRuntime) RemoveContainer(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return err
	}
	return nil
}

func (d *dockerRuntime) RemoveImageArtifacts(ctx context.Context, imageName string) error {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("ancestor", imageName)),
	})
	if err != nil && !client.IsErrNotFound(err) {
		return errors.Join(fmt.Errorf("couldn't list containers of image %s", imageName), err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range containers {
		id := c.ID
		g.Go(func() error {
			d.log.Debugf("Removing container %s of image %s", id, imageName)
			return d.RemoveContainer(gctx, id)
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Join(fmt.Errorf("failed to remove containers of image %s", imageName), err)
	}

	if _, err := d.cli.ImageRemove(ctx, imageName, image.RemoveOptions{Force: true, PruneChildren: true}); err != nil && !client.IsErrNotFound(err) {
		return errors.Join(fmt.Errorf("failed to remove image %s", imageName), err)
	}
	return nil
}

// readDockerignore returns the exclude patterns of the .dockerignore in contextDir, if there is one
func readDockerignore(contextDir string) ([]string, error) {
	f, err := os.Open(filepath.Join(contextDir, ".dockerignore"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	patterns, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to parse .dockerignore of %s", contextDir), err)
	}
	return patterns, nil
}
