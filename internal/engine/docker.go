package engine

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// DockerRunnerConfig configures the containerized backend. The archive
// directory is bind-mounted into the container at the same path, so tool
// arguments are identical for both backends.
type DockerRunnerConfig struct {
	Image       string
	ArchiveDir  string
	Grace       time.Duration
	CPULimit    int64 // CPU shares in millicores
	MemoryLimit int64 // bytes
}

// DockerRunner runs each tool invocation in a fresh container from a tools
// image, for hosts that do not carry the mongo tools themselves.
type DockerRunner struct {
	cfg    DockerRunnerConfig
	cli    *client.Client
	logger zerolog.Logger
}

func NewDockerRunner(cli *client.Client, cfg DockerRunnerConfig, logger zerolog.Logger) *DockerRunner {
	return &DockerRunner{
		cfg:    cfg,
		cli:    cli,
		logger: logger.With().Str("component", "docker-runner").Logger(),
	}
}

func (r *DockerRunner) Run(ctx context.Context, spec Spec, emit LineFunc) (Result, error) {
	start := time.Now()

	// The caller's ctx aborts setup, but once the container runs we manage
	// its shutdown ourselves so the stop grace period is honored.
	runCtx := context.Background()

	if _, err := r.cli.ImageInspect(ctx, r.cfg.Image); err != nil {
		r.logger.Info().Str("image", r.cfg.Image).Msg("image not found locally, pulling")
		reader, err := r.cli.ImagePull(ctx, r.cfg.Image, image.PullOptions{})
		if err != nil {
			return Result{}, errors.Wrapf(err, "pull image %s", r.cfg.Image)
		}
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	containerConfig := &container.Config{
		Image: r.cfg.Image,
		Cmd:   append([]string{spec.Command}, spec.Args...),
		Env:   spec.Env,
	}
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: r.cfg.ArchiveDir,
				Target: r.cfg.ArchiveDir,
			},
		},
		Resources: container.Resources{
			CPUShares: r.cfg.CPULimit,
			Memory:    r.cfg.MemoryLimit,
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return Result{}, errors.Wrap(err, "create container")
	}
	containerID := resp.ID
	defer r.cli.ContainerRemove(runCtx, containerID, container.RemoveOptions{Force: true})

	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return Result{}, errors.Wrap(err, "start container")
	}
	r.logger.Debug().Str("container", containerID).Str("command", spec.Command).Msg("container started")

	var signaled atomic.Bool
	done := make(chan struct{})
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		select {
		case <-ctx.Done():
			signaled.Store(true)
			graceSecs := int(r.cfg.Grace / time.Second)
			if graceSecs < 1 {
				graceSecs = 1
			}
			r.logger.Info().Str("container", containerID).Msg("cancellation requested, stopping container")
			if err := r.cli.ContainerStop(runCtx, containerID, container.StopOptions{Timeout: &graceSecs}); err != nil {
				r.logger.Warn().Err(err).Str("container", containerID).Msg("container stop failed")
			}
		case <-done:
		}
	}()
	defer func() {
		close(done)
		<-watchdogDone
	}()

	logReader, err := r.cli.ContainerLogs(runCtx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "attach container logs")
	}
	defer logReader.Close()

	// stdcopy demuxes the two streams; scan each side into lines.
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()

	var wg sync.WaitGroup
	wg.Add(2)
	scan := func(rd io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(rd)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		scanner.Split(splitLines)
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			emit(spec.Source, text)
		}
	}
	go scan(outR)
	go scan(errR)

	go func() {
		_, copyErr := stdcopy.StdCopy(outW, errW, logReader)
		outW.CloseWithError(copyErr)
		errW.CloseWithError(copyErr)
	}()

	waitResp, errCh := r.cli.ContainerWait(runCtx, containerID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		logReader.Close()
		wg.Wait()
		return Result{
			Signaled:   signaled.Load(),
			DurationMs: time.Since(start).Milliseconds(),
		}, errors.Wrap(err, "wait for container")
	case status := <-waitResp:
		exitCode = int(status.StatusCode)
	}
	wg.Wait()

	return Result{
		ExitCode:   exitCode,
		Signaled:   signaled.Load(),
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}
