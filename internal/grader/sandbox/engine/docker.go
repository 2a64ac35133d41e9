package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"corrector/internal/grader/sandbox/result"
	"corrector/internal/grader/sandbox/spec"
	appErr "corrector/pkg/errors"
	"corrector/pkg/utils/logger"
)

const (
	containerWorkDir = "/work"

	defaultDockerImage  = "algoritmosrw/corrector"
	defaultDockerMemory = 512 << 20
	defaultDockerUser   = "nobody:nogroup"
	defaultDockerTmpfs  = "exec,size=75M"
)

// DockerConfig describes the isolation applied to every container.
type DockerConfig struct {
	Image       string            `yaml:"image"`
	MemoryBytes int64             `yaml:"memoryBytes"`
	User        string            `yaml:"user"`
	TmpfsOpts   string            `yaml:"tmpfsOpts"`
	Env         map[string]string `yaml:"env"`
	PidsLimit   int64             `yaml:"pidsLimit"`
	Pull        bool              `yaml:"pull"`
}

func (c *DockerConfig) applyDefaults() {
	if c.Image == "" {
		c.Image = defaultDockerImage
	}
	if c.MemoryBytes <= 0 {
		c.MemoryBytes = defaultDockerMemory
	}
	if c.User == "" {
		c.User = defaultDockerUser
	}
	if c.TmpfsOpts == "" {
		c.TmpfsOpts = defaultDockerTmpfs
	}
}

// DockerEngine runs each RunSpec in a fresh, network-less container with the work dir bind-mounted.
type DockerEngine struct {
	cli *client.Client
	cfg Config
}

// NewDockerEngine connects to the daemon configured by the environment.
func NewDockerEngine(cfg Config) (*DockerEngine, error) {
	cfg.applyDefaults()
	cfg.Docker.applyDefaults()
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.EngineError, "create docker client failed")
	}
	return &DockerEngine{cli: cli, cfg: cfg}, nil
}

// Prepare verifies the daemon and pulls the image when configured to.
func (e *DockerEngine) Prepare(ctx context.Context) error {
	if _, err := e.cli.Ping(ctx); err != nil {
		return appErr.Wrapf(err, appErr.EngineError, "docker daemon unreachable")
	}
	if !e.cfg.Docker.Pull {
		return nil
	}
	reader, err := e.cli.ImagePull(ctx, e.cfg.Docker.Image, image.PullOptions{})
	if err != nil {
		return appErr.Wrapf(err, appErr.EngineError, "pull image %s failed", e.cfg.Docker.Image)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return appErr.Wrapf(err, appErr.EngineError, "pull image %s failed", e.cfg.Docker.Image)
	}
	logger.Info(ctx, "docker image ready", zap.String("image", e.cfg.Docker.Image))
	return nil
}

// Close releases the daemon connection.
func (e *DockerEngine) Close() error {
	return e.cli.Close()
}

// Run executes the program inside a container and removes it afterwards.
func (e *DockerEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	if err := runSpec.Validate(); err != nil {
		return result.RunResult{}, err
	}
	if err := openWorkDir(runSpec.WorkDir); err != nil {
		return result.RunResult{}, appErr.Wrapf(err, appErr.WorkspaceFailed, "prepare work dir failed")
	}
	timeout := runSpec.EffectiveTimeout()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	containerCfg, hostCfg := e.containerConfig(runSpec)
	created, err := e.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return result.RunResult{}, appErr.Wrapf(err, appErr.EngineError, "create container failed")
	}
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer rmCancel()
		if err := e.cli.ContainerRemove(rmCtx, created.ID, container.RemoveOptions{Force: true}); err != nil {
			logger.Warn(ctx, "remove container failed", zap.String("container", created.ID), logger.Err(err))
		}
	}()

	attach, err := e.cli.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return result.RunResult{}, appErr.Wrapf(err, appErr.EngineError, "attach container failed")
	}
	defer attach.Close()

	stdout := newLimitedBuffer(e.cfg.OutputMaxBytes)
	stderr := stdout
	if !runSpec.MergeOutput {
		stderr = newLimitedBuffer(e.cfg.OutputMaxBytes)
	}
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		copied <- err
	}()

	start := time.Now()
	if err := e.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return result.RunResult{}, appErr.Wrapf(err, appErr.EngineError, "start container failed")
	}
	go func() {
		if len(runSpec.Stdin) > 0 {
			_, _ = io.Copy(attach.Conn, bytes.NewReader(runSpec.Stdin))
		}
		_ = attach.CloseWrite()
	}()

	res := result.RunResult{}
	waitCh, errCh := e.cli.ContainerWait(runCtx, created.ID, container.WaitConditionNotRunning)
	select {
	case status := <-waitCh:
		res.ExitCode = int(status.StatusCode)
	case err := <-errCh:
		if !errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return result.RunResult{}, appErr.Wrapf(ctx.Err(), appErr.ExecutionFailed, "run cancelled")
			}
			return result.RunResult{}, appErr.Wrapf(err, appErr.EngineError, "wait container failed")
		}
		res.TimedOut = true
		res.ExitCode = result.ExitTimeout
		killCtx, killCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.cli.ContainerKill(killCtx, created.ID, "KILL"); err != nil {
			logger.Warn(ctx, "kill container failed", zap.String("container", created.ID), logger.Err(err))
		}
		killCancel()
		logger.Warn(ctx, "container timed out", zap.Strings("cmd", runSpec.Cmd), zap.Duration("timeout", timeout))
	}
	res.WallTime = time.Since(start)

	select {
	case <-copied:
	case <-time.After(e.cfg.WaitDelay):
		attach.Close()
	}
	res.Stdout = stdout.String()
	res.Truncated = stdout.Truncated()
	if !runSpec.MergeOutput {
		res.Stderr = stderr.String()
		res.Truncated = res.Truncated || stderr.Truncated()
	}
	return res, nil
}

func (e *DockerEngine) containerConfig(runSpec spec.RunSpec) (*container.Config, *container.HostConfig) {
	dc := e.cfg.Docker
	base := []string{"LANG=C.UTF-8"}
	base = spec.BuildEnv(base, dc.Env, spec.EnvExtend)
	env := spec.BuildEnv(base, runSpec.Env, runSpec.EnvPolicy)

	containerCfg := &container.Config{
		Image:           dc.Image,
		Cmd:             runSpec.Cmd,
		Env:             env,
		User:            dc.User,
		WorkingDir:      containerWorkDir,
		OpenStdin:       true,
		StdinOnce:       true,
		AttachStdin:     true,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: true,
	}
	hostCfg := &container.HostConfig{
		Binds:          []string{runSpec.WorkDir + ":" + containerWorkDir},
		NetworkMode:    "none",
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": dc.TmpfsOpts},
		Resources: container.Resources{
			Memory:     dc.MemoryBytes,
			MemorySwap: dc.MemoryBytes,
		},
	}
	if dc.PidsLimit > 0 {
		limit := dc.PidsLimit
		hostCfg.Resources.PidsLimit = &limit
	}
	return containerCfg, hostCfg
}

// openWorkDir makes the bind-mounted tree writable for the unprivileged container user.
func openWorkDir(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.Chmod(p, info.Mode().Perm()|0o777)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return os.Chmod(p, info.Mode().Perm()|0o666)
	})
}
