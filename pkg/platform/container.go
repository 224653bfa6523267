package platform

import (
	"context"
	"io"
	"regexp"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	oerrors "github.com/openpower/optest/errors"
	"github.com/openpower/optest/pkg/console"
	"github.com/openpower/optest/pkg/logger"
)

// Runtime manages the container running a system simulator
type Runtime interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string, timeout time.Duration) error
	Kill(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	Running(ctx context.Context, name string) (bool, error)
	// Attach opens the container's tty
	Attach(ctx context.Context, name string) (io.ReadWriteCloser, error)
}

// DockerRuntime implements Runtime on the docker engine API
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the engine named by the DOCKER_* environment
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, oerrors.Wrap(err, oerrors.ErrConnection, "create docker client")
	}
	return &DockerRuntime{cli: cli}, nil
}

func (d *DockerRuntime) Start(ctx context.Context, name string) error {
	return d.cli.ContainerStart(ctx, name, container.StartOptions{})
}

func (d *DockerRuntime) Stop(ctx context.Context, name string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	return d.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &seconds})
}

func (d *DockerRuntime) Kill(ctx context.Context, name string) error {
	return d.cli.ContainerKill(ctx, name, "SIGKILL")
}

func (d *DockerRuntime) Restart(ctx context.Context, name string) error {
	return d.cli.ContainerRestart(ctx, name, container.StopOptions{})
}

func (d *DockerRuntime) Running(ctx context.Context, name string) (bool, error) {
	info, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		return false, err
	}
	return info.State != nil && info.State.Running, nil
}

func (d *DockerRuntime) Attach(ctx context.Context, name string) (io.ReadWriteCloser, error) {
	resp, err := d.cli.ContainerAttach(ctx, name, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, err
	}
	return &hijacked{resp: resp}, nil
}

// Close releases the engine connection
func (d *DockerRuntime) Close() error { return d.cli.Close() }

type hijacked struct{ resp types.HijackedResponse }

func (h *hijacked) Read(p []byte) (int, error)  { return h.resp.Reader.Read(p) }
func (h *hijacked) Write(p []byte) (int, error) { return h.resp.Conn.Write(p) }
func (h *hijacked) Close() error {
	h.resp.Close()
	return nil
}

// Container is a platform where the host is a simulator running in a
// container, such as mambo. Power follows the container lifecycle.
type Container struct {
	name    string
	runtime Runtime
	console *console.Console
	log     logger.Interface

	pollInterval time.Duration
}

// NewContainer creates the platform for the named container
func NewContainer(name string, runtime Runtime, host *console.Console, log logger.Interface) *Container {
	if log == nil {
		log = logger.Nop()
	}
	return &Container{
		name:         name,
		runtime:      runtime,
		console:      host,
		log:          log.With("container"),
		pollInterval: time.Second,
	}
}

// ContainerConsole returns a dialer attached to the container's tty
func ContainerConsole(name string, runtime Runtime) console.Dialer {
	return &console.StreamDialer{
		Name: "docker://" + name,
		Open: func(ctx context.Context) (io.ReadWriteCloser, error) {
			return runtime.Attach(ctx, name)
		},
	}
}

func (c *Container) Name() string { return "container" }

func (c *Container) wrap(err error, what string) error {
	if err == nil {
		return nil
	}
	return oerrors.WithContext(
		oerrors.Wrapf(err, oerrors.ErrPlatform, "%s container", what),
		map[string]interface{}{"container": c.name},
	)
}

func (c *Container) PowerOn(ctx context.Context) Result {
	running, err := c.runtime.Running(ctx, c.name)
	if err == nil && !running {
		c.log.Info("starting container %s", c.name)
		err = c.runtime.Start(ctx, c.name)
	}
	return record(c.Name(), "power_on", c.wrap(err, "start"))
}

func (c *Container) PowerOff(ctx context.Context) Result {
	running, err := c.runtime.Running(ctx, c.name)
	if err == nil && running {
		c.log.Info("killing container %s", c.name)
		err = c.runtime.Kill(ctx, c.name)
	}
	if err == nil && c.console != nil {
		c.console.Close()
	}
	return record(c.Name(), "power_off", c.wrap(err, "kill"))
}

func (c *Container) PowerSoft(ctx context.Context) Result {
	err := c.runtime.Stop(ctx, c.name, 30*time.Second)
	return record(c.Name(), "power_soft", c.wrap(err, "stop"))
}

func (c *Container) PowerCycle(ctx context.Context) Result {
	err := c.runtime.Restart(ctx, c.name)
	if err == nil && c.console != nil {
		c.console.Close()
	}
	return record(c.Name(), "power_cycle", c.wrap(err, "restart"))
}

func (c *Container) WaitForStandby(ctx context.Context, timeout time.Duration) Result {
	return record(c.Name(), "wait_for_standby", c.waitStopped(ctx, timeout))
}

func (c *Container) waitStopped(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		running, err := c.runtime.Running(ctx, c.name)
		if err != nil {
			return c.wrap(err, "inspect")
		}
		if !running {
			return nil
		}
		if time.Now().After(deadline) {
			return oerrors.Newf(oerrors.ErrTimeout, "container %s still running after %s", c.name, timeout)
		}
		select {
		case <-ctx.Done():
			return oerrors.Wrap(ctx.Err(), oerrors.ErrCancelled, "wait for standby")
		case <-ticker.C:
		}
	}
}

func (c *Container) SetBootdevSetup(ctx context.Context) Result {
	return record(c.Name(), "bootdev_setup", oerrors.New(oerrors.ErrUnavailable, "simulator has no boot device override"))
}

func (c *Container) SetBootdevNoOverride(ctx context.Context) Result {
	return record(c.Name(), "bootdev_none", oerrors.New(oerrors.ErrUnavailable, "simulator has no boot device override"))
}

func (c *Container) SDRClear(ctx context.Context) Result {
	return record(c.Name(), "sdr_clear", oerrors.New(oerrors.ErrUnavailable, "simulator has no event log"))
}

func (c *Container) SELCheck(ctx context.Context, pattern *regexp.Regexp) Result {
	return record(c.Name(), "sel_check", oerrors.New(oerrors.ErrUnavailable, "simulator has no event log"))
}

func (c *Container) SELList(ctx context.Context) ([]string, error) { return nil, nil }

func (c *Container) HostConsole() *console.Console { return c.console }
