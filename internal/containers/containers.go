package containers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-units"
)

// stopTimeout is how long Docker waits for a graceful stop before SIGKILL.
const stopTimeout = 30

var ErrNotFound = errors.New("container not found")

// Container is the dashboard view of one container.
type Container struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Image   string `json:"image"`
	State   string `json:"state"`
	Status  string `json:"status"`
	Created string `json:"created"`
	Size    string `json:"size"`
}

// Runtime is the container lifecycle surface the dashboard needs.
type Runtime interface {
	List(ctx context.Context) ([]Container, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
}

// dockerAPI is the subset of the Docker client used here.
type dockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
}

type Docker struct {
	client dockerAPI
	closer func() error
	now    func() time.Time
}

// NewDocker connects to the daemon from the environment, or host when set,
// and pings it.
func NewDocker(ctx context.Context, host string) (*Docker, error) {
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, dockerclient.WithHost(host))
	}
	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	log.Println("Docker daemon connected")
	return &Docker{client: cli, closer: cli.Close, now: time.Now}, nil
}

func (d *Docker) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer()
}

func (d *Docker) List(ctx context.Context) ([]Container, error) {
	list, err := d.client.ContainerList(ctx, container.ListOptions{All: true, Size: true})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]Container, 0, len(list))
	for _, c := range list {
		out = append(out, Container{
			ID:      shortID(c.ID),
			Name:    containerName(c.Names),
			Image:   c.Image,
			State:   string(c.State),
			Status:  c.Status,
			Created: units.HumanDuration(d.now().Sub(time.Unix(c.Created, 0))) + " ago",
			Size:    units.HumanSize(float64(c.SizeRw)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *Docker) Start(ctx context.Context, name string) error {
	return wrapNotFound(d.client.ContainerStart(ctx, name, container.StartOptions{}), name)
}

func (d *Docker) Stop(ctx context.Context, name string) error {
	timeout := stopTimeout
	return wrapNotFound(d.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}), name)
}

func (d *Docker) Restart(ctx context.Context, name string) error {
	timeout := stopTimeout
	return wrapNotFound(d.client.ContainerRestart(ctx, name, container.StopOptions{Timeout: &timeout}), name)
}

func wrapNotFound(err error, name string) error {
	if err == nil {
		return nil
	}
	if dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return fmt.Errorf("container %s: %w", name, err)
}

// containerName strips the leading slash Docker puts on names.
func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
