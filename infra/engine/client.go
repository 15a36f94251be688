package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	units "github.com/docker/go-units"
)

// Client talks to the engine daemon over its API instead of the CLI
type Client struct {
	*client.Client
	logger Logger
}

var _ Engine = (*Client)(nil)

// NewClient connects using the DOCKER_HOST family of environment variables
func NewClient(logger Logger) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &Client{Client: cli, logger: logger}, nil
}

// buildMessage is one line of the daemon's JSON build stream
type buildMessage struct {
	Stream      string `json:"stream"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

func (c *Client) BuildImage(ctx context.Context, req BuildRequest) error {
	buildContext, err := archive.TarWithOptions(req.ContextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("failed to pack build context: %w", err)
	}
	defer buildContext.Close()

	resp, err := c.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:        []string{req.Tag},
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return classifyAPI(err)
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var msg buildMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("failed to read build output: %w", err)
		}
		if msg.Error != "" {
			detail := msg.ErrorDetail.Message
			if detail == "" {
				detail = msg.Error
			}
			return errors.New(strings.TrimSpace(detail))
		}
		if line := strings.TrimSpace(msg.Stream); line != "" && c.logger != nil {
			c.logger.DebugWithContextf(ctx, "[Engine] build: %s", line)
		}
	}
}

func (c *Client) RunContainer(ctx context.Context, req RunRequest) (string, error) {
	hostConfig, err := hostConfigFor(req.Sandbox)
	if err != nil {
		return "", err
	}

	created, err := c.ContainerCreate(ctx, &container.Config{
		Image:  req.Image,
		Labels: req.Labels,
	}, hostConfig, nil, nil, req.Name)
	if err != nil {
		return "", classifyAPI(err)
	}

	if err := c.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", classifyAPI(err)
	}
	return req.Name, nil
}

func (c *Client) StartContainer(ctx context.Context, ref string) error {
	return classifyAPI(c.ContainerStart(ctx, ref, container.StartOptions{}))
}

func (c *Client) StopContainer(ctx context.Context, ref string) error {
	return classifyAPI(c.ContainerStop(ctx, ref, container.StopOptions{}))
}

// RemoveContainer force-removes a container; a missing container is not an error
func (c *Client) RemoveContainer(ctx context.Context, ref string) error {
	err := c.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true})
	if cerrdefs.IsNotFound(err) {
		return nil
	}
	return classifyAPI(err)
}

// RemoveImage force-removes an image; a missing image is not an error
func (c *Client) RemoveImage(ctx context.Context, ref string) error {
	_, err := c.ImageRemove(ctx, ref, image.RemoveOptions{Force: true, PruneChildren: true})
	if cerrdefs.IsNotFound(err) {
		return nil
	}
	return classifyAPI(err)
}

func (c *Client) InspectContainer(ctx context.Context, ref string) (ContainerState, error) {
	info, err := c.ContainerInspect(ctx, ref)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return ContainerState{}, nil
		}
		return ContainerState{}, classifyAPI(err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return ContainerState{Exists: true}, nil
	}
	return ContainerState{Exists: true, Running: info.State.Running}, nil
}

// hostConfigFor translates the sandbox policy into daemon host settings
func hostConfigFor(s Sandbox) (*container.HostConfig, error) {
	hc := &container.HostConfig{ReadonlyRootfs: s.ReadOnlyRootFS}
	if s.DropAllCaps {
		hc.CapDrop = []string{"ALL"}
	}
	if s.NoNewPrivileges {
		hc.SecurityOpt = []string{"no-new-privileges"}
	}
	if s.PidsLimit > 0 {
		limit := int64(s.PidsLimit)
		hc.Resources.PidsLimit = &limit
	}
	if s.Memory != "" {
		mem, err := units.RAMInBytes(s.Memory)
		if err != nil {
			return nil, fmt.Errorf("invalid sandbox memory %q: %w", s.Memory, err)
		}
		hc.Resources.Memory = mem
	}
	if s.CPUs != "" {
		cpus, err := strconv.ParseFloat(s.CPUs, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid sandbox cpus %q: %w", s.CPUs, err)
		}
		hc.Resources.NanoCPUs = int64(cpus * 1e9)
	}
	return hc, nil
}

func classifyAPI(err error) error {
	switch {
	case err == nil:
		return nil
	case cerrdefs.IsNotFound(err):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case cerrdefs.IsConflict(err):
		return fmt.Errorf("%w: %w", ErrNameConflict, err)
	}
	return err
}
