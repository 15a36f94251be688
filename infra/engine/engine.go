package engine

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNameConflict is returned by RunContainer when a container with the
	// requested name already exists
	ErrNameConflict = errors.New("container name already in use")
	ErrNotFound     = errors.New("no such container or image")
)

// Engine is the narrow surface of the local container runtime used by the
// workers and the lifecycle controller.
type Engine interface {
	BuildImage(ctx context.Context, req BuildRequest) error
	RunContainer(ctx context.Context, req RunRequest) (string, error)
	StartContainer(ctx context.Context, ref string) error
	StopContainer(ctx context.Context, ref string) error
	RemoveContainer(ctx context.Context, ref string) error
	RemoveImage(ctx context.Context, ref string) error
	InspectContainer(ctx context.Context, ref string) (ContainerState, error)
}

type BuildRequest struct {
	ContextDir string
	Tag        string
}

type RunRequest struct {
	Name    string
	Image   string
	Labels  map[string]string
	Sandbox Sandbox
}

type ContainerState struct {
	Exists  bool
	Running bool
}

// Sandbox is the resource and privilege policy applied to every app container
type Sandbox struct {
	ReadOnlyRootFS  bool
	DropAllCaps     bool
	NoNewPrivileges bool
	PidsLimit       int
	Memory          string
	CPUs            string
}

func DefaultSandbox(memory, cpus string, pidsLimit int) Sandbox {
	return Sandbox{
		ReadOnlyRootFS:  true,
		DropAllCaps:     true,
		NoNewPrivileges: true,
		PidsLimit:       pidsLimit,
		Memory:          memory,
		CPUs:            cpus,
	}
}

// Args renders the policy as container engine run flags
func (s Sandbox) Args() []string {
	var args []string
	if s.ReadOnlyRootFS {
		args = append(args, "--read-only")
	}
	if s.DropAllCaps {
		args = append(args, "--cap-drop=ALL")
	}
	if s.PidsLimit > 0 {
		args = append(args, fmt.Sprintf("--pids-limit=%d", s.PidsLimit))
	}
	if s.Memory != "" {
		args = append(args, "--memory="+s.Memory)
	}
	if s.CPUs != "" {
		args = append(args, "--cpus="+s.CPUs)
	}
	if s.NoNewPrivileges {
		args = append(args, "--security-opt=no-new-privileges")
	}
	return args
}

// ContainerName derives the stable container name for an app
func ContainerName(userID, appID string) string {
	return fmt.Sprintf("app_%s_%s", userID, appID)
}

// ImageTag derives the deterministic image tag for an app. Rebuilding the
// same app overwrites the same tag.
func ImageTag(userID, appID string) string {
	return fmt.Sprintf("gau_app_%s_%s", userID, appID)
}
