package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

type Logger interface {
	DebugWithContextf(ctx context.Context, format string, args ...interface{})
}

// CommandError is returned when the engine binary exits non-zero
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", strings.Join(e.Args, " "), e.Err, msg)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// classify maps the engine's well-known stderr messages onto the package
// sentinels so callers can use errors.Is regardless of the driver
func classify(err *CommandError) error {
	stderr := strings.ToLower(err.Stderr)
	switch {
	case strings.Contains(stderr, "no such"):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case strings.Contains(stderr, "already in use"):
		return fmt.Errorf("%w: %w", ErrNameConflict, err)
	}
	return err
}

// Docker drives a docker-compatible CLI (docker, podman)
type Docker struct {
	binary string
	logger Logger
}

var _ Engine = (*Docker)(nil)

func NewDocker(binary string, logger Logger) *Docker {
	return &Docker{binary: binary, logger: logger}
}

func (d *Docker) exec(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &lineLogger{ctx: ctx, logger: d.logger, prefix: "[Engine] " + args[0], buf: &stdout}
	cmd.Stderr = &lineLogger{ctx: ctx, logger: d.logger, prefix: "[Engine] " + args[0], buf: &stderr}

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return "", classify(&CommandError{Args: append([]string{d.binary}, args...), Stderr: stderr.String(), Err: err})
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (d *Docker) BuildImage(ctx context.Context, req BuildRequest) error {
	_, err := d.exec(ctx, buildArgs(req)...)
	return err
}

func (d *Docker) RunContainer(ctx context.Context, req RunRequest) (string, error) {
	if _, err := d.exec(ctx, runArgs(req)...); err != nil {
		return "", err
	}
	return req.Name, nil
}

func (d *Docker) StartContainer(ctx context.Context, ref string) error {
	_, err := d.exec(ctx, "start", ref)
	return err
}

func (d *Docker) StopContainer(ctx context.Context, ref string) error {
	_, err := d.exec(ctx, "stop", ref)
	return err
}

// RemoveContainer force-removes a container; a missing container is not an error
func (d *Docker) RemoveContainer(ctx context.Context, ref string) error {
	_, err := d.exec(ctx, "rm", "-f", ref)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// RemoveImage force-removes an image; a missing image is not an error
func (d *Docker) RemoveImage(ctx context.Context, ref string) error {
	_, err := d.exec(ctx, "rmi", "-f", ref)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (d *Docker) InspectContainer(ctx context.Context, ref string) (ContainerState, error) {
	out, err := d.exec(ctx, "container", "inspect", "--format", "{{.State.Running}}", ref)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ContainerState{}, nil
		}
		return ContainerState{}, err
	}
	return ContainerState{Exists: true, Running: out == "true"}, nil
}

func buildArgs(req BuildRequest) []string {
	return []string{"build", "-t", req.Tag, req.ContextDir}
}

func runArgs(req RunRequest) []string {
	args := []string{"run", "-d", "--name", req.Name}
	args = append(args, req.Sandbox.Args()...)

	keys := make([]string, 0, len(req.Labels))
	for k := range req.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--label", k+"="+req.Labels[k])
	}

	return append(args, req.Image)
}

// lineLogger tees engine output into a buffer and the debug log, one line per entry
type lineLogger struct {
	ctx    context.Context
	logger Logger
	prefix string
	buf    *bytes.Buffer
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf.Write(p)
	if l.logger != nil {
		for _, line := range bytes.Split(p, []byte("\n")) {
			if len(bytes.TrimSpace(line)) > 0 {
				l.logger.DebugWithContextf(l.ctx, "%s: %s", l.prefix, strings.TrimSpace(string(line)))
			}
		}
	}
	return len(p), nil
}
