package engine

import (
	"context"
	"fmt"
	"sync"
)

// Call is one recorded engine invocation
type Call struct {
	Op  string
	Ref string
}

// Fake is an in-memory Engine. It records calls and keeps container state so
// duplicate runs and stop/start cycles behave like the real runtime.
type Fake struct {
	mu sync.Mutex

	Calls      []Call
	Images     map[string]bool
	Containers map[string]*ContainerState
	LastRun    RunRequest

	BuildErr  error
	RunErr    error
	StartErr  error
	StopErr   error
	RemoveErr error
	RmiErr    error

	// BuildHook, when set, runs inside BuildImage and its error is returned
	BuildHook func(ctx context.Context, req BuildRequest) error
	// InspectHook, when set, runs before InspectContainer reads any state
	InspectHook func(ref string)
	InspectErr  error
}

var _ Engine = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{
		Images:     map[string]bool{},
		Containers: map[string]*ContainerState{},
	}
}

func (f *Fake) record(op, ref string) {
	f.Calls = append(f.Calls, Call{Op: op, Ref: ref})
}

func (f *Fake) BuildImage(ctx context.Context, req BuildRequest) error {
	f.mu.Lock()
	f.record("build", req.Tag)
	hook, err := f.BuildHook, f.BuildErr
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, req); err != nil {
			return err
		}
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.Images[req.Tag] = true
	f.mu.Unlock()
	return nil
}

func (f *Fake) RunContainer(_ context.Context, req RunRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("run", req.Name)
	f.LastRun = req
	if f.RunErr != nil {
		return "", f.RunErr
	}
	if _, exists := f.Containers[req.Name]; exists {
		return "", fmt.Errorf("run %s: %w", req.Name, ErrNameConflict)
	}
	f.Containers[req.Name] = &ContainerState{Exists: true, Running: true}
	return req.Name, nil
}

func (f *Fake) StartContainer(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start", ref)
	if f.StartErr != nil {
		return f.StartErr
	}
	c, ok := f.Containers[ref]
	if !ok {
		return fmt.Errorf("start %s: %w", ref, ErrNotFound)
	}
	c.Running = true
	return nil
}

func (f *Fake) StopContainer(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop", ref)
	if f.StopErr != nil {
		return f.StopErr
	}
	c, ok := f.Containers[ref]
	if !ok {
		return fmt.Errorf("stop %s: %w", ref, ErrNotFound)
	}
	c.Running = false
	return nil
}

func (f *Fake) RemoveContainer(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("rm", ref)
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	delete(f.Containers, ref)
	return nil
}

func (f *Fake) RemoveImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("rmi", ref)
	if f.RmiErr != nil {
		return f.RmiErr
	}
	delete(f.Images, ref)
	return nil
}

func (f *Fake) InspectContainer(_ context.Context, ref string) (ContainerState, error) {
	f.mu.Lock()
	hook := f.InspectHook
	f.mu.Unlock()
	if hook != nil {
		hook(ref)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("inspect", ref)
	if f.InspectErr != nil {
		return ContainerState{}, f.InspectErr
	}
	c, ok := f.Containers[ref]
	if !ok {
		return ContainerState{}, nil
	}
	return *c, nil
}

// Count returns how many times op was invoked
func (f *Fake) Count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// RunningContainers returns the number of containers currently running
func (f *Fake) RunningContainers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Containers {
		if c.Running {
			n++
		}
	}
	return n
}
