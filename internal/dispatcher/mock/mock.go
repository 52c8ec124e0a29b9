// Package mock provides an in-memory ExecutorDispatcher for tests and local
// demos, standing in for a real container driver the way the teacher's
// internal/aor/executors.go stands in for real LLM/tool/HTTP/script
// execution with sleep-based mock implementations.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/wegent/sandbox-control-plane/internal/dispatcher"
)

type container struct {
	taskID    string
	baseURL   string
	status    string // "running", "exited", "paused"
	oomKilled bool
	exitCode  int
}

// Dispatcher is a thread-safe in-memory ExecutorDispatcher. Every submitted
// executor is immediately "ready" with a synthetic base_url; callers can
// reach into the exported helper methods to simulate crashes/OOM/exits in
// tests.
type Dispatcher struct {
	mu         sync.Mutex
	containers map[string]*container
	seq        int
	addrFormat string
}

// New constructs a Dispatcher. addrFormat is an fmt.Sprintf pattern taking
// the executor name, e.g. "http://%s.local:8080".
func New(addrFormat string) *Dispatcher {
	if addrFormat == "" {
		addrFormat = "http://%s:8080"
	}
	return &Dispatcher{containers: make(map[string]*container), addrFormat: addrFormat}
}

func (d *Dispatcher) SubmitExecutor(ctx context.Context, task dispatcher.TaskData) (dispatcher.SubmitResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	name := fmt.Sprintf("executor-%s-%d", task.TaskID, d.seq)
	d.containers[name] = &container{
		taskID:  task.TaskID,
		baseURL: fmt.Sprintf(d.addrFormat, name),
		status:  "running",
	}
	return dispatcher.SubmitResult{Success: true, ExecutorName: name}, nil
}

func (d *Dispatcher) DeleteExecutor(ctx context.Context, name string) (dispatcher.DeleteResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.containers, name)
	return dispatcher.DeleteResult{Success: true}, nil
}

func (d *Dispatcher) PauseExecutor(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[name]
	if !ok {
		return fmt.Errorf("executor %s not found", name)
	}
	c.status = "paused"
	return nil
}

func (d *Dispatcher) UnpauseExecutor(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[name]
	if !ok {
		return fmt.Errorf("executor %s not found", name)
	}
	c.status = "running"
	return nil
}

func (d *Dispatcher) GetContainerAddress(ctx context.Context, name string) (dispatcher.AddressResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[name]
	if !ok || c.status != "running" {
		return dispatcher.AddressResult{Success: false}, nil
	}
	return dispatcher.AddressResult{Success: true, BaseURL: c.baseURL}, nil
}

func (d *Dispatcher) GetContainerStatus(ctx context.Context, name string) (dispatcher.ContainerStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[name]
	if !ok {
		return dispatcher.ContainerStatus{Exists: false}, nil
	}
	return dispatcher.ContainerStatus{
		Exists:    true,
		Status:    c.status,
		OOMKilled: c.oomKilled,
		ExitCode:  c.exitCode,
	}, nil
}

func (d *Dispatcher) GetExecutorCount(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.containers), nil
}

func (d *Dispatcher) GetExecutorTaskID(ctx context.Context, name string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[name]
	if !ok {
		return "", false, nil
	}
	return c.taskID, true, nil
}

// SimulateOOMKill marks an executor as exited via OOM-kill (exit_code 137),
// for driving crash-detection tests.
func (d *Dispatcher) SimulateOOMKill(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.containers[name]; ok {
		c.status = "exited"
		c.oomKilled = true
		c.exitCode = 137
	}
}

// SimulateExit marks an executor as exited with the given exit code.
func (d *Dispatcher) SimulateExit(name string, exitCode int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.containers[name]; ok {
		c.status = "exited"
		c.exitCode = exitCode
	}
}

// SimulateVanish removes an executor without going through DeleteExecutor,
// for driving the "!exists" branch of the crash-detection tree.
func (d *Dispatcher) SimulateVanish(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.containers, name)
}

var _ dispatcher.ExecutorDispatcher = (*Dispatcher)(nil)
