package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ShutdownKey guards RequestShutdown against stray calls
const ShutdownKey uint32 = 0xB007DEAD

// SystemState is the lifecycle state of a System
type SystemState uint8

const (
	SystemUninitialized SystemState = iota
	SystemInitializing
	SystemRunning
	SystemTerminating
	SystemStopped
)

var systemStateNames = [...]string{
	SystemUninitialized: "uninitialized",
	SystemInitializing:  "initializing",
	SystemRunning:       "running",
	SystemTerminating:   "terminating",
	SystemStopped:       "stopped",
}

func (s SystemState) String() string {
	if int(s) < len(systemStateNames) {
		return systemStateNames[s]
	}
	return "unknown"
}

var ErrSystemState = errors.New("invalid system state for operation")

// Module is a driver or service started by Init and stopped by Deinit
type Module struct {
	Name   string
	Init   func() error
	Deinit func()
}

type criticalTask struct {
	name   string
	cancel context.CancelFunc
	done   <-chan struct{}
}

// System tracks the modules and critical tasks that must be stopped, in
// order, before control leaves the bootloader
type System struct {
	mu      sync.Mutex
	state   SystemState
	modules []Module
	tasks   []criticalTask

	shutdown uint32 // atomic bool
}

// NewSystem creates a system that will bring up modules in order
func NewSystem(modules ...Module) *System {
	return &System{modules: modules}
}

// State returns the lifecycle state
func (s *System) State() SystemState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Init starts every module in order. If one fails, the ones already started
// are stopped in reverse order and the system is left stopped.
func (s *System) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SystemUninitialized && s.state != SystemStopped {
		return ErrSystemState
	}
	s.state = SystemInitializing
	atomic.StoreUint32(&s.shutdown, 0)

	for i, m := range s.modules {
		if m.Init == nil {
			continue
		}
		if err := m.Init(); err != nil {
			DebugPrintln("[SYSTEM] init " + m.Name + " failed: " + err.Error())
			s.deinitModules(i - 1)
			s.state = SystemStopped
			return err
		}
	}

	s.state = SystemRunning
	return nil
}

// Subscribe registers a critical task. Deinit calls cancel and then waits
// for done, in subscription order.
func (s *System) Subscribe(name string, cancel context.CancelFunc, done <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, criticalTask{name: name, cancel: cancel, done: done})
}

// Go runs fn as a critical task with a context derived from ctx
func (s *System) Go(ctx context.Context, name string, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.Subscribe(name, cancel, done)
	go func() {
		defer close(done)
		fn(ctx)
	}()
}

// RequestShutdown asks the main loop to leave. A wrong key is ignored.
func (s *System) RequestShutdown(key uint32) bool {
	if key != ShutdownKey {
		return false
	}
	atomic.StoreUint32(&s.shutdown, 1)
	return true
}

// ShutdownRequested reports whether RequestShutdown has been called
func (s *System) ShutdownRequested() bool {
	return atomic.LoadUint32(&s.shutdown) != 0
}

// Deinit cancels every critical task, waits for each of them, then stops
// the modules in reverse order. ctx bounds the wait for tasks.
func (s *System) Deinit(ctx context.Context) error {
	s.mu.Lock()
	if s.state != SystemRunning {
		s.mu.Unlock()
		return ErrSystemState
	}
	s.state = SystemTerminating
	tasks := s.tasks
	s.tasks = nil
	s.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}

	var err error
	for _, t := range tasks {
		if t.done == nil {
			continue
		}
		select {
		case <-t.done:
		case <-ctx.Done():
			DebugPrintln("[SYSTEM] task " + t.name + " did not stop")
			err = ctx.Err()
		}
	}

	s.mu.Lock()
	s.deinitModules(len(s.modules) - 1)
	s.state = SystemStopped
	s.mu.Unlock()
	return err
}

// deinitModules stops modules last..0. Must be called with lock held.
func (s *System) deinitModules(last int) {
	for i := last; i >= 0; i-- {
		if s.modules[i].Deinit != nil {
			s.modules[i].Deinit()
		}
	}
}
