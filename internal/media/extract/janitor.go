package extract

import (
	"log/slog"
	"sync"
)

// Janitor runs teardown steps in the reverse of the order they were added.
// Steps added after Run execute immediately.
type Janitor struct {
	mu     sync.Mutex
	names  []string
	steps  []func()
	ran    bool
	logger *slog.Logger
}

// NewJanitor creates an empty janitor.
func NewJanitor(logger *slog.Logger) *Janitor {
	return &Janitor{logger: logger}
}

// Add registers a teardown step.
func (j *Janitor) Add(name string, fn func()) {
	j.mu.Lock()
	if j.ran {
		j.mu.Unlock()
		fn()
		return
	}
	j.names = append(j.names, name)
	j.steps = append(j.steps, fn)
	j.mu.Unlock()
}

// Run executes every registered step once, last registered first.
func (j *Janitor) Run() {
	j.mu.Lock()
	if j.ran {
		j.mu.Unlock()
		return
	}
	j.ran = true
	names, steps := j.names, j.steps
	j.names, j.steps = nil, nil
	j.mu.Unlock()

	for i := len(steps) - 1; i >= 0; i-- {
		if j.logger != nil {
			j.logger.Debug("Teardown step", "step", names[i])
		}
		steps[i]()
	}
}

// Pending lists the registered step names in registration order.
func (j *Janitor) Pending() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.names...)
}
