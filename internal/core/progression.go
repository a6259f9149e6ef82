package core

import (
	"sync"
	"sync/atomic"
)

// Progression is a progress counter shared between a long-running job and
// its observers. Observers may cancel it; the job checks Cancelled between
// steps.
type Progression struct {
	mu        sync.Mutex
	value     int
	nextID    int
	listeners map[int]func(int)
	cancelled atomic.Bool
}

// NewProgression returns a counter at 0.
func NewProgression() *Progression {
	return &Progression{listeners: make(map[int]func(int))}
}

// OnChange registers fn, called with every new value, and returns the func
// that unregisters it.
func (p *Progression) OnChange(fn func(value int)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listeners == nil {
		p.listeners = make(map[int]func(int))
	}
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

// Set moves the counter to v. Values are never decreased.
func (p *Progression) Set(v int) {
	p.mu.Lock()
	if v <= p.value {
		p.mu.Unlock()
		return
	}
	p.value = v
	fns := make([]func(int), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (p *Progression) Increment(delta int) {
	p.Set(p.Value() + delta)
}

func (p *Progression) Value() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

func (p *Progression) Cancel() {
	p.cancelled.Store(true)
}

func (p *Progression) Cancelled() bool {
	return p.cancelled.Load()
}
