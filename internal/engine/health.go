package engine

import "sync"

// Health tracks per-component readiness for the health endpoint. Components
// register by name with SetOK or SetError; the tracker never expires entries.
type Health struct {
	mu         sync.RWMutex
	components map[string]string
}

// NewHealth creates an empty health tracker.
func NewHealth() *Health {
	return &Health{components: make(map[string]string)}
}

// SetOK marks the component healthy.
func (h *Health) SetOK(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[name] = "ok"
}

// SetError marks the component unhealthy with the error's message.
func (h *Health) SetError(name string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[name] = err.Error()
}

// OK reports whether every registered component is healthy.
func (h *Health) OK() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, status := range h.components {
		if status != "ok" {
			return false
		}
	}
	return true
}

// Components returns a copy of the component statuses.
func (h *Health) Components() map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]string, len(h.components))
	for name, status := range h.components {
		out[name] = status
	}
	return out
}
