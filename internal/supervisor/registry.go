package supervisor

import (
	"sync"

	"fundingarb/internal/core"
)

// Registry tracks every ActivePosition the Supervisor currently owns,
// keyed by symbol. All mutations are serialized through the Registry's
// own lock, per spec §5's "registry mutations are atomic".
type Registry struct {
	mu        sync.RWMutex
	bySymbol  map[string]*core.ActivePosition
	cancelFns map[string]func()
}

// NewRegistry builds an empty position registry.
func NewRegistry() *Registry {
	return &Registry{
		bySymbol:  make(map[string]*core.ActivePosition),
		cancelFns: make(map[string]func()),
	}
}

// Add registers pos under its symbol along with the cancel function for
// its Guardian goroutine, failing if the symbol is already registered.
func (r *Registry) Add(pos core.ActivePosition, cancel func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bySymbol[pos.Symbol]; exists {
		return false
	}
	p := pos
	r.bySymbol[pos.Symbol] = &p
	r.cancelFns[pos.Symbol] = cancel
	return true
}

// Remove drops symbol from the registry, returning false if it was not
// present.
func (r *Registry) Remove(symbol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bySymbol[symbol]; !exists {
		return false
	}
	delete(r.bySymbol, symbol)
	delete(r.cancelFns, symbol)
	return true
}

// Has reports whether symbol is already registered.
func (r *Registry) Has(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.bySymbol[symbol]
	return exists
}

// Get returns a copy of the registered position for symbol, if any.
func (r *Registry) Get(symbol string) (core.ActivePosition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pos, exists := r.bySymbol[symbol]
	if !exists {
		return core.ActivePosition{}, false
	}
	return *pos, true
}

// Len returns the current number of registered positions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySymbol)
}

// Symbols returns every registered symbol.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	symbols := make([]string, 0, len(r.bySymbol))
	for s := range r.bySymbol {
		symbols = append(symbols, s)
	}
	return symbols
}

// CancelAll invokes the cancel function registered for every symbol,
// asking each Guardian to request an exit and stop.
func (r *Registry) CancelAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cancel := range r.cancelFns {
		cancel()
	}
}
