package util

import "sync"

// SignalHandler 信号处理函数
type SignalHandler func(sender any, params ...any)

// Signals is a tiny in-process signal bus used to decouple row creation from
// side effects (listener registration happens once on startup).
type Signals struct {
	mu       sync.RWMutex
	handlers map[string][]SignalHandler
}

var sig = &Signals{handlers: make(map[string][]SignalHandler)}

// Sig returns the process-wide signal bus
func Sig() *Signals { return sig }

// Connect registers a handler for the named signal
func (s *Signals) Connect(name string, handler SignalHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = append(s.handlers[name], handler)
}

// Emit invokes every handler registered for the named signal, in order, on
// the caller's goroutine. Handlers spawn their own goroutines when the work
// may block.
func (s *Signals) Emit(name string, sender any, params ...any) {
	s.mu.RLock()
	handlers := s.handlers[name]
	s.mu.RUnlock()

	for _, h := range handlers {
		h(sender, params...)
	}
}
