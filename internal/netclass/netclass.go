// Package netclass models the device network class that drives chunk sizing.
package netclass

import (
	"strings"
	"sync"
)

// Class is a coarse network bucket.
type Class string

const (
	HighBandwidth Class = "high-bandwidth"
	Default       Class = "default"
	Reduced       Class = "reduced"
	LowBandwidth  Class = "low-bandwidth"
)

// Normalize maps platform labels ("wifi", "4g", "3g", "2g") and the
// fast/medium/slow taxonomy onto a Class. Unknown labels map to Default.
func Normalize(label string) Class {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "wifi", "ethernet", "5g", "fast", string(HighBandwidth):
		return HighBandwidth
	case "4g", "lte", "medium", string(Default):
		return Default
	case "3g", string(Reduced):
		return Reduced
	case "2g", "slow-2g", "edge", "slow", string(LowBandwidth):
		return LowBandwidth
	default:
		return Default
	}
}

// Source exposes the current class and change notifications.
type Source interface {
	Current() Class
	// OnChange registers fn and returns a function that unregisters it.
	OnChange(fn func(Class)) (cancel func())
}

// StaticSource is a Source whose class is set programmatically.
type StaticSource struct {
	mu       sync.Mutex
	current  Class
	handlers map[int]func(Class)
	nextID   int
}

// NewStaticSource creates a source reporting initial.
func NewStaticSource(initial Class) *StaticSource {
	if initial == "" {
		initial = Default
	}
	return &StaticSource{
		current:  initial,
		handlers: make(map[int]func(Class)),
	}
}

// Current returns the current class
func (s *StaticSource) Current() Class {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Set changes the class and notifies handlers when it differs from the current one.
func (s *StaticSource) Set(c Class) {
	s.mu.Lock()
	if c == s.current {
		s.mu.Unlock()
		return
	}
	s.current = c
	handlers := make([]func(Class), 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(c)
	}
}

// OnChange registers fn for class changes
func (s *StaticSource) OnChange(fn func(Class)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.handlers[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	}
}
