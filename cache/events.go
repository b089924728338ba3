package cache

import (
	"sync"
	"sync/atomic"

	"github.com/mathsanalysis/load/logger"
)

// EventListener receives cache lifecycle notifications. Implementations must
// be fast; slow listeners delay the goroutine that performed the operation
// (events fire after the cache's critical section, never inside it).
type EventListener interface {
	OnPut(key string, value any)
	OnGet(key string, value any, hit bool)
	OnRemove(key string, value any, cause RemovalCause)
	OnEvict(key string, value any, cause RemovalCause)
	OnClear()
}

// ListenerFuncs adapts a set of optional callbacks to EventListener. Nil
// callbacks are skipped.
type ListenerFuncs struct {
	PutFunc    func(key string, value any)
	GetFunc    func(key string, value any, hit bool)
	RemoveFunc func(key string, value any, cause RemovalCause)
	EvictFunc  func(key string, value any, cause RemovalCause)
	ClearFunc  func()
}

var _ EventListener = (*ListenerFuncs)(nil)

func (l *ListenerFuncs) OnPut(key string, value any) {
	if l.PutFunc != nil {
		l.PutFunc(key, value)
	}
}

func (l *ListenerFuncs) OnGet(key string, value any, hit bool) {
	if l.GetFunc != nil {
		l.GetFunc(key, value, hit)
	}
}

func (l *ListenerFuncs) OnRemove(key string, value any, cause RemovalCause) {
	if l.RemoveFunc != nil {
		l.RemoveFunc(key, value, cause)
	}
}

func (l *ListenerFuncs) OnEvict(key string, value any, cause RemovalCause) {
	if l.EvictFunc != nil {
		l.EvictFunc(key, value, cause)
	}
}

func (l *ListenerFuncs) OnClear() {
	if l.ClearFunc != nil {
		l.ClearFunc()
	}
}

type eventKind int

const (
	eventPut eventKind = iota
	eventGet
	eventRemove
	eventEvict
	eventClear
)

// event is a deferred notification, recorded inside the critical section and
// fired after the lock is released.
type event struct {
	kind  eventKind
	key   string
	value any
	cause RemovalCause
	hit   bool
}

// listenerList is a copy-on-write listener collection. Reads take no lock.
type listenerList struct {
	mu        sync.Mutex
	listeners atomic.Pointer[[]EventListener]
}

func (l *listenerList) add(listener EventListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	current := l.snapshot()
	next := make([]EventListener, len(current)+1)
	copy(next, current)
	next[len(current)] = listener
	l.listeners.Store(&next)
}

func (l *listenerList) remove(listener EventListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	current := l.snapshot()
	next := make([]EventListener, 0, len(current))
	for _, existing := range current {
		if existing != listener {
			next = append(next, existing)
		}
	}
	l.listeners.Store(&next)
}

func (l *listenerList) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners.Store(&[]EventListener{})
}

func (l *listenerList) snapshot() []EventListener {
	if p := l.listeners.Load(); p != nil {
		return *p
	}
	return nil
}

// fire dispatches events to every listener. Listener panics are contained and
// reported through the logger; they never fail the cache operation.
func (l *listenerList) fire(log logger.Logger, events []event) {
	if len(events) == 0 {
		return
	}
	listeners := l.snapshot()
	if len(listeners) == 0 {
		return
	}
	for _, ev := range events {
		for _, listener := range listeners {
			notify(log, listener, ev)
		}
	}
}

func notify(log logger.Logger, listener EventListener, ev event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("cache listener panicked: %v", r)
		}
	}()
	switch ev.kind {
	case eventPut:
		listener.OnPut(ev.key, ev.value)
	case eventGet:
		listener.OnGet(ev.key, ev.value, ev.hit)
	case eventRemove:
		listener.OnRemove(ev.key, ev.value, ev.cause)
	case eventEvict:
		listener.OnEvict(ev.key, ev.value, ev.cause)
	case eventClear:
		listener.OnClear()
	}
}
