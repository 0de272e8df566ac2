package signals

import (
	"reflect"
	"sync"

	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/disposable"
)

type entry[E any] struct {
	id       any
	observer Observer[E]
}

// SignalImp is safe for concurrent use. Observers are invoked outside the
// lock, so an observer may detach itself while being notified.
type SignalImp[E any] struct {
	mu        sync.RWMutex
	observers []entry[E]
}

func NewSignal[E any]() *SignalImp[E] {
	return &SignalImp[E]{}
}

func (s *SignalImp[E]) Attach(observer Observer[E], observerID ...any) disposable.Disposable {
	id := resolveID(observer, observerID)
	detach := disposable.NewDisposable(func() {
		s.Detach(observer, id)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.observers {
		if e.id == id {
			return detach
		}
	}
	s.observers = append(s.observers, entry[E]{id: id, observer: observer})
	return detach
}

func (s *SignalImp[E]) Detach(observer Observer[E], observerID ...any) {
	id := resolveID(observer, observerID)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.observers {
		if e.id == id {
			observers := make([]entry[E], 0, len(s.observers)-1)
			observers = append(observers, s.observers[:i]...)
			s.observers = append(observers, s.observers[i+1:]...)
			return
		}
	}
}

func (s *SignalImp[E]) Notify(event E) {
	s.mu.RLock()
	observers := s.observers
	s.mu.RUnlock()

	for _, e := range observers {
		e.observer(event)
	}
}

func resolveID[E any](observer Observer[E], observerID []any) any {
	if len(observerID) > 0 {
		return observerID[0]
	}
	return makeID(observer)
}

func makeID[E any](observer Observer[E]) uintptr {
	return reflect.ValueOf(observer).Pointer()
}
