package disposable

import "sync"

type Disposable interface {
	Dispose()
}

type DisposableImp struct {
	once     sync.Once
	callback func()
}

// NewDisposable wraps callback so that it runs at most once.
func NewDisposable(callback func()) *DisposableImp {
	return &DisposableImp{callback: callback}
}

func (d *DisposableImp) Dispose() {
	d.once.Do(d.callback)
}

type CompositeDisposableImp struct {
	delegates []Disposable
}

func NewCompositeDisposable(delegates ...Disposable) *CompositeDisposableImp {
	return &CompositeDisposableImp{delegates: delegates}
}

func (d *CompositeDisposableImp) Add(delegate Disposable) {
	d.delegates = append(d.delegates, delegate)
}

func (d *CompositeDisposableImp) Dispose() {
	for _, delegate := range d.delegates {
		delegate.Dispose()
	}
}
