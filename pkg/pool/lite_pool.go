// Package pool wraps sync.Pool with generics so hot paths (buffer reuse in
// the dialect translators, decode targets in the metadata extractor) get
// typed Get/Put without interface{} assertions at every call site.
package pool

import "sync"

// Resettable values are zeroed by Put before re-entering the pool, so a
// pooled buffer never leaks one request's bytes into the next.
type Resettable interface {
	Reset()
}

type Pool[T any] struct {
	pool sync.Pool
}

// NewLitePool builds a pool around newFn. The constructor is probed once up
// front; a nil constructor or a constructor returning nil is a programming
// error and panics immediately rather than at first Get under load.
func NewLitePool[T any](newFn func() T) *Pool[T] {
	if newFn == nil {
		panic("litepool: constructor must not be nil")
	}
	if any(newFn()) == nil {
		panic("litepool: constructor returned nil")
	}

	return &Pool[T]{
		pool: sync.Pool{
			New: func() any {
				v := newFn()
				if any(v) == nil {
					panic("litepool: constructor returned nil")
				}
				return v
			},
		},
	}
}

func (p *Pool[T]) Get() T {
	//nolint:forcetypeassert // New is validated to produce T
	return p.pool.Get().(T)
}

func (p *Pool[T]) Put(v T) {
	if r, ok := any(v).(Resettable); ok {
		r.Reset()
	}
	p.pool.Put(v)
}
