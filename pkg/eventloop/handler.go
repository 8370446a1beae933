package eventloop

import (
	"fmt"
	"sync/atomic"
)

// Handler is a unit of recurring, short-lived work polled by exactly one
// loop.
//
// The owning loop calls, from its own goroutine: OnStart once before the first
// Action; Action once per pass; OnFinish once when the handler is removed or
// the loop stops; OnRelease once when the handler is removed or the loop is
// closed. Action must not block: siblings on the same loop wait for it.
//
// Returning an error wrapping ErrInvalidHandler from Action removes the
// handler. Any other error is logged and the handler stays registered.
type Handler interface {
	Priority() Priority
	// SetOwner is called once, on registration, with the loop handle the
	// handler should use to reach its scheduler.
	SetOwner(owner EventLoop)
	Owner() EventLoop

	OnStart() error
	Action() (busy bool, err error)
	OnFinish() error
	OnRelease() error
}

// HandlerBase supplies the optional parts of Handler. Embed it and implement
// Action.
type HandlerBase struct {
	Prio  Priority
	owner atomic.Pointer[ownerRef]
}

type ownerRef struct{ loop EventLoop }

func (b *HandlerBase) Priority() Priority { return b.Prio }

// SetOwner keeps the first owner it is given.
func (b *HandlerBase) SetOwner(owner EventLoop) {
	if owner == nil {
		return
	}
	b.owner.CompareAndSwap(nil, &ownerRef{loop: owner})
}

func (b *HandlerBase) Owner() EventLoop {
	if r := b.owner.Load(); r != nil {
		return r.loop
	}
	return nil
}

func (*HandlerBase) OnStart() error   { return nil }
func (*HandlerBase) OnFinish() error  { return nil }
func (*HandlerBase) OnRelease() error { return nil }

// HandlerFunc adapts a plain function into a Handler.
type HandlerFunc struct {
	HandlerBase
	name string
	fn   func() (bool, error)
}

// Func returns a handler running fn as its Action at priority p.
func Func(name string, p Priority, fn func() (bool, error)) *HandlerFunc {
	return &HandlerFunc{HandlerBase: HandlerBase{Prio: p}, name: name, fn: fn}
}

func (f *HandlerFunc) Action() (bool, error) { return f.fn() }
func (f *HandlerFunc) String() string        { return f.name }

// handlerName is what logs and events call h.
func handlerName(h Handler) string {
	if s, ok := h.(fmt.Stringer); ok {
		if n := s.String(); n != "" {
			return n
		}
	}
	return fmt.Sprintf("%T", h)
}
