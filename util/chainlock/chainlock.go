// Package chainlock implements a mutex whose Lock and Unlock
// methods return the lock itself, to enable chaining.
//
// Intended Usage
//
//	defer t.l.Lock().Unlock()
//	// drop lock while sleeping
//	t.l.DropWhile(func() {
//		time.Sleep(d)
//	})
package chainlock

import "sync"

type L struct {
	mtx sync.Mutex
}

func New() *L {
	return &L{}
}

func (l *L) Lock() *L {
	l.mtx.Lock()
	return l
}

func (l *L) Unlock() *L {
	l.mtx.Unlock()
	return l
}

// AssertHeld panics if the lock is not held by anyone.
// It cannot tell which goroutine holds it.
func (l *L) AssertHeld() {
	if l.mtx.TryLock() {
		l.mtx.Unlock()
		panic("chainlock: lock must be held")
	}
}

func (l *L) NewCond() *sync.Cond {
	return sync.NewCond(&l.mtx)
}

func (l *L) DropWhile(f func()) {
	defer l.Unlock().Lock()
	f()
}

func (l *L) HoldWhile(f func()) {
	defer l.Lock().Unlock()
	f()
}
