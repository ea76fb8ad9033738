package device

// Lock guards a single physical unit. A second concurrent session must fail
// fast with ErrBusy rather than queue behind the holder.
type Lock struct {
	slot chan struct{}
}

// NewLock returns an unheld lock.
func NewLock() *Lock {
	return &Lock{slot: make(chan struct{}, 1)}
}

// TryAcquire claims the unit, returning false when it is already held.
func (l *Lock) TryAcquire() bool {
	select {
	case l.slot <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the unit. Calling Release without holding the lock panics;
// holders release exactly once from their cleanup path.
func (l *Lock) Release() {
	select {
	case <-l.slot:
	default:
		panic("device: release of unheld lock")
	}
}

// Held reports whether some session currently owns the unit.
func (l *Lock) Held() bool {
	return len(l.slot) == 1
}
