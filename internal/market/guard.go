package market

// guard is a per-market non-reentrant lock. Callers do
//
//	release, err := m.lock.enter()
//	if err != nil { return err }
//	defer release()
//
// so the lock is dropped on every exit path, panics included.
type guard struct {
	entered bool
}

func (g *guard) enter() (func(), error) {
	if g.entered {
		return nil, ErrReentrancy
	}
	g.entered = true
	return func() { g.entered = false }, nil
}
