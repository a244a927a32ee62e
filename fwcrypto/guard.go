package fwcrypto

import "sync"

// InterruptGuard models an interrupt-masked critical section. On real
// silicon this wraps qm_irq_disable()/qm_irq_enable(); on a host build
// there are no interrupts to mask, so it serializes callers against a
// shared mutex instead, giving every critical region in bldata/qfm/qfu
// the same "enter masked, always unmask" call shape the firmware uses.
type InterruptGuard struct {
	mu sync.Mutex
}

// NewInterruptGuard returns a ready-to-use guard.
func NewInterruptGuard() *InterruptGuard {
	return &InterruptGuard{}
}

// Enter masks (locks) the critical section and returns a function that
// unmasks (unlocks) it. Callers should always `defer g.Enter()()`
// immediately so the section is exited on every return path, including
// panics.
func (g *InterruptGuard) Enter() func() {
	g.mu.Lock()
	return g.mu.Unlock
}
