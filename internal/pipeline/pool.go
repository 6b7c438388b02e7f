package pipeline

import "context"

// slotPool bounds the number of simultaneously running validation runs.
// Acquisition blocks, so a run started past the limit queues until a slot
// frees instead of failing.
type slotPool struct {
	slots chan struct{}
}

func newSlotPool(max int) *slotPool {
	if max <= 0 {
		max = 1
	}
	return &slotPool{slots: make(chan struct{}, max)}
}

// acquire claims a slot, blocking until one is free or ctx is cancelled
func (p *slotPool) acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release returns a slot to the pool
func (p *slotPool) release() {
	<-p.slots
}

// inUse returns the number of claimed slots
func (p *slotPool) inUse() int {
	return len(p.slots)
}
