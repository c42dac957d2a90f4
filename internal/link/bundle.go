package link

import (
	"context"
	"sync"
)

// Bundle tracks a delimiter-bracketed group of clientbound packets. Packets
// inside an open bundle are still forwarded one by one; consumers that need
// the group as a whole wait for completion.
type Bundle struct {
	mu   sync.Mutex
	open bool
	done chan struct{}
}

// Toggle opens a closed bundle or closes an open one, releasing waiters.
// It reports whether the bundle is open afterwards.
func (b *Bundle) Toggle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		b.open = true
		b.done = make(chan struct{})
		return true
	}
	b.open = false
	close(b.done)
	return false
}

// IsOpen reports whether a bundle is in progress.
func (b *Bundle) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// WaitBundleCompletion blocks until the open bundle closes. It returns
// immediately when no bundle is open.
func (b *Bundle) WaitBundleCompletion(ctx context.Context) error {
	b.mu.Lock()
	if !b.open {
		b.mu.Unlock()
		return nil
	}
	done := b.done
	b.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reset closes a bundle left open when the link stops.
func (b *Bundle) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		b.open = false
		close(b.done)
	}
}
