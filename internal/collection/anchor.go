package collection

import "sync"

// ScrollAnchor keeps the visible content in place when older records are
// prepended. Record the content height before LoadMore and Restore once the
// grown list has been laid out.
type ScrollAnchor struct {
	mu     sync.Mutex
	height float64
	armed  bool
}

// Record remembers the content height before a page is fetched
func (a *ScrollAnchor) Record(height float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.height = height
	a.armed = true
}

// Restore returns the scroll offset that keeps the anchored content at the
// same screen position. Without a recorded height offset is returned as is.
func (a *ScrollAnchor) Restore(height, offset float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.armed {
		return offset
	}
	a.armed = false
	delta := height - a.height
	if delta < 0 {
		delta = 0
	}
	return offset + delta
}
