package canvas

import (
	"sort"
	"sync"
)

const (
	MinZIndex = 1
	MaxZIndex = 999
)

// ZCounter hands out z-indexes from a small fixed range. When the range runs
// out the caller compacts the note's panels and the counter restarts above them.
type ZCounter struct {
	mu   sync.Mutex
	next int
}

func NewZCounter() *ZCounter {
	return &ZCounter{next: MinZIndex}
}

// Observe moves the counter past a z-index that already exists.
func (c *ZCounter) Observe(z int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if z >= c.next {
		c.next = z + 1
	}
}

// Next returns the next z-index and false when the range is exhausted.
func (c *ZCounter) Next() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next > MaxZIndex {
		return MaxZIndex, false
	}
	z := c.next
	c.next++
	return z, true
}

// Compact renumbers panels 1..n keeping their relative order and returns the
// panels whose z-index changed. The counter continues after the last one.
func (c *ZCounter) Compact(panels []Panel) []Panel {
	ordered := append([]Panel(nil), panels...)
	SortByZ(ordered)
	changed := make([]Panel, 0)
	for i := range ordered {
		z := MinZIndex + i
		if ordered[i].ZIndex != z {
			ordered[i].ZIndex = z
			changed = append(changed, ordered[i])
		}
	}
	c.mu.Lock()
	c.next = MinZIndex + len(ordered)
	c.mu.Unlock()
	return changed
}

// SortByZ orders panels back to front, ties broken by panel id.
func SortByZ(panels []Panel) {
	sort.SliceStable(panels, func(i, j int) bool {
		if panels[i].ZIndex == panels[j].ZIndex {
			return panels[i].PanelID < panels[j].PanelID
		}
		return panels[i].ZIndex < panels[j].ZIndex
	})
}
