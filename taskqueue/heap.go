// SPDX-License-Identifier: GPL-3.0-or-later

package taskqueue

import "time"

// timerItem is one entry in the timer-manager's min-heap, ordered by
// deadline. It carries the slot/generation pair so a popped item can
// be checked against the current slot state before dispatch: a
// cancelled or already-reused slot makes this entry stale and it is
// silently dropped instead of running.
type timerItem struct {
	deadline   time.Time
	slot       uint32
	generation uint32
}

type timerHeap []timerItem

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(timerItem)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
