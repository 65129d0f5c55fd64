package pagepool

// addrHeap is a min-heap of block base addresses: when a size class has
// more than one free block, the lowest address is served first to keep
// fragmentation concentrated at the low end.
type addrHeap []int64

func (h addrHeap) Len() int           { return len(h) }
func (h addrHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h addrHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *addrHeap) Push(x any)        { *h = append(*h, x.(int64)) }
func (h *addrHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
