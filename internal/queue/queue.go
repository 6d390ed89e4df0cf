// Package queue provides the per-node work queue shared by every connection
// slot of that node.
package queue

import "github.com/reloquent/tableshift/internal/catalog"

// NodeQueue is a FIFO filled once before workers start. Dequeue never blocks:
// an empty queue means there is nothing left for the node.
type NodeQueue struct {
	node  string
	items chan catalog.WorkItem
}

// New returns a queue holding items in order.
func New(node string, items []catalog.WorkItem) *NodeQueue {
	ch := make(chan catalog.WorkItem, len(items))
	for _, it := range items {
		ch <- it
	}
	close(ch)
	return &NodeQueue{node: node, items: ch}
}

// Node returns the node the queue belongs to.
func (q *NodeQueue) Node() string { return q.node }

// TryDequeue removes the next item. ok is false once the queue is drained.
func (q *NodeQueue) TryDequeue() (it catalog.WorkItem, ok bool) {
	select {
	case it, ok = <-q.items:
		return it, ok
	default:
		return catalog.WorkItem{}, false
	}
}

// Len returns the number of items not yet dequeued.
func (q *NodeQueue) Len() int { return len(q.items) }

// Empty reports whether every item has been dequeued.
func (q *NodeQueue) Empty() bool { return len(q.items) == 0 }
