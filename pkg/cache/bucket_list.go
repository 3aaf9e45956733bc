package cache

// listNode is a node of the doubly linked list backing a tier bucket. Entries keep a pointer to
// their node so removal is O(1).
type listNode[V any] struct {
	next  *listNode[V]
	prev  *listNode[V]
	Value V
}

// Next returns the node after n, or nil at the end of the list.
func (n *listNode[V]) Next() *listNode[V] {
	return n.next
}

// bucketList holds the entries of one priority tier. New entries go to the front; eviction scans
// walk it front to back.
type bucketList[V any] struct {
	head *listNode[V]
	size int
}

// Len returns the number of elements in the list.
func (l *bucketList[V]) Len() int {
	return l.size
}

// Front returns the first node of the list or nil if the list is empty.
func (l *bucketList[V]) Front() *listNode[V] {
	return l.head
}

// PushFront adds a new value to the front of the list.
func (l *bucketList[V]) PushFront(v V) *listNode[V] {
	n := &listNode[V]{Value: v, next: l.head}
	if l.head != nil {
		l.head.prev = n
	}
	l.head = n
	l.size++
	return n
}

// Remove removes a node from the list.
func (l *bucketList[V]) Remove(n *listNode[V]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		// Node is the head.
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}

	// Clean up the removed node's pointers.
	n.next = nil
	n.prev = nil

	l.size--
}
