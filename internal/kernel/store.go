package kernel

// node is one entry in a priorityList. Unlike the teacher's singly-linked
// Fifo, nodes carry a prev pointer so a matched node can be unlinked from
// the middle of the list during a capability scan without rebuilding it.
type node struct {
	prev, next *node
	msg        *Message
}

// priorityList is an insertion-ordered sequence of pending messages for a
// single priority level. It supports O(1) push at either end and O(n)
// scan-with-removal, which is what the dispatch rule (spec §4.1) needs:
// "scan PriorityStore in order for the first message whose
// required_capabilities are a subset of capabilities".
type priorityList struct {
	head, tail *node
	size       int
}

func (l *priorityList) pushBack(msg *Message) {
	n := &node{msg: msg}
	if l.tail == nil {
		l.head, l.tail = n, n
	} else {
		n.prev = l.tail
		l.tail.next = n
		l.tail = n
	}
	l.size++
}

func (l *priorityList) pushFront(msg *Message) {
	n := &node{msg: msg}
	if l.head == nil {
		l.head, l.tail = n, n
	} else {
		n.next = l.head
		l.head.prev = n
		l.head = n
	}
	l.size++
}

func (l *priorityList) remove(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
	l.size--
}

// removeFirstMatch scans from head to tail and removes + returns the
// first message for which match returns true. FIFO tie-break within the
// level falls out naturally from walking head-first.
func (l *priorityList) removeFirstMatch(match func(*Message) bool) (*Message, bool) {
	for n := l.head; n != nil; n = n.next {
		if match(n.msg) {
			l.remove(n)
			return n.msg, true
		}
	}
	return nil, false
}

// snapshot returns pending messages head-to-tail without mutating the list.
func (l *priorityList) snapshot() []*Message {
	out := make([]*Message, 0, l.size)
	for n := l.head; n != nil; n = n.next {
		out = append(out, n.msg)
	}
	return out
}

// priorityStore holds the two FIFO sequences described in spec §3.
type priorityStore struct {
	high priorityList
	low  priorityList
}

func (s *priorityStore) listFor(p Priority) *priorityList {
	if p == High {
		return &s.high
	}
	return &s.low
}

// push inserts msg at the tail of its priority's sequence.
func (s *priorityStore) push(msg *Message) {
	s.listFor(msg.Priority).pushBack(msg)
}

// pushFront reinserts msg at the head of its priority's sequence, used
// when a delivery attempt fails mid-dispatch (spec §4.1 Failure semantics).
func (s *priorityStore) pushFront(msg *Message) {
	s.listFor(msg.Priority).pushFront(msg)
}

// removeFirstMatching scans HIGH before LOW (spec §4.1 dispatch rule,
// point 1) and returns the first compatible message.
func (s *priorityStore) removeFirstMatching(match func(*Message) bool) (*Message, bool) {
	if msg, ok := s.high.removeFirstMatch(match); ok {
		return msg, true
	}
	return s.low.removeFirstMatch(match)
}

// snapshot returns pending messages HIGH sequence first, FIFO within each
// (spec §4.1 get_all, §8 P8).
func (s *priorityStore) snapshot() []*Message {
	out := s.high.snapshot()
	return append(out, s.low.snapshot()...)
}
