package kmsg

// Queue is a circular doubly-linked list of messages. The zero value is an
// empty queue. Queues are not safe for concurrent use; the owner of the
// queue provides locking.
type Queue struct {
	head *Message
}

// Empty reports whether q holds no messages.
func (q *Queue) Empty() bool { return q.head == nil }

// First returns the oldest message without removing it.
func (q *Queue) First() *Message { return q.head }

// Next returns the message after m, or nil at the end of the queue.
func (q *Queue) Next(m *Message) *Message {
	if m.next == q.head {
		return nil
	}
	return m.next
}

// Enqueue appends m. m must not be on any queue.
func (q *Queue) Enqueue(m *Message) {
	if m.queue != nil {
		panic("kmsg: message already queued")
	}
	if q.head == nil {
		m.next, m.prev = m, m
		q.head = m
	} else {
		tail := q.head.prev
		m.next, m.prev = q.head, tail
		tail.next = m
		q.head.prev = m
	}
	m.queue = q
}

// Dequeue removes and returns the oldest message, or nil.
func (q *Queue) Dequeue() *Message {
	m := q.head
	if m != nil {
		q.Rmqueue(m)
	}
	return m
}

// Rmqueue removes m, which must be on q.
func (q *Queue) Rmqueue(m *Message) {
	if m.queue != q {
		panic("kmsg: message not on this queue")
	}
	if m.next == m {
		q.head = nil
	} else {
		if q.head == m {
			q.head = m.next
		}
		m.prev.next = m.next
		m.next.prev = m.prev
	}
	m.next, m.prev, m.queue = nil, nil, nil
}

// Len counts the queued messages.
func (q *Queue) Len() int {
	n := 0
	for m := q.First(); m != nil; m = q.Next(m) {
		n++
	}
	return n
}
