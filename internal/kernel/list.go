package kernel

// readyList is the priority-ordered list of every created task, eligible or
// not. Links are slot indices into the task table; membership is permanent.
type readyList struct {
	slots      []Task
	head, tail TaskID
	n          int
}

func newReadyList(slots []Task) readyList {
	return readyList{slots: slots, head: NoTask, tail: NoTask}
}

// insert places id before the first task whose priority is numerically >= its
// own, or at the tail. Equal priorities therefore run newest first.
func (l *readyList) insert(id TaskID) {
	t := &l.slots[id]
	t.next, t.prev = NoTask, NoTask

	for at := l.head; at != NoTask; at = l.slots[at].next {
		a := &l.slots[at]
		if t.priority > a.priority {
			continue
		}
		t.next = at
		t.prev = a.prev
		if a.prev == NoTask {
			l.head = id
		} else {
			l.slots[a.prev].next = id
		}
		a.prev = id
		l.n++
		return
	}

	t.prev = l.tail
	if l.tail == NoTask {
		l.head = id
	} else {
		l.slots[l.tail].next = id
	}
	l.tail = id
	l.n++
}

// each walks the list from the highest precedence. Returning false stops.
func (l *readyList) each(fn func(t *Task) bool) {
	for at := l.head; at != NoTask; at = l.slots[at].next {
		if !fn(&l.slots[at]) {
			return
		}
	}
}

// sorted checks the ordering and the back links.
func (l *readyList) sorted() bool {
	prev := NoTask
	count := 0
	for at := l.head; at != NoTask; at = l.slots[at].next {
		t := &l.slots[at]
		if t.prev != prev {
			return false
		}
		if prev != NoTask && l.slots[prev].priority > t.priority {
			return false
		}
		prev = at
		count++
		if count > l.n {
			return false // cycle
		}
	}
	return prev == l.tail && count == l.n
}
