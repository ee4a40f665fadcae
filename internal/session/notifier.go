package session

import "sync"

type subscriber struct {
	id  int
	o   Observer
	all bool
	// from is the first sequence number the subscriber may see.
	from uint64
}

type queued struct {
	seq  uint64
	note Notification
}

// notifier delivers notifications in the order they were pushed, on a
// single goroutine, so observers never run under the controller lock.
// An observer only sees notifications pushed after it subscribed.
type notifier struct {
	mu     sync.Mutex
	queue  []queued
	seq    uint64
	subs   []subscriber
	next   int
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newNotifier() *notifier {
	n := &notifier{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) subscribe(o Observer, all bool) func() {
	n.mu.Lock()
	id := n.next
	n.next++
	n.subs = append(n.subs, subscriber{id: id, o: o, all: all, from: n.seq})
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			for i, s := range n.subs {
				if s.id == id {
					n.subs = append(n.subs[:i:i], n.subs[i+1:]...)
					break
				}
			}
		})
	}
}

func (n *notifier) push(note Notification) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, queued{seq: n.seq, note: note})
	n.seq++
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		n.mu.Lock()
		batch := n.queue
		n.queue = nil
		subs := append([]subscriber(nil), n.subs...)
		closed := n.closed
		n.mu.Unlock()

		for _, q := range batch {
			for _, s := range subs {
				if q.seq < s.from || (q.note.Diagnostic && !s.all) {
					continue
				}
				s.o.Notify(q.note)
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-n.wake
	}
}

// close delivers what is queued and stops the goroutine.
func (n *notifier) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		<-n.done
		return
	}
	n.closed = true
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
	<-n.done
}
