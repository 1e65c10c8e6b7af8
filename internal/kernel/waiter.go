package kernel

// waiterKind distinguishes a one-shot blocking pop from a streaming
// subscribe, which differ only in what happens after a delivery.
type waiterKind int

const (
	waiterPop waiterKind = iota
	waiterSubscribe
)

// waiter is a registered blocked pop or streaming subscribe consumer,
// per spec §3 ("Waiter"). deliver is the single-use (pop) or reused
// (subscribe) sink the kernel writes matched messages into; it is always
// buffered with capacity 1 so a delivery under the kernel lock never
// blocks (spec §5, "Atomicity").
type waiter struct {
	sessionID    uint64
	kind         waiterKind
	capabilities Capabilities
	remaining    int // pop: always 1; subscribe: deliveries left to grant
	deliver      chan *Message
	// closed signals the waiter has been cancelled (session drop, or the
	// subscribe stream having exhausted its remaining count) without a
	// delivery. A waiting Pop/Subscribe call selects on this alongside
	// deliver.
	closed chan struct{}
	alive  bool
}

func newWaiter(sessionID uint64, kind waiterKind, caps Capabilities, remaining int) *waiter {
	return &waiter{
		sessionID:    sessionID,
		kind:         kind,
		capabilities: caps,
		remaining:    remaining,
		deliver:      make(chan *Message, 1),
		closed:       make(chan struct{}),
		alive:        true,
	}
}

// tryDeliver attempts a non-blocking handoff of msg to the waiter. It
// always succeeds for a freshly registered waiter (the channel has spare
// capacity and nothing else writes to it while the kernel lock is held),
// but the select/default mirrors the teacher's send-or-drop-the-client
// pattern (queue_server.go's handleConsumeMsg) as defense against a
// waiter whose sink was already filled by a racing cancellation.
func (w *waiter) tryDeliver(msg *Message) bool {
	select {
	case w.deliver <- msg:
		return true
	default:
		return false
	}
}

// cancel marks the waiter dead and wakes anything selecting on closed.
// Safe to call more than once.
func (w *waiter) cancel() {
	if !w.alive {
		return
	}
	w.alive = false
	close(w.closed)
}

// waiterRegistry is the ordered set described in spec §9 ("Waiter set vs
// queue"): walked FIFO by registration order so a worker that has waited
// longer is offered a match first.
type waiterRegistry struct {
	waiters []*waiter
}

func (r *waiterRegistry) register(w *waiter) {
	r.waiters = append(r.waiters, w)
}

func (r *waiterRegistry) removeFirstMatching(match func(*waiter) bool) (*waiter, bool) {
	for i, w := range r.waiters {
		if match(w) {
			r.waiters = append(r.waiters[:i:i], r.waiters[i+1:]...)
			return w, true
		}
	}
	return nil, false
}

// removeAllForSession removes and returns every waiter owned by sessionID,
// used when a session drops (spec §5, "Cancellation").
func (r *waiterRegistry) removeAllForSession(sessionID uint64) []*waiter {
	var removed []*waiter
	kept := r.waiters[:0:0]
	for _, w := range r.waiters {
		if w.sessionID == sessionID {
			removed = append(removed, w)
		} else {
			kept = append(kept, w)
		}
	}
	r.waiters = kept
	return removed
}

func (r *waiterRegistry) remove(target *waiter) {
	for i, w := range r.waiters {
		if w == target {
			r.waiters = append(r.waiters[:i:i], r.waiters[i+1:]...)
			return
		}
	}
}
