package kernel

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// inFlightEntry is the InFlightTable's value (spec §3): the message
// itself, the session currently holding it, and — for subscribe
// deliveries only — the waiter that should be reconsidered on ack.
type inFlightEntry struct {
	msg       *Message
	sessionID uint64
	subWaiter *waiter
}

// Kernel is the queue kernel described in spec §2/§4.1: it serialises
// enqueue, pop, subscribe, acknowledge and get_all against a single
// mutex guarding the PriorityStore, InFlightTable and waiter registry,
// preserving invariants I1–I5 across every operation.
type Kernel struct {
	mu sync.Mutex

	store    priorityStore
	inFlight map[string]*inFlightEntry
	waiters  waiterRegistry

	log hclog.Logger
}

// New constructs an empty kernel. log may be nil, in which case a
// discarding logger is used.
func New(log hclog.Logger) *Kernel {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Kernel{
		inFlight: make(map[string]*inFlightEntry),
		log:      log.Named("kernel"),
	}
}

// Delivery is one message handed to a subscribe stream.
type Delivery struct {
	ID      string
	Payload []byte
}

// Subscription is the stream-of-deliveries handle returned by Subscribe
// (spec §4.2, component 2). Callers pull messages with Next; each
// delivery must be acknowledged through Kernel.Acknowledge before the
// next one is sent, per the subscribe backpressure rule.
type Subscription struct {
	kernel *Kernel
	w      *waiter
}

// Next blocks until either a message is delivered, the stream ends
// (max_count exhausted, or the owning session was dropped), or ctx is
// done. ok is false when no message was delivered: err is nil if the
// stream has ended, and ctx's error if ctx is done.
func (s *Subscription) Next(ctx context.Context) (d *Delivery, ok bool, err error) {
	select {
	case msg := <-s.w.deliver:
		return &Delivery{ID: msg.ID, Payload: msg.Payload}, true, nil
	case <-s.w.closed:
		return nil, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// matchesCapabilities is the "message fits waiter" predicate used by
// both directions of the dispatch rule (spec §4.1).
func matchesCapabilities(required, available Capabilities) bool {
	return required.Subset(available)
}

// deliverToWaiter hands msg to w, binds it into the in-flight table owned
// by w's session, and — for a subscribe waiter — decrements remaining.
// It reports whether the handoff actually succeeded; see waiter.tryDeliver.
func (k *Kernel) deliverToWaiter(w *waiter, msg *Message) bool {
	if !w.tryDeliver(msg) {
		return false
	}
	entry := &inFlightEntry{msg: msg, sessionID: w.sessionID}
	if w.kind == waiterSubscribe {
		entry.subWaiter = w
		w.remaining--
	}
	k.inFlight[msg.ID] = entry
	return true
}

// tryDispatchOrEnqueue scans the waiter registry (FIFO, spec §9) for the
// first waiter whose capabilities are a superset of msg's, delivers if
// found, and otherwise stores msg. atFront controls which end of the
// priority sequence msg lands on when no waiter matches — pushFront for
// a delivery-failure reinsertion (spec §4.1 Failure semantics, "never
// left"), pushBack for everything else (fresh enqueue, session-drop
// requeue).
func (k *Kernel) tryDispatchOrEnqueue(msg *Message, atFront bool) {
	for {
		w, ok := k.waiters.removeFirstMatching(func(w *waiter) bool {
			return matchesCapabilities(msg.RequiredCapabilities, w.capabilities)
		})
		if !ok {
			break
		}
		if k.deliverToWaiter(w, msg) {
			return
		}
		// Dead sink: w is already unregistered, loop and try the next
		// candidate waiter against the same message.
	}
	if atFront {
		k.store.pushFront(msg)
	} else {
		k.store.push(msg)
	}
}

// Enqueue admits a new message and attempts immediate dispatch (spec
// §4.1). It never fails.
func (k *Kernel) Enqueue(payload []byte, priority Priority, requiredCapabilities Capabilities) string {
	msg := &Message{
		ID:                   newMessageID(),
		Payload:              payload,
		Priority:             priority,
		RequiredCapabilities: requiredCapabilities,
	}

	k.mu.Lock()
	k.tryDispatchOrEnqueue(msg, false)
	k.mu.Unlock()

	k.log.Debug("enqueued", "id", msg.ID, "priority", priority, "capabilities", requiredCapabilities.Slice())
	return msg.ID
}

// Pop implements spec §4.1's pop: an immediate capability-scanned match,
// or — when wait is true and nothing matches — a suspension until either
// a matching enqueue (or a message requeued by DropSession) delivers to
// this caller or ctx is done or the session is cancelled by DropSession.
func (k *Kernel) Pop(ctx context.Context, sessionID uint64, capabilities Capabilities, wait bool) (*Message, bool, error) {
	k.mu.Lock()
	if msg, ok := k.store.removeFirstMatching(func(m *Message) bool {
		return matchesCapabilities(m.RequiredCapabilities, capabilities)
	}); ok {
		k.inFlight[msg.ID] = &inFlightEntry{msg: msg, sessionID: sessionID}
		k.mu.Unlock()
		return msg, true, nil
	}
	if !wait {
		k.mu.Unlock()
		return nil, false, nil
	}

	w := newWaiter(sessionID, waiterPop, capabilities, 1)
	k.waiters.register(w)
	k.mu.Unlock()

	select {
	case msg := <-w.deliver:
		return msg, true, nil
	case <-w.closed:
		return nil, false, ErrSessionCancelled
	case <-ctx.Done():
		k.mu.Lock()
		k.waiters.remove(w)
		k.mu.Unlock()
		return nil, false, ctx.Err()
	}
}

// Subscribe registers a streaming waiter granted up to maxCount
// deliveries, one unacknowledged message at a time (spec §4.1 subscribe).
func (k *Kernel) Subscribe(sessionID uint64, capabilities Capabilities, maxCount int) (*Subscription, error) {
	if maxCount <= 0 {
		return nil, ErrInvalidMaxCount
	}

	w := newWaiter(sessionID, waiterSubscribe, capabilities, maxCount)

	k.mu.Lock()
	if msg, ok := k.store.removeFirstMatching(func(m *Message) bool {
		return matchesCapabilities(m.RequiredCapabilities, capabilities)
	}); ok {
		k.deliverToWaiter(w, msg)
	} else {
		k.waiters.register(w)
	}
	k.mu.Unlock()

	return &Subscription{kernel: k, w: w}, nil
}

// Acknowledge removes id from the in-flight table. For a subscribe
// delivery it re-registers (or re-delivers to) the owning waiter per the
// backpressure rule, unless remaining has been exhausted, in which case
// the stream is closed (spec §4.1 acknowledge).
func (k *Kernel) Acknowledge(id string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry, ok := k.inFlight[id]
	if !ok {
		return ErrUnknownID
	}
	delete(k.inFlight, id)

	w := entry.subWaiter
	if w == nil {
		return nil
	}
	if w.remaining <= 0 {
		w.cancel()
		return nil
	}
	if msg, ok := k.store.removeFirstMatching(func(m *Message) bool {
		return matchesCapabilities(m.RequiredCapabilities, w.capabilities)
	}); ok {
		k.deliverToWaiter(w, msg)
		return nil
	}
	k.waiters.register(w)
	return nil
}

// GetAll returns a snapshot of pending messages, HIGH sequence first,
// FIFO within each (spec §4.1 get_all, §8 P8). It never touches the
// in-flight table.
func (k *Kernel) GetAll() []*Message {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.store.snapshot()
}

// DropSession cancels every waiter owned by sessionID and requeues every
// message currently in flight to it, appended after same-priority
// pendings (spec §4.1 Failure semantics, §5 "Cancellation").
func (k *Kernel) DropSession(sessionID uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, w := range k.waiters.removeAllForSession(sessionID) {
		w.cancel()
	}

	var owned []*Message
	for id, entry := range k.inFlight {
		if entry.sessionID == sessionID {
			owned = append(owned, entry.msg)
			delete(k.inFlight, id)
			// A subscribe waiter awaiting this ack is not in the
			// registry, so it is cancelled here.
			if entry.subWaiter != nil {
				entry.subWaiter.cancel()
			}
		}
	}
	for _, msg := range owned {
		k.tryDispatchOrEnqueue(msg, false)
	}

	if len(owned) > 0 {
		k.log.Debug("session dropped, requeued in-flight messages", "session", sessionID, "count", len(owned))
	}
}
