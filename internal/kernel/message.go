// Package kernel implements the BRQueue queue kernel: the in-memory
// priority store, in-flight table and waiter registry that together
// provide enqueue, pop, subscribe, acknowledge and introspection with
// capability-based routing and two-level priority dispatch.
package kernel

import (
	"sort"

	"github.com/google/uuid"
)

// Priority is one of the two levels a Message can carry. HIGH always
// preempts LOW in dispatch.
type Priority int

const (
	Low Priority = iota
	High
)

// String renders the priority for log lines.
func (p Priority) String() string {
	if p == High {
		return "HIGH"
	}
	return "LOW"
}

// Capabilities is an unordered, duplicate-free set of short opaque strings.
type Capabilities map[string]struct{}

// NewCapabilities collapses a slice of strings into a set.
func NewCapabilities(tags ...string) Capabilities {
	c := make(Capabilities, len(tags))
	for _, t := range tags {
		c[t] = struct{}{}
	}
	return c
}

// Subset reports whether every element of c is also present in other —
// i.e. c ⊆ other. An empty set is a subset of anything, including itself.
func (c Capabilities) Subset(other Capabilities) bool {
	for tag := range c {
		if _, ok := other[tag]; !ok {
			return false
		}
	}
	return true
}

// Slice returns the capabilities in sorted order, useful for deterministic
// wire encoding and logging.
func (c Capabilities) Slice() []string {
	out := make([]string, 0, len(c))
	for tag := range c {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Message is the immutable unit of work once admitted to the kernel.
// Callers must not mutate Payload or Capabilities after Enqueue returns.
type Message struct {
	ID                   string
	Payload              []byte
	Priority             Priority
	RequiredCapabilities Capabilities
}

func newMessageID() string {
	return uuid.New().String()
}
