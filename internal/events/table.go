package events

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"grimm.is/apmux/internal/protocol"
)

// ErrOpcodeTooLong is returned for opcodes that do not fit the fixed opcode
// buffer.
var ErrOpcodeTooLong = errors.New("events: opcode too long")

// Subscriber receives framed events. Implementations must be comparable;
// the table identifies a subscriber by interface equality.
type Subscriber interface {
	Name() string
	Send(frame []byte) error
}

// Table maps opcodes to their subscribers, most recently registered first.
// An opcode is present only while it has at least one subscriber.
type Table struct {
	mu      sync.RWMutex
	entries map[string][]Subscriber
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[string][]Subscriber)}
}

// Register subscribes sub to opcode. A repeated registration moves sub to
// the front instead of duplicating it.
func (t *Table) Register(sub Subscriber, opcode string) error {
	if len(opcode) == 0 || len(opcode) >= protocol.OpcodeBufferSize {
		return fmt.Errorf("%q: %w", opcode, ErrOpcodeTooLong)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registerLocked(sub, opcode)
	return nil
}

func (t *Table) registerLocked(sub Subscriber, opcode string) {
	subs := removeSubscriber(t.entries[opcode], sub)
	t.entries[opcode] = append([]Subscriber{sub}, subs...)
}

// RegisterMany subscribes sub to every opcode in an encoded subscription
// list, then force-registers each lifecycle opcode the list did not name.
// An oversized or truncated entry aborts the request; entries before it stay
// registered and nothing is forced.
func (t *Table) RegisterMany(sub Subscriber, list []byte) (registered []string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var seen [len(LifecycleOpcodes)]bool
	s := protocol.NewOpcodeScanner(list)
	for s.Scan() {
		op := s.Opcode()
		t.registerLocked(sub, op)
		registered = append(registered, op)
		for i, lc := range LifecycleOpcodes {
			if op == lc {
				seen[i] = true
			}
		}
	}
	if err := s.Err(); err != nil {
		return registered, fmt.Errorf("subscription list: %w", err)
	}

	for i, lc := range LifecycleOpcodes {
		if !seen[i] {
			t.registerLocked(sub, lc)
			registered = append(registered, lc)
		}
	}
	return registered, nil
}

// UnregisterAll removes sub from every opcode and drops opcodes left without
// subscribers. It returns how many opcodes sub was removed from.
func (t *Table) UnregisterAll(sub Subscriber) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for op, subs := range t.entries {
		kept := removeSubscriber(subs, sub)
		if len(kept) == len(subs) {
			continue
		}
		removed++
		if len(kept) == 0 {
			delete(t.entries, op)
		} else {
			t.entries[op] = kept
		}
	}
	return removed
}

// Subscribers returns a snapshot of opcode's subscribers, front first.
func (t *Table) Subscribers(opcode string) []Subscriber {
	t.mu.RLock()
	defer t.mu.RUnlock()
	subs, ok := t.entries[opcode]
	if !ok {
		return nil
	}
	return append([]Subscriber(nil), subs...)
}

// Has reports whether sub is subscribed to anything.
func (t *Table) Has(sub Subscriber) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, subs := range t.entries {
		for _, s := range subs {
			if s == sub {
				return true
			}
		}
	}
	return false
}

// Opcodes returns the subscribed opcodes in sorted order.
func (t *Table) Opcodes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ops := make([]string, 0, len(t.entries))
	for op := range t.entries {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// SubscriberCount returns the number of distinct subscribers.
func (t *Table) SubscriberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[Subscriber]struct{})
	for _, subs := range t.entries {
		for _, s := range subs {
			seen[s] = struct{}{}
		}
	}
	return len(seen)
}

// Len returns the number of subscribed opcodes.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func removeSubscriber(subs []Subscriber, target Subscriber) []Subscriber {
	result := make([]Subscriber, 0, len(subs))
	for _, s := range subs {
		if s != target {
			result = append(result, s)
		}
	}
	return result
}
