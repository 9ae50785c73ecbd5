package structure

import (
	"fmt"
	"strconv"
)

type slot struct {
	def         *Definition
	nonstandard bool
	reps        []NodeID
}

type node struct {
	kind   Kind
	name   string
	parent NodeID

	// groups
	slots []*slot

	// segments
	fields    []string
	populated bool
}

// Message is an arena-backed message tree. The root is a group built from a
// message structure Definition; every other node is created lazily the first
// time its slot repetition is requested. Parents own their children; the
// parent link stored on each node is a plain id.
//
// A Message is not safe for concurrent use.
type Message struct {
	def   *Definition
	root  NodeID
	nodes []node
}

var _ Tree = (*Message)(nil)

// NewMessage creates an empty message tree for the given root definition.
func NewMessage(def *Definition) (*Message, error) {
	if def == nil || !def.Group {
		return nil, fmt.Errorf("structure: root definition must be a group")
	}
	if len(def.Children) == 0 {
		return nil, fmt.Errorf("structure: message %s declares no slots", def.Name)
	}
	m := &Message{def: def}
	m.root = m.newNode(def, def.Name, NoNode)
	return m, nil
}

// Root returns the message root group.
func (m *Message) Root() NodeID { return m.root }

// StructureName returns the message structure name, e.g. "ADT_A01".
func (m *Message) StructureName() string { return m.def.Name }

// Len returns the number of realized nodes, including the root.
func (m *Message) Len() int { return len(m.nodes) }

func (m *Message) newNode(def *Definition, name string, parent NodeID) NodeID {
	n := node{name: name, parent: parent}
	if def.Group {
		n.kind = KindGroup
		n.slots = make([]*slot, len(def.Children))
		for i, c := range def.Children {
			n.slots[i] = &slot{def: c}
		}
	} else {
		n.kind = KindSegment
	}
	m.nodes = append(m.nodes, n)
	return NodeID(len(m.nodes) - 1)
}

func (m *Message) node(n NodeID) *node {
	if n < 0 || int(n) >= len(m.nodes) {
		return nil
	}
	return &m.nodes[n]
}

func (m *Message) group(g NodeID) (*node, error) {
	n := m.node(g)
	if n == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, g)
	}
	if n.kind != KindGroup {
		return nil, fmt.Errorf("%w: %s", ErrNotGroup, n.name)
	}
	return n, nil
}

func (m *Message) slot(g NodeID, name string) (*slot, error) {
	n, err := m.group(g)
	if err != nil {
		return nil, err
	}
	for _, s := range n.slots {
		if s.def.Name == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s has no slot %q", ErrUnknownSlot, n.name, name)
}

// Kind reports whether n is a group or a segment.
func (m *Message) Kind(n NodeID) Kind {
	if nd := m.node(n); nd != nil {
		return nd.kind
	}
	return KindInvalid
}

// Name returns the structure name of n.
func (m *Message) Name(n NodeID) string {
	if nd := m.node(n); nd != nil {
		return nd.name
	}
	return ""
}

// Parent returns the group owning n. The root has no parent.
func (m *Message) Parent(n NodeID) (NodeID, bool) {
	nd := m.node(n)
	if nd == nil || nd.parent == NoNode {
		return NoNode, false
	}
	return nd.parent, true
}

// Names returns the slot names of group g in declaration order, followed by
// any non-standard slots in the order they were added.
func (m *Message) Names(g NodeID) ([]string, error) {
	n, err := m.group(g)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(n.slots))
	for i, s := range n.slots {
		names[i] = s.def.Name
	}
	return names, nil
}

func (m *Message) IsRepeating(g NodeID, name string) (bool, error) {
	s, err := m.slot(g, name)
	if err != nil {
		return false, err
	}
	return s.def.Repeating, nil
}

func (m *Message) IsRequired(g NodeID, name string) (bool, error) {
	s, err := m.slot(g, name)
	if err != nil {
		return false, err
	}
	return s.def.Required, nil
}

// IsNonstandard reports whether the slot was added at runtime.
func (m *Message) IsNonstandard(g NodeID, name string) bool {
	s, err := m.slot(g, name)
	return err == nil && s.nonstandard
}

func (m *Message) Definition(g NodeID, name string) (*Definition, error) {
	s, err := m.slot(g, name)
	if err != nil {
		return nil, err
	}
	return s.def, nil
}

// Get returns the rep-th repetition of slot name under g. Asking for the
// repetition right after the last realized one creates it; asking past that,
// or for a second repetition of a non-repeating slot, fails.
func (m *Message) Get(g NodeID, name string, rep int) (NodeID, error) {
	s, err := m.slot(g, name)
	if err != nil {
		return NoNode, err
	}
	switch {
	case rep < 0:
		return NoNode, fmt.Errorf("%w: %s(%d)", ErrRepetition, name, rep)
	case rep < len(s.reps):
		return s.reps[rep], nil
	case rep > len(s.reps):
		return NoNode, fmt.Errorf("%w: cannot get %s(%d), only %d realized", ErrRepetition, name, rep, len(s.reps))
	case rep > 0 && !s.def.Repeating:
		return NoNode, fmt.Errorf("%w: %s is not repeating", ErrRepetition, name)
	}
	child := m.newNode(s.def, s.def.StructureName(), g)
	s.reps = append(s.reps, child)
	return child, nil
}

// All returns the realized repetitions of slot name under g.
func (m *Message) All(g NodeID, name string) ([]NodeID, error) {
	s, err := m.slot(g, name)
	if err != nil {
		return nil, err
	}
	out := make([]NodeID, len(s.reps))
	copy(out, s.reps)
	return out, nil
}

// AddNonstandardSegment appends a repeating, optional segment slot for
// segment name to group g and returns the slot name. A numeric suffix is
// added when the group already has a slot of that name ("ZPI", "ZPI2", ...).
func (m *Message) AddNonstandardSegment(g NodeID, name string) (string, error) {
	n, err := m.group(g)
	if err != nil {
		return "", err
	}
	if name == "" {
		return "", fmt.Errorf("%w: empty segment name", ErrUnknownSlot)
	}
	slotName := name
	for v := 2; m.hasSlot(n, slotName); v++ {
		slotName = name + strconv.Itoa(v)
	}
	def := &Definition{Name: slotName, Structure: name, Repeating: true}
	n.slots = append(n.slots, &slot{def: def, nonstandard: true})
	return slotName, nil
}

func (m *Message) hasSlot(n *node, name string) bool {
	for _, s := range n.slots {
		if s.def.Name == name {
			return true
		}
	}
	return false
}

// SetFields stores the field values of segment n and marks it populated.
func (m *Message) SetFields(n NodeID, fields []string) error {
	nd := m.node(n)
	if nd == nil {
		return fmt.Errorf("%w: %d", ErrUnknownNode, n)
	}
	if nd.kind != KindSegment {
		return fmt.Errorf("%w: %s", ErrNotSegment, nd.name)
	}
	nd.fields = append([]string(nil), fields...)
	nd.populated = true
	return nil
}

// Fields returns the stored field values of segment n.
func (m *Message) Fields(n NodeID) []string {
	if nd := m.node(n); nd != nil {
		return nd.fields
	}
	return nil
}

// Populated reports whether segment n received data, or, for a group,
// whether any segment below it did.
func (m *Message) Populated(n NodeID) bool {
	nd := m.node(n)
	if nd == nil {
		return false
	}
	if nd.kind == KindSegment {
		return nd.populated
	}
	for _, s := range nd.slots {
		for _, r := range s.reps {
			if m.Populated(r) {
				return true
			}
		}
	}
	return false
}

// Visit is called by Walk for each realized node below the root.
type Visit func(pos Position, n NodeID, depth int) error

// Walk visits realized nodes depth first in slot order, skipping the root.
func (m *Message) Walk(fn Visit) error {
	return m.walk(m.root, 1, fn)
}

func (m *Message) walk(g NodeID, depth int, fn Visit) error {
	nd := m.node(g)
	for _, s := range nd.slots {
		for rep, child := range s.reps {
			if err := fn(Position{Parent: g, Index: Index{Name: s.def.Name, Rep: rep}}, child, depth); err != nil {
				return err
			}
			if m.nodes[child].kind == KindGroup {
				if err := m.walk(child, depth+1, fn); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
