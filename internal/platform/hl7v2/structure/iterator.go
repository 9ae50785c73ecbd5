package structure

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Iterator walks a message tree depth first, one slot repetition at a time,
// biased towards a direction: the structure name of the segment the caller
// wants to place next.
//
// From a group the next node is always its first slot. From a segment the
// next node is another repetition of the same slot when the slot repeats and
// the segment is named like the direction; otherwise it is the following
// slot, climbing out of finished groups as needed. When nothing later in the
// message could hold the direction and materialization is allowed, a
// non-standard segment slot is appended to the group being left.
//
// An Iterator mutates the tree it walks and is not safe for concurrent use.
type Iterator struct {
	tree        Tree
	current     NodeID
	direction   string
	next        *Position
	materialize bool
	logger      zerolog.Logger
}

// Option configures an Iterator.
type Option func(*Iterator)

// WithLogger sets the diagnostics sink. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(it *Iterator) {
		it.logger = logger
	}
}

// NewIterator creates an Iterator positioned on start. When materialize is
// true, segments with no place in the schema are added as non-standard slots
// instead of exhausting the traversal.
func NewIterator(tree Tree, start NodeID, direction string, materialize bool, opts ...Option) *Iterator {
	it := &Iterator{
		tree:        tree,
		current:     start,
		direction:   direction,
		materialize: materialize,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(it)
	}
	return it
}

// Current returns the node the cursor is on.
func (it *Iterator) Current() NodeID { return it.current }

// Direction returns the structure name the iterator is heading for.
func (it *Iterator) Direction() string { return it.direction }

// SetDirection changes the direction and discards any computed next position.
func (it *Iterator) SetDirection(direction string) {
	it.next = nil
	it.direction = direction
}

// HasNext reports whether a next node exists, computing and caching its
// position if necessary. Computing it may append a non-standard segment slot.
// It is false only at the end of the message root with materialization
// disabled.
func (it *Iterator) HasNext() (bool, error) {
	if it.next != nil {
		return true, nil
	}

	switch it.tree.Kind(it.current) {
	case KindGroup:
		return stepped(it.groupNext(it.current))
	case KindSegment:
		parent, ok := it.tree.Parent(it.current)
		if !ok {
			return false, fmt.Errorf("%w: segment %s has no parent", ErrSchemaConsistency, it.tree.Name(it.current))
		}
		idx, err := it.indexOf(parent, it.current)
		if err != nil {
			return false, err
		}
		pos := Position{Parent: parent, Index: idx}

		repeating, err := it.tree.IsRepeating(parent, idx.Name)
		if err != nil {
			return false, schemaErr(err)
		}
		if repeating && it.tree.Name(it.current) == it.direction {
			it.nextRep(pos)
			return true, nil
		}
		return it.nextPosition(pos)
	default:
		return false, fmt.Errorf("%w: unknown node %d", ErrSchemaConsistency, it.current)
	}
}

// Peek returns the position Next would move to without moving there.
func (it *Iterator) Peek() (Position, bool, error) {
	ok, err := it.HasNext()
	if err != nil || !ok {
		return Position{}, false, err
	}
	return *it.next, true, nil
}

// Next moves to the next node, realizing it if this is the first visit to
// its slot repetition, and returns it. Callers check HasNext first; Next
// returns ErrNoNext otherwise.
func (it *Iterator) Next() (NodeID, error) {
	ok, err := it.HasNext()
	if err != nil {
		return NoNode, err
	}
	if !ok {
		return NoNode, fmt.Errorf("%w: direction %s from %s", ErrNoNext, it.direction, it.tree.Name(it.current))
	}

	n, err := it.tree.Get(it.next.Parent, it.next.Index.Name, it.next.Index.Rep)
	if err != nil {
		return NoNode, fmt.Errorf("%w: get %s: %w", ErrSchemaConsistency, it.next, err)
	}
	it.current = n
	it.next = nil
	return n, nil
}

// Remove always fails; traversal only ever adds to a message.
func (it *Iterator) Remove() error {
	return ErrRemoveUnsupported
}

func (it *Iterator) groupNext(g NodeID) error {
	names, err := it.tree.Names(g)
	if err != nil {
		return schemaErr(err)
	}
	if len(names) == 0 {
		return fmt.Errorf("%w: group %s has no slots", ErrSchemaConsistency, it.tree.Name(g))
	}
	it.next = &Position{Parent: g, Index: Index{Name: names[0]}}
	return nil
}

func (it *Iterator) nextRep(pos Position) {
	it.next = &Position{Parent: pos.Parent, Index: Index{Name: pos.Index.Name, Rep: pos.Index.Rep + 1}}
}

// nextPosition moves to the slot after pos, or resolves the end of the group.
func (it *Iterator) nextPosition(pos Position) (bool, error) {
	names, err := it.tree.Names(pos.Parent)
	if err != nil {
		return false, schemaErr(err)
	}
	i := slotIndex(names, pos.Index.Name)
	if i < 0 {
		return false, fmt.Errorf("%w: %s not declared in %s", ErrSchemaConsistency, pos.Index.Name, it.tree.Name(pos.Parent))
	}
	if i == len(names)-1 {
		return it.popUp(pos)
	}
	it.next = &Position{Parent: pos.Parent, Index: Index{Name: names[i+1]}}
	return true, nil
}

// popUp resolves the end of the group holding pos: climb into the parent
// group when the direction can still be matched later on, otherwise append a
// non-standard segment here.
func (it *Iterator) popUp(pos Position) (bool, error) {
	grandparent, hasParent := it.tree.Parent(pos.Parent)
	if !it.materialize && !hasParent {
		return false, nil
	}

	// without materialization there is nothing to fall back to, so the
	// lookahead answer would not change anything
	matchExists := true
	if it.materialize {
		var err error
		if matchExists, err = it.matchExistsAfter(pos); err != nil {
			return false, err
		}
	}
	if !matchExists {
		return stepped(it.newSegment(pos.Parent))
	}

	if !hasParent {
		// only a further repetition of the last root slot can match here
		repeating, err := it.tree.IsRepeating(pos.Parent, pos.Index.Name)
		if err != nil {
			return false, schemaErr(err)
		}
		if repeating {
			it.nextRep(pos)
			return true, nil
		}
		return stepped(it.newSegment(pos.Parent))
	}

	idx, err := it.indexOf(grandparent, pos.Parent)
	if err != nil {
		return false, err
	}
	parentPos := Position{Parent: grandparent, Index: idx}

	repeating, err := it.tree.IsRepeating(grandparent, idx.Name)
	if err != nil {
		return false, schemaErr(err)
	}
	if repeating {
		first, err := it.tree.Get(grandparent, idx.Name, 0)
		if err != nil {
			return false, schemaErr(err)
		}
		found, err := it.contains(first)
		if err != nil {
			return false, err
		}
		if found {
			it.nextRep(parentPos)
			return true, nil
		}
	}
	return it.nextPosition(parentPos)
}

// matchExistsAfter reports whether the direction could be placed somewhere
// after pos without creating a new slot. Only first repetitions are examined
// and sibling scans stop at the first required slot.
func (it *Iterator) matchExistsAfter(pos Position) (bool, error) {
	repeating, err := it.tree.IsRepeating(pos.Parent, pos.Index.Name)
	if err != nil {
		return false, schemaErr(err)
	}
	if repeating {
		def, err := it.tree.Definition(pos.Parent, pos.Index.Name)
		if err != nil {
			return false, schemaErr(err)
		}
		if it.definitionContains(def) {
			return true, nil
		}
	}

	names, err := it.tree.Names(pos.Parent)
	if err != nil {
		return false, schemaErr(err)
	}
	after := false
	for _, name := range names {
		if after {
			found, err := it.slotContains(pos.Parent, name)
			if err != nil || found {
				return found, err
			}
			required, err := it.tree.IsRequired(pos.Parent, name)
			if err != nil {
				return false, schemaErr(err)
			}
			if required {
				break
			}
		}
		if name == pos.Index.Name {
			after = true
		}
	}

	grandparent, ok := it.tree.Parent(pos.Parent)
	if !ok {
		return false, nil
	}
	idx, err := it.indexOf(grandparent, pos.Parent)
	if err != nil {
		return false, err
	}
	return it.matchExistsAfter(Position{Parent: grandparent, Index: idx})
}

// contains reports whether n is, or first-descends to, a segment named like
// the direction.
func (it *Iterator) contains(n NodeID) (bool, error) {
	switch it.tree.Kind(n) {
	case KindSegment:
		return it.tree.Name(n) == it.direction, nil
	case KindGroup:
		names, err := it.tree.Names(n)
		if err != nil {
			return false, schemaErr(err)
		}
		for _, name := range names {
			found, err := it.slotContains(n, name)
			if err != nil || found {
				return found, err
			}
			required, err := it.tree.IsRequired(n, name)
			if err != nil {
				return false, schemaErr(err)
			}
			if required {
				break
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("%w: unknown node %d", ErrSchemaConsistency, n)
	}
}

// slotContains checks the first repetition of a slot: the realized one when
// it exists, the slot's schema otherwise. Nothing is created.
func (it *Iterator) slotContains(g NodeID, name string) (bool, error) {
	reps, err := it.tree.All(g, name)
	if err != nil {
		return false, schemaErr(err)
	}
	if len(reps) > 0 {
		return it.contains(reps[0])
	}
	def, err := it.tree.Definition(g, name)
	if err != nil {
		return false, schemaErr(err)
	}
	return it.definitionContains(def), nil
}

func (it *Iterator) definitionContains(def *Definition) bool {
	if !def.Group {
		return def.StructureName() == it.direction
	}
	for _, c := range def.Children {
		if it.definitionContains(c) {
			return true
		}
		if c.Required {
			break
		}
	}
	return false
}

func (it *Iterator) newSegment(g NodeID) error {
	name, err := it.tree.AddNonstandardSegment(g, it.direction)
	if err != nil {
		return schemaErr(err)
	}
	it.logger.Info().
		Str("segment", it.direction).
		Str("slot", name).
		Str("group", it.tree.Name(g)).
		Msg("creating non-standard segment")
	it.next = &Position{Parent: g, Index: Index{Name: name}}
	return nil
}

// indexOf locates child among the repetitions of the slots of parent whose
// names start with the child's structure name.
func (it *Iterator) indexOf(parent, child NodeID) (Index, error) {
	names, err := it.tree.Names(parent)
	if err != nil {
		return Index{}, schemaErr(err)
	}
	childName := it.tree.Name(child)
	for _, name := range names {
		if !strings.HasPrefix(name, childName) {
			continue
		}
		reps, err := it.tree.All(parent, name)
		if err != nil {
			return Index{}, schemaErr(err)
		}
		for rep, r := range reps {
			if r == child {
				return Index{Name: name, Rep: rep}, nil
			}
		}
	}
	return Index{}, fmt.Errorf("%w: %s not found in %s", ErrSchemaConsistency, childName, it.tree.Name(parent))
}

func slotIndex(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}

// stepped turns the error of a step that sets the next position into a
// HasNext result.
func stepped(err error) (bool, error) {
	return err == nil, err
}

func schemaErr(err error) error {
	return fmt.Errorf("%w: %w", ErrSchemaConsistency, err)
}
