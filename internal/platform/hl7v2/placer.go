package hl7v2

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7struct/internal/platform/hl7v2/schema"
	"github.com/ehr/hl7struct/internal/platform/hl7v2/structure"
)

// PlaceResult is a message placed into its structure tree.
type PlaceResult struct {
	Message   *Message
	Structure string
	Tree      *structure.Message

	// Unplaced lists segments that had no place in the structure. Only
	// possible when non-standard segments are not allowed.
	Unplaced []string

	// Nonstandard lists segments that were placed in slots added at runtime.
	Nonstandard []string
}

// Complete reports whether every segment was placed.
func (r *PlaceResult) Complete() bool {
	return len(r.Unplaced) == 0
}

// Placer places the segments of flat messages into structure trees resolved
// through a schema Registry. A Placer is safe for concurrent use; each Place
// call builds its own tree and iterator.
type Placer struct {
	registry         *schema.Registry
	allowNonstandard bool
	logger           zerolog.Logger
}

// NewPlacer creates a Placer. With allowNonstandard, segments the structure
// has no slot for are added as non-standard segments; without it they are
// reported in PlaceResult.Unplaced.
func NewPlacer(registry *schema.Registry, allowNonstandard bool, logger zerolog.Logger) *Placer {
	return &Placer{
		registry:         registry,
		allowNonstandard: allowNonstandard,
		logger:           logger,
	}
}

// Strict returns a copy of p that does not add non-standard segments.
func (p *Placer) Strict() *Placer {
	cp := *p
	cp.allowNonstandard = false
	return &cp
}

// Registry returns the schema registry the Placer resolves structures with.
func (p *Placer) Registry() *schema.Registry {
	return p.registry
}

// Place resolves the structure of msg from MSH-9 and walks its segments into
// a new tree. Message types without a registered structure are placed into
// the generic structure.
func (p *Placer) Place(msg *Message) (*PlaceResult, error) {
	def, err := p.registry.Resolve(msg.typeKey())
	if errors.Is(err, schema.ErrUnknownStructure) {
		p.logger.Warn().Str("type", msg.Type).Msg("unknown message structure, using generic")
		def, err = p.registry.Lookup(schema.Generic)
	}
	if err != nil {
		return nil, fmt.Errorf("hl7v2: resolve structure: %w", err)
	}

	tree, err := structure.NewMessage(def)
	if err != nil {
		return nil, fmt.Errorf("hl7v2: %w", err)
	}

	res := &PlaceResult{Message: msg, Structure: def.Name, Tree: tree}
	logger := p.logger.With().Str("control_id", msg.ControlID).Str("structure", def.Name).Logger()
	it := structure.NewIterator(tree, tree.Root(), "MSH", p.allowNonstandard, structure.WithLogger(logger))

	for i := range msg.Segments {
		seg := &msg.Segments[i]
		from := it.Current()
		node, placed, err := placeSegment(it, tree, seg.Name)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: place segment %d (%s): %w", i+1, seg.Name, err)
		}
		if !placed {
			logger.Debug().Str("segment", seg.Name).Int("index", i+1).Msg("segment has no place in structure")
			res.Unplaced = append(res.Unplaced, seg.Name)
			// the search ran off the end of the message; resume from where it began
			it = structure.NewIterator(tree, from, seg.Name, p.allowNonstandard, structure.WithLogger(logger))
			continue
		}
		if err := tree.SetFields(node, seg.Values()); err != nil {
			return nil, fmt.Errorf("hl7v2: %w", err)
		}
		if parent, ok := tree.Parent(node); ok && isNonstandard(tree, parent, node) {
			res.Nonstandard = append(res.Nonstandard, seg.Name)
		}
	}
	return res, nil
}

// placeSegment points it at name and advances to the next segment node of
// that name, entering groups and skipping other slots on the way.
func placeSegment(it *structure.Iterator, tree *structure.Message, name string) (structure.NodeID, bool, error) {
	it.SetDirection(name)
	for {
		ok, err := it.HasNext()
		if err != nil || !ok {
			return structure.NoNode, false, err
		}
		n, err := it.Next()
		if err != nil {
			return structure.NoNode, false, err
		}
		if tree.Kind(n) == structure.KindSegment && tree.Name(n) == name {
			return n, true, nil
		}
	}
}

func isNonstandard(tree *structure.Message, parent, node structure.NodeID) bool {
	names, err := tree.Names(parent)
	if err != nil {
		return false
	}
	for _, name := range names {
		if !tree.IsNonstandard(parent, name) {
			continue
		}
		reps, _ := tree.All(parent, name)
		for _, r := range reps {
			if r == node {
				return true
			}
		}
	}
	return false
}
