package hl7v2

import (
	"strings"

	"github.com/ehr/hl7struct/internal/platform/hl7v2/structure"
)

// TreeNode is the JSON form of a placed structure. Only groups holding data
// and populated segments are included.
type TreeNode struct {
	Name        string     `json:"name"`
	Kind        string     `json:"kind"`
	Slot        string     `json:"slot,omitempty"`
	Rep         int        `json:"rep"`
	Nonstandard bool       `json:"nonstandard,omitempty"`
	Fields      []string   `json:"fields,omitempty"`
	Children    []TreeNode `json:"children,omitempty"`
}

// Segments returns the populated segments in structure order.
func (r *PlaceResult) Segments() []Segment {
	d := r.Message.delimiters()
	var out []Segment
	_ = r.Tree.Walk(func(_ structure.Position, n structure.NodeID, _ int) error {
		if r.Tree.Kind(n) == structure.KindSegment && r.Tree.Populated(n) {
			out = append(out, segmentFromValues(r.Tree.Name(n), r.Tree.Fields(n), d))
		}
		return nil
	})
	return out
}

// Encode serializes the placed message back to ER7 in structure order.
func (r *PlaceResult) Encode() []byte {
	segs := r.Segments()
	sep := r.Message.delimiters().field
	lines := make([]string, len(segs))
	for i, seg := range segs {
		lines[i] = serializeSegment(seg, sep)
	}
	return []byte(strings.Join(lines, "\r"))
}

// TreeJSON returns the placed structure rooted at the message node.
func (r *PlaceResult) TreeJSON() TreeNode {
	return buildTreeNode(r.Tree, r.Tree.Root(), "", 0, false)
}

func buildTreeNode(tree *structure.Message, n structure.NodeID, slot string, rep int, nonstandard bool) TreeNode {
	out := TreeNode{
		Name:        tree.Name(n),
		Kind:        tree.Kind(n).String(),
		Slot:        slot,
		Rep:         rep,
		Nonstandard: nonstandard,
	}
	if tree.Kind(n) == structure.KindSegment {
		out.Fields = tree.Fields(n)
		return out
	}

	names, _ := tree.Names(n)
	for _, name := range names {
		reps, _ := tree.All(n, name)
		for i, child := range reps {
			if !tree.Populated(child) {
				continue
			}
			out.Children = append(out.Children, buildTreeNode(tree, child, name, i, tree.IsNonstandard(n, name)))
		}
	}
	return out
}
