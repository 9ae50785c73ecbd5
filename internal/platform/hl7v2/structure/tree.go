// Package structure models HL7 v2 message structures as trees of groups and
// segments and provides the Iterator that decides where each incoming
// segment belongs in such a tree.
package structure

import "errors"

// NodeID addresses a node inside a Message arena.
type NodeID int

// NoNode is returned wherever a node could not be produced.
const NoNode NodeID = -1

// Kind classifies a node as group or segment.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindGroup
	KindSegment
)

func (k Kind) String() string {
	switch k {
	case KindGroup:
		return "group"
	case KindSegment:
		return "segment"
	default:
		return "invalid"
	}
}

var (
	// ErrSchemaConsistency reports that the tree answered inconsistently,
	// for example a child that cannot be found under its own parent.
	ErrSchemaConsistency = errors.New("structure: schema consistency error")

	// ErrNoNext is returned by Iterator.Next when HasNext reports false.
	ErrNoNext = errors.New("structure: no next position")

	// ErrRemoveUnsupported is returned by Iterator.Remove.
	ErrRemoveUnsupported = errors.New("structure: cannot remove a node from a message")

	ErrUnknownNode = errors.New("structure: unknown node")
	ErrNotGroup    = errors.New("structure: node is not a group")
	ErrNotSegment  = errors.New("structure: node is not a segment")
	ErrUnknownSlot = errors.New("structure: unknown slot")
	ErrRepetition  = errors.New("structure: invalid repetition")
)

// Tree is the view of a schema-backed message tree that the Iterator walks.
//
// Group operations take the group node and a slot name. Get realizes the
// requested repetition if it is the next one to be created; the Iterator
// relies on that side effect.
type Tree interface {
	Kind(n NodeID) Kind
	Name(n NodeID) string
	Parent(n NodeID) (NodeID, bool)

	Names(g NodeID) ([]string, error)
	IsRepeating(g NodeID, name string) (bool, error)
	IsRequired(g NodeID, name string) (bool, error)
	Definition(g NodeID, name string) (*Definition, error)
	Get(g NodeID, name string, rep int) (NodeID, error)
	All(g NodeID, name string) ([]NodeID, error)
	AddNonstandardSegment(g NodeID, name string) (string, error)
}
