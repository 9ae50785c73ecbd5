package structure

import "fmt"

// Index identifies one repetition of a named slot within a group.
type Index struct {
	Name string
	Rep  int
}

func (i Index) String() string {
	return fmt.Sprintf("%s(%d)", i.Name, i.Rep)
}

// Position identifies a location in a message tree: the Index-th repetition
// of a slot under Parent. Positions are transient; they are recomputed on
// every traversal step.
type Position struct {
	Parent NodeID
	Index  Index
}

func (p Position) String() string {
	return fmt.Sprintf("#%d:%s", p.Parent, p.Index)
}
