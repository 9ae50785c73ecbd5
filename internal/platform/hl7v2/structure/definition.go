package structure

// Definition describes one slot of a message structure. A slot holds either
// a segment (leaf) or a group of further slots. The root definition of a
// message is a group whose Name is the message structure (e.g. "ORU_R01").
//
// Definitions are immutable once built and may be shared by any number of
// Message trees.
type Definition struct {
	Name      string        // slot name, unique within the owning group (e.g. "PID2")
	Structure string        // segment structure name when it differs from Name (e.g. "PID")
	Group     bool          // true for groups, false for segments
	Repeating bool          // slot may hold more than one repetition
	Required  bool          // slot must be present in a conforming message
	Children  []*Definition // ordered child slots (groups only)
}

// StructureName returns the name a realized node of this slot carries.
// Segments report their segment name, groups report the slot name.
func (d *Definition) StructureName() string {
	if !d.Group && d.Structure != "" {
		return d.Structure
	}
	return d.Name
}

// Child returns the child slot definition with the given name, or nil.
func (d *Definition) Child(name string) *Definition {
	for _, c := range d.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}
