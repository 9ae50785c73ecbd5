package structure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage_RejectsSegmentRoot(t *testing.T) {
	_, err := NewMessage(&Definition{Name: "MSH"})
	assert.Error(t, err)

	_, err = NewMessage(&Definition{Name: "EMPTY", Group: true})
	assert.Error(t, err)
}

func TestMessage_GetCreatesLazily(t *testing.T) {
	m := newExample(t)
	assert.Equal(t, 1, m.Len())

	a, err := m.Get(m.Root(), "A", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())

	again, err := m.Get(m.Root(), "A", 0)
	require.NoError(t, err)
	assert.Equal(t, a, again)
	assert.Equal(t, 2, m.Len())
}

func TestMessage_GetRepetitionRules(t *testing.T) {
	m := newExample(t)

	_, err := m.Get(m.Root(), "A", 1)
	assert.ErrorIs(t, err, ErrRepetition, "skipping a repetition")

	_, err = m.Get(m.Root(), "A", 0)
	require.NoError(t, err)
	_, err = m.Get(m.Root(), "A", 1)
	assert.ErrorIs(t, err, ErrRepetition, "non-repeating slot")

	b0, err := m.Get(m.Root(), "B", 0)
	require.NoError(t, err)
	b1, err := m.Get(m.Root(), "B", 1)
	require.NoError(t, err)
	assert.NotEqual(t, b0, b1)

	all, err := m.All(m.Root(), "B")
	require.NoError(t, err)
	assert.Equal(t, []NodeID{b0, b1}, all)

	_, err = m.Get(m.Root(), "NOPE", 0)
	assert.ErrorIs(t, err, ErrUnknownSlot)

	_, err = m.Get(m.Root(), "A", -1)
	assert.ErrorIs(t, err, ErrRepetition)
}

func TestMessage_GroupOperationsOnSegment(t *testing.T) {
	m := newExample(t)
	a := mustGet(t, m, m.Root(), "A", 0)

	_, err := m.Names(a)
	assert.ErrorIs(t, err, ErrNotGroup)
	_, err = m.Names(NodeID(99))
	assert.ErrorIs(t, err, ErrUnknownNode)
	assert.Equal(t, KindInvalid, m.Kind(NodeID(99)))
}

func TestMessage_ParentAndNames(t *testing.T) {
	m := newExample(t)
	_, ok := m.Parent(m.Root())
	assert.False(t, ok)
	assert.Equal(t, "M", m.Name(m.Root()))
	assert.Equal(t, "M", m.StructureName())

	b0 := mustGet(t, m, m.Root(), "B", 0)
	parent, ok := m.Parent(b0)
	require.True(t, ok)
	assert.Equal(t, m.Root(), parent)

	names, err := m.Names(b0)
	require.NoError(t, err)
	assert.Equal(t, []string{"X"}, names)

	required, err := m.IsRequired(m.Root(), "A")
	require.NoError(t, err)
	assert.True(t, required)
	repeating, err := m.IsRepeating(m.Root(), "B")
	require.NoError(t, err)
	assert.True(t, repeating)
}

func TestMessage_AddNonstandardSegmentSuffixes(t *testing.T) {
	m := newExample(t)

	name, err := m.AddNonstandardSegment(m.Root(), "ZPI")
	require.NoError(t, err)
	assert.Equal(t, "ZPI", name)

	name, err = m.AddNonstandardSegment(m.Root(), "ZPI")
	require.NoError(t, err)
	assert.Equal(t, "ZPI2", name)

	name, err = m.AddNonstandardSegment(m.Root(), "A")
	require.NoError(t, err)
	assert.Equal(t, "A2", name)

	names, err := m.Names(m.Root())
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "ZPI", "ZPI2", "A2"}, names)

	def, err := m.Definition(m.Root(), "ZPI2")
	require.NoError(t, err)
	assert.Equal(t, "ZPI", def.StructureName())
	assert.True(t, def.Repeating)
	assert.False(t, def.Required)

	_, err = m.AddNonstandardSegment(m.Root(), "")
	assert.Error(t, err)
}

func TestMessage_FieldsAndPopulated(t *testing.T) {
	m := newExample(t)
	b0 := mustGet(t, m, m.Root(), "B", 0)
	x := mustGet(t, m, b0, "X", 0)

	assert.False(t, m.Populated(b0))
	assert.ErrorIs(t, m.SetFields(b0, []string{"1"}), ErrNotSegment)

	require.NoError(t, m.SetFields(x, []string{"1", "2"}))
	assert.Equal(t, []string{"1", "2"}, m.Fields(x))
	assert.True(t, m.Populated(x))
	assert.True(t, m.Populated(b0))
	assert.True(t, m.Populated(m.Root()))
}

func TestMessage_WalkOrder(t *testing.T) {
	m := newExample(t)
	b0 := mustGet(t, m, m.Root(), "B", 0)
	mustGet(t, m, b0, "X", 0)
	mustGet(t, m, m.Root(), "A", 0)
	mustGet(t, m, m.Root(), "C", 0)
	b1 := mustGet(t, m, m.Root(), "B", 1)
	mustGet(t, m, b1, "X", 0)

	var got []string
	var depths []int
	require.NoError(t, m.Walk(func(pos Position, n NodeID, depth int) error {
		got = append(got, pos.Index.String())
		depths = append(depths, depth)
		return nil
	}))
	assert.Equal(t, []string{"A(0)", "B(0)", "X(0)", "B(1)", "X(0)", "C(0)"}, got)
	assert.Equal(t, []int{1, 1, 2, 1, 2, 1}, depths)
}
