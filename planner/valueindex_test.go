package planner

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValueIndexProcessDef(t *testing.T) {
	vi := NewValueIndex()
	idx, err := vi.ProcessDef(arg("x", f32(2, 2)))
	require.NoError(t, err)
	require.Equal(t, 0, idx)

	idx2, err := vi.ProcessDef(arg("y", f32(2, 2)))
	require.NoError(t, err)
	require.Equal(t, 1, idx2)

	require.Equal(t, 2, vi.Len())
	require.Equal(t, "x", vi.Name(0))
}

func TestValueIndexDuplicateNameIsSSAViolation(t *testing.T) {
	vi := NewValueIndex()
	_, err := vi.ProcessDef(arg("x", f32(2, 2)))
	require.NoError(t, err)
	_, err = vi.ProcessDef(arg("x", f32(2, 2)))
	require.Error(t, err)
}

func TestValueIndexProcessDefRejectsUnnamed(t *testing.T) {
	vi := NewValueIndex()
	_, err := vi.ProcessDef(&NodeArg{})
	require.Error(t, err)
	_, err = vi.ProcessDef(nil)
	require.Error(t, err)
}

func TestValueIndexMustIndexPanicsOnUnknownName(t *testing.T) {
	vi := NewValueIndex()
	require.Panics(t, func() { vi.MustIndex("never-registered") })
}

func TestValueIndexIndexReportsFound(t *testing.T) {
	vi := NewValueIndex()
	_, err := vi.ProcessDef(arg("x", f32(2, 2)))
	require.NoError(t, err)

	idx, ok := vi.Index("x")
	require.True(t, ok)
	require.Equal(t, 0, idx)

	_, ok = vi.Index("missing")
	require.False(t, ok)
}
