package observer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_EmitInOrder(t *testing.T) {
	r := New[int]("test", nil)

	var got []string
	r.Add(func(v int) { got = append(got, "first") })
	r.Add(func(v int) { got = append(got, "second") })

	r.Emit(1)
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestRegistry_PanickingListenerIsIsolated(t *testing.T) {
	r := New[string]("test", nil)

	var after []string
	r.Add(func(v string) { panic("boom") })
	r.Add(func(v string) { after = append(after, v) })

	require.NotPanics(t, func() { r.Emit("x") })
	assert.Equal(t, []string{"x"}, after)
}

func TestRegistry_Remove(t *testing.T) {
	r := New[int]("test", nil)

	calls := 0
	remove := r.Add(func(int) { calls++ })
	r.Add(func(int) {})
	require.Equal(t, 2, r.Len())

	remove()
	remove()
	assert.Equal(t, 1, r.Len())

	r.Emit(0)
	assert.Equal(t, 0, calls)

	r.Clear()
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ListenerMayRemoveItself(t *testing.T) {
	r := New[int]("test", nil)

	calls := 0
	var remove func()
	remove = r.Add(func(int) {
		calls++
		remove()
	})

	r.Emit(1)
	r.Emit(2)
	assert.Equal(t, 1, calls)
}

func TestRegistry_NilListener(t *testing.T) {
	r := New[int]("test", nil)
	remove := r.Add(nil)
	remove()
	assert.Equal(t, 0, r.Len())
}
