package viewerbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchDeliversToAllViewers(t *testing.T) {
	bus := New()
	var got1, got2 []byte
	bus.Register(FuncViewer{Named: "a", Fn: func(b []byte) { got1 = b }})
	bus.Register(FuncViewer{Named: "b", Fn: func(b []byte) { got2 = b }})

	bus.Dispatch([]byte("packet"))

	assert.Equal(t, []byte("packet"), got1)
	assert.Equal(t, []byte("packet"), got2)
}

func TestRegisterReplacesSameName(t *testing.T) {
	bus := New()
	calls := 0
	bus.Register(FuncViewer{Named: "a", Fn: func([]byte) { calls++ }})
	bus.Register(FuncViewer{Named: "a", Fn: func([]byte) { calls += 10 }})

	bus.Dispatch([]byte("x"))

	assert.Equal(t, 10, calls)
}

func TestUnregisterRestoresAreAnyEnabled(t *testing.T) {
	bus := New()
	before := bus.AreAnyEnabled()
	require.False(t, before)

	v := FuncViewer{Named: "solo", Fn: func([]byte) {}}
	bus.Register(v)
	require.True(t, bus.AreAnyEnabled())

	bus.Unregister(v.Name())
	assert.Equal(t, before, bus.AreAnyEnabled())
}

func TestUnregisterAllClearsBus(t *testing.T) {
	bus := New()
	bus.Register(FuncViewer{Named: "a", Fn: func([]byte) {}})
	bus.Register(FuncViewer{Named: "b", Fn: func([]byte) {}})

	bus.UnregisterAll()

	assert.False(t, bus.AreAnyEnabled())
}

func TestDispatchSurvivesPanickingViewer(t *testing.T) {
	bus := New()
	delivered := false
	bus.Register(FuncViewer{Named: "bad", Fn: func([]byte) { panic("boom") }})
	bus.Register(FuncViewer{Named: "good", Fn: func([]byte) { delivered = true }})

	assert.NotPanics(t, func() { bus.Dispatch([]byte("x")) })
	assert.True(t, delivered)
}

func TestReEntrantRegisterDuringDispatch(t *testing.T) {
	bus := New()
	var secondCalled bool
	bus.Register(FuncViewer{Named: "first", Fn: func([]byte) {
		bus.Register(FuncViewer{Named: "second", Fn: func([]byte) { secondCalled = true }})
	}})

	bus.Dispatch([]byte("round1"))
	assert.False(t, secondCalled, "registration during dispatch must not affect in-progress dispatch")

	bus.Dispatch([]byte("round2"))
	assert.True(t, secondCalled, "registration during dispatch takes effect on next dispatch")
}
