package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(ctx *Context) (any, error) { return nil, nil }

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&Function{Name: "automation-run", Event: "automation/run", Handler: noopHandler}))
	require.NoError(t, r.Register(&Function{Name: "fiche-fetch", Event: "fiche/fetch", Handler: noopHandler}))

	fn, ok := r.Get("automation-run")
	require.True(t, ok)
	assert.Equal(t, "automation/run", fn.Event)

	_, ok = r.Get("missing")
	assert.False(t, ok)

	assert.Len(t, r.ForEvent("fiche/fetch"), 1)
	assert.Empty(t, r.ForEvent("fiche/transcribe"))
	assert.Len(t, r.Functions(), 2)
}

func TestRegistry_RegisterErrors(t *testing.T) {
	r := NewRegistry()

	assert.Error(t, r.Register(&Function{Handler: noopHandler}), "missing name")
	assert.Error(t, r.Register(&Function{Name: "no-handler"}), "missing handler")

	require.NoError(t, r.Register(&Function{Name: "dup", Handler: noopHandler}))
	assert.Error(t, r.Register(&Function{Name: "dup", Handler: noopHandler}), "duplicate name")
}

func TestRegistry_MultipleFunctionsPerEvent(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Function{Name: "a", Event: "shared/event", Handler: noopHandler}))
	require.NoError(t, r.Register(&Function{Name: "b", Event: "shared/event", Handler: noopHandler}))

	fns := r.ForEvent("shared/event")
	require.Len(t, fns, 2)
}

func TestFunction_MaxAttempts(t *testing.T) {
	assert.Equal(t, 1, (&Function{}).maxAttempts())
	assert.Equal(t, 4, (&Function{Retries: 3}).maxAttempts())
}
