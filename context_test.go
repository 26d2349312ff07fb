package durex

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextSetGetRoundTrip(t *testing.T) {
	c, err := newContextFromJSON(nil)
	require.NoError(t, err)

	require.NoError(t, c.Set("amount", 42.5))
	require.NoError(t, c.Set("name", "alice"))
	require.NoError(t, c.Set("ok", true))
	require.NoError(t, c.Set("tags", []any{"a", "b"}))
	require.NoError(t, c.Set("nested", map[string]any{"x": 1.0}))

	assert.Equal(t, 42.5, c.Get("amount"))
	assert.Equal(t, "alice", c.Get("name"))
	assert.Equal(t, true, c.Get("ok"))
	assert.True(t, c.Dirty())
}

func TestContextDeepCopyDoesNotAliasInput(t *testing.T) {
	c, err := newContextFromJSON(nil)
	require.NoError(t, err)

	original := map[string]any{"k": "v"}
	require.NoError(t, c.Set("m", original))
	original["k"] = "mutated"

	stored := c.Get("m").(map[string]any)
	assert.Equal(t, "v", stored["k"])
}

func TestContextRejectsOversizedString(t *testing.T) {
	c, err := newContextFromJSON(nil)
	require.NoError(t, err)

	huge := strings.Repeat("x", maxContextStringBytes+1)
	err = c.Set("big", huge)
	assert.Error(t, err)
	var cv *ContextValidation
	assert.ErrorAs(t, err, &cv)
}

func TestContextRejectsUnsupportedType(t *testing.T) {
	c, err := newContextFromJSON(nil)
	require.NoError(t, err)

	err = c.Set("bad", make(chan int))
	assert.Error(t, err)
}

func TestContextSetOnceOnlyWritesFirstTime(t *testing.T) {
	c, err := newContextFromJSON(nil)
	require.NoError(t, err)

	wrote, err := c.SetOnce("k", "first")
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = c.SetOnce("k", "second")
	require.NoError(t, err)
	assert.False(t, wrote)
	assert.Equal(t, "first", c.Get("k"))
}

func TestContextFetchDoesNotPersistDefault(t *testing.T) {
	c, err := newContextFromJSON(nil)
	require.NoError(t, err)

	assert.Equal(t, "fallback", c.Fetch("missing", "fallback"))
	assert.False(t, c.Has("missing"))
}

func TestNewContextFromJSONDecodesExisting(t *testing.T) {
	c, err := newContextFromJSON([]byte(`{"a":1,"b":"two"}`))
	require.NoError(t, err)
	assert.Equal(t, float64(1), c.Get("a"))
	assert.Equal(t, "two", c.Get("b"))
	assert.False(t, c.Dirty())
}

func TestContextMarshalJSONRoundTrips(t *testing.T) {
	c, err := newContextFromJSON(nil)
	require.NoError(t, err)
	require.NoError(t, c.Set("a", 1.0))

	b, err := c.MarshalJSON()
	require.NoError(t, err)

	reloaded, err := newContextFromJSON(b)
	require.NoError(t, err)
	assert.Equal(t, 1.0, reloaded.Get("a"))
}
