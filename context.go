package durex

import (
	"encoding/json"
	"fmt"
)

// maxContextStringBytes caps the size of any string value stored in the
// Context, so a runaway workflow body cannot grow the workflow row
// unboundedly.
const maxContextStringBytes = 64 * 1024

// Context is the typed, JSON-safe, dirty-tracked key/value bag attached to
// a running workflow. It is not safe for concurrent use: a workflow body
// is single-threaded by the Lock Manager's contract, and a Context is
// discarded at the end of each executor entry.
type Context struct {
	values map[string]any
	dirty  bool
}

// newContextFromJSON decodes a workflow's persisted context column into a
// fresh Context. An empty or null blob yields an empty bag.
func newContextFromJSON(raw json.RawMessage) (*Context, error) {
	c := &Context{values: map[string]any{}}
	if len(raw) == 0 {
		return c, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("durex: decode context: %w", err)
	}
	if m != nil {
		c.values = m
	}
	return c, nil
}

// validateValue enforces the allowed value types: string, integer, float,
// boolean, null, JSON object, JSON array. Go's json.Unmarshal into `any`
// only ever produces string/float64/bool/nil/map[string]any/[]any, so a
// round trip through deepCopy also serves as the type gate for anything
// that didn't come from json.Unmarshal itself (an int passed directly by
// the caller, for instance).
func validateValue(key string, v any) error {
	switch v.(type) {
	case nil, bool, string, float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		map[string]any, []any:
		if s, ok := v.(string); ok && len(s) > maxContextStringBytes {
			return &ContextValidation{Key: key, Reason: "string exceeds 64KiB limit"}
		}
		return nil
	default:
		return &ContextValidation{Key: key, Reason: fmt.Sprintf("unsupported value type %T", v)}
	}
}

// deepCopy round-trips v through JSON so the in-memory representation can
// never alias the caller's original value, and so the stored
// representation is guaranteed equal to the wire representation.
func deepCopy(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Set validates v's type and size, deep-copies it, stores it under key,
// and marks the Context dirty.
func (c *Context) Set(key string, v any) error {
	if err := validateValue(key, v); err != nil {
		return err
	}
	copied, err := deepCopy(v)
	if err != nil {
		return &ContextValidation{Key: key, Reason: err.Error()}
	}
	c.values[key] = copied
	c.dirty = true
	return nil
}

// SetOnce writes v under key only if key is not already present. It
// returns whether a write happened.
func (c *Context) SetOnce(key string, v any) (bool, error) {
	if _, exists := c.values[key]; exists {
		return false, nil
	}
	if err := c.Set(key, v); err != nil {
		return false, err
	}
	return true, nil
}

// Get returns the value stored under key, or nil if absent.
func (c *Context) Get(key string) any {
	return c.values[key]
}

// Fetch returns the value stored under key, or def if absent. Unlike Get,
// it never writes def into the bag.
func (c *Context) Fetch(key string, def any) any {
	if v, ok := c.values[key]; ok {
		return v
	}
	return def
}

// Has reports whether key is present.
func (c *Context) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

// Dirty reports whether any Set/SetOnce call has happened since the
// Context was loaded. Only the Driver's save path clears it, via
// clearDirty after a successful persist.
func (c *Context) Dirty() bool {
	return c.dirty
}

// MarshalJSON serializes the whole bag, for persistence and for the
// Execution Tracker's context snapshot on error.
func (c *Context) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.values)
}

func (c *Context) clearDirty() {
	c.dirty = false
}
