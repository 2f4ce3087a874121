package jsonpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func doc() map[string]any {
	return map[string]any{
		"status": "ok",
		"user": map[string]any{
			"id":   float64(42),
			"name": "alice",
		},
		"items": []any{
			map[string]any{"id": float64(1), "label": "a"},
			map[string]any{"id": float64(2), "label": "b"},
		},
		"tags": []any{"x", "y", "z"},
	}
}

func TestExtractRoot(t *testing.T) {
	assert.Equal(t, doc()["status"], Extract("$.status", doc()))
}

func TestExtractNested(t *testing.T) {
	assert.Equal(t, "alice", Extract("$.user.name", doc()))
}

func TestExtractIndex(t *testing.T) {
	assert.Equal(t, "y", Extract("$.tags[1]", doc()))
}

func TestExtractNegativeIndex(t *testing.T) {
	assert.Equal(t, "z", Extract("$.tags[-1]", doc()))
}

func TestExtractFilter(t *testing.T) {
	got := Extract(`$.items[id=2]`, doc())
	m, ok := got.(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, "b", m["label"])
}

func TestExtractFilterStringLiteral(t *testing.T) {
	got := Extract(`$.items[label="a"]`, doc())
	m, ok := got.(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, float64(1), m["id"])
}

func TestExtractFilterNestedKey(t *testing.T) {
	d := map[string]any{
		"items": []any{
			map[string]any{"meta": map[string]any{"id": float64(1)}, "label": "a"},
			map[string]any{"meta": map[string]any{"id": float64(2)}, "label": "b"},
		},
	}
	got := Extract(`$.items[meta.id=2]`, d)
	m, ok := got.(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, "b", m["label"])
}

func TestExtractMissing(t *testing.T) {
	got := Extract("$.nope.nested", doc())
	assert.True(t, IsMissing(got))
}

func TestExtractMissingDistinctFromNull(t *testing.T) {
	d := map[string]any{"val": nil}
	got := Extract("$.val", d)
	assert.False(t, IsMissing(got))
	assert.Nil(t, got)
}

func TestResolveBarePathReturnsTypedValue(t *testing.T) {
	got := Resolve("$.user", doc())
	m, ok := got.(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, "alice", m["name"])
}

func TestResolveTemplateStringifiesScalars(t *testing.T) {
	got := Resolve("user is {{ $.user.name }}", doc())
	assert.Equal(t, "user is alice", got)
}

func TestResolveTemplateMissingLeavesExpressionVerbatim(t *testing.T) {
	got := Resolve("value: [{{ $.nope }}]", doc())
	assert.Equal(t, "value: [{{ $.nope }}]", got)
}

func TestResolveTemplateJSONStringifiesMaps(t *testing.T) {
	got := Resolve("{{ $.user }}", doc()).(string)
	assert.Contains(t, got, `"name":"alice"`)
}

func TestResolveRecursesTree(t *testing.T) {
	tree := map[string]any{
		"a": "{{ $.status }}",
		"b": []any{"$.user.id"},
	}
	got := Resolve(tree, doc()).(map[string]any)
	assert.Equal(t, "ok", got["a"])
	list := got["b"].([]any)
	assert.Equal(t, float64(42), list[0])
}
