package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidate_BuiltinTaskV1(t *testing.T) {
	r := NewRegistry()

	valid := map[string]any{
		"title":  "write docs",
		"reward": float64(10),
	}
	require.NoError(t, r.Validate(valid, "task_v1"))

	missingRequired := map[string]any{
		"description": "no title or reward",
	}
	require.Error(t, r.Validate(missingRequired, "task_v1"))

	wrongType := map[string]any{
		"title":  "x",
		"reward": "not a number",
	}
	require.Error(t, r.Validate(wrongType, "task_v1"))
}

func TestValidate_UnknownSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Validate(map[string]any{}, "no_such_schema")
	require.Error(t, err)
}

func TestValidate_Enum(t *testing.T) {
	r := NewRegistry()

	valid := map[string]any{
		"title":         "upgrade node",
		"proposal_type": "config_change",
	}
	require.NoError(t, r.Validate(valid, "proposal_v1"))

	invalidEnum := map[string]any{
		"title":         "bad",
		"proposal_type": "not_a_real_type",
	}
	require.Error(t, r.Validate(invalidEnum, "proposal_v1"))
}

func TestApplyDefaults_FillsMissingFields(t *testing.T) {
	r := NewRegistry()

	record := map[string]any{
		"title":  "do the thing",
		"reward": float64(5),
	}

	filled, err := r.ApplyDefaults(record, "task_v1")
	require.NoError(t, err)
	require.Equal(t, "", filled["description"])
	require.Equal(t, []any{}, filled["tags"])

	require.NotContains(t, record, "description", "ApplyDefaults must not mutate the input")
}

func TestApplyDefaults_Idempotent(t *testing.T) {
	r := NewRegistry()

	record := map[string]any{"title": "t", "reward": float64(1)}

	once, err := r.ApplyDefaults(record, "task_v1")
	require.NoError(t, err)

	twice, err := r.ApplyDefaults(once, "task_v1")
	require.NoError(t, err)

	require.Equal(t, once, twice)
}

func TestApplyDefaults_NestedObjectDefaults(t *testing.T) {
	r := NewRegistry()

	record := map[string]any{
		"title":  "auction task",
		"reward": float64(20),
		"auction": map[string]any{
			"enabled": true,
		},
	}

	filled, err := r.ApplyDefaults(record, "task_v2")
	require.NoError(t, err)

	auction, ok := filled["auction"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, auction["enabled"])
	require.Equal(t, float64(3600), auction["deadline_seconds"])
}

func TestPutReplacesSchema(t *testing.T) {
	r := NewRegistry()

	doc := &Document{
		SchemaName: "task_v1",
		Version:    2,
		Fields: map[string]*Field{
			"title": {Type: TypeString, Required: true},
		},
	}
	r.Put(doc)

	got, ok := r.Get("task_v1")
	require.True(t, ok)
	require.Equal(t, 2, got.Version)

	require.NoError(t, r.Validate(map[string]any{"title": "only title needed now"}, "task_v1"))
}
