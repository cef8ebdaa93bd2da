package schema

import "time"

// builtinSchemas returns the genesis schema set: task_v1 (simple reward
// task), task_v2 (auction-capable task), and proposal_v1.
func builtinSchemas() []*Document {
	genesis := time.Unix(0, 0).UTC()
	zero := 0.0

	taskCore := map[string]*Field{
		"title":       {Type: TypeString, Required: true, MaxLength: intPtr(200)},
		"description": {Type: TypeString, Default: ""},
		"reward":      {Type: TypeInteger, Required: true, Min: &zero},
		"tags":        {Type: TypeList, Default: []any{}},
	}

	taskV1Fields := cloneFieldMap(taskCore)

	taskV2Fields := cloneFieldMap(taskCore)
	taskV2Fields["required_tools"] = &Field{Type: TypeList, Default: []any{}}
	taskV2Fields["auction"] = &Field{
		Type: TypeObject,
		Fields: map[string]*Field{
			"enabled":            {Type: TypeBoolean, Default: false},
			"deadline_seconds":   {Type: TypeInteger, Default: float64(3600), Min: &zero},
			"cost_weight":        {Type: TypeInteger, Default: float64(40), Min: &zero},
			"reputation_weight":  {Type: TypeInteger, Default: float64(40), Min: &zero},
			"time_weight":        {Type: TypeInteger, Default: float64(20), Min: &zero},
		},
	}

	proposalV1Fields := map[string]*Field{
		"title":       {Type: TypeString, Required: true, MaxLength: intPtr(200)},
		"description": {Type: TypeString, Default: ""},
		"proposal_type": {
			Type:     TypeEnum,
			Required: true,
			Values:   []string{"generic", "config_change", "network_operation", "command", "code_upgrade"},
		},
		"params": {Type: TypeObject, Default: map[string]any{}},
		"tags":   {Type: TypeList, Default: []any{}},
	}

	return []*Document{
		{
			SchemaName:  "task_v1",
			Version:     1,
			Description: "simple reward task, no auction support",
			Fields:      taskV1Fields,
			CreatedAt:   genesis,
			UpdatedAt:   genesis,
		},
		{
			SchemaName:  "task_v2",
			Version:     1,
			Description: "auction-capable task with required tool declarations",
			Fields:      taskV2Fields,
			CreatedAt:   genesis,
			UpdatedAt:   genesis,
		},
		{
			SchemaName:  "proposal_v1",
			Version:     1,
			Description: "governance proposal",
			Fields:      proposalV1Fields,
			CreatedAt:   genesis,
			UpdatedAt:   genesis,
		},
	}
}

func cloneFieldMap(m map[string]*Field) map[string]*Field {
	out := make(map[string]*Field, len(m))
	for k, v := range m {
		clone := *v
		out[k] = &clone
	}
	return out
}

func intPtr(n int) *int { return &n }
