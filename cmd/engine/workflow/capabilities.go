package workflow

import "sort"

// FieldSpec describes one config requirement in the capability manifest
type FieldSpec struct {
	Field      string   `json:"field,omitempty"`
	Rule       string   `json:"rule"`
	AnyOf      []string `json:"any_of,omitempty"`
	Allowed    []string `json:"allowed,omitempty"`
	WhenField  string   `json:"when_field,omitempty"`
	WhenEquals string   `json:"when_equals,omitempty"`
}

// NodeCapability describes one node type the engine can execute
type NodeCapability struct {
	Type       string      `json:"type"`
	SideEffect bool        `json:"side_effect"`
	Config     []FieldSpec `json:"config,omitempty"`
}

var ruleNames = map[ruleKind]string{
	ruleRequired:            "required",
	ruleRequiredAnyOf:       "required_any_of",
	ruleEnum:                "enum",
	ruleConditionalRequired: "conditional_required",
	ruleProviderAllowlist:   "provider_allowlist",
}

// Capabilities returns the manifest of supported node types and their
// config contracts, derived from the same table the validator enforces
func Capabilities(executors ExecutorSet) []NodeCapability {
	types := []string{
		NodeStart, NodeEnd, NodeFunction, NodeTransform,
		NodeTool, NodeHTTP, NodeAgent, NodeNotification,
	}

	var out []NodeCapability
	for _, t := range types {
		if executors != nil && !executors.Supports(t) {
			continue
		}
		cap := NodeCapability{Type: t, SideEffect: IsSideEffectType(t)}
		for _, rule := range nodeContracts[t] {
			spec := FieldSpec{
				Field:      rule.field,
				Rule:       ruleNames[rule.kind],
				AnyOf:      rule.anyOf,
				Allowed:    rule.allowed,
				WhenField:  rule.whenField,
				WhenEquals: rule.whenEquals,
			}
			if rule.kind == ruleProviderAllowlist {
				for p := range allowedProviders {
					spec.Allowed = append(spec.Allowed, p)
				}
				sort.Strings(spec.Allowed)
			}
			cap.Config = append(cap.Config, spec)
		}
		out = append(out, cap)
	}
	return out
}
