package workflow

import (
	"github.com/stratix/stratix-go/workflow/store"
)

// knownNodeTypes are the node types the engine can dispatch.
var knownNodeTypes = map[store.NodeType]bool{
	store.NodeSimple:     true,
	store.NodeTask:       true,
	store.NodeParallel:   true,
	store.NodeLoop:       true,
	store.NodeSubprocess: true,
}

// ValidateDefinition checks a definition's structural integrity before it
// is persisted: unique node IDs, known node types, resolvable dependency
// references, an acyclic dependency graph, and compilable conditions.
// Executor names are checked against reg when it is non-nil.
func ValidateDefinition(def *store.Definition, reg *Registry) error {
	if def.Name == "" {
		return NewError(KindValidation, "definition name cannot be empty")
	}
	if def.Version < 1 {
		return NewError(KindValidation, "definition version must be >= 1")
	}
	if len(def.Nodes) == 0 {
		return NewError(KindValidation, "definition must have at least one node")
	}

	cond := NewConditionEvaluator()
	seen := map[string]bool{}
	for i := range def.Nodes {
		if err := validateNode(&def.Nodes[i], seen, cond, reg); err != nil {
			return err
		}
	}

	// Dependency references resolve against top-level siblings only.
	for _, n := range def.Nodes {
		for _, dep := range n.DependsOn {
			if !seen[dep] {
				return Errorf(KindValidation, "node %q depends on unknown node %q", n.NodeID, dep).WithCode("unknown_dependency")
			}
		}
	}
	if err := checkAcyclic(def.Nodes); err != nil {
		return err
	}
	return nil
}

func validateNode(n *store.NodeDefinition, seen map[string]bool, cond *ConditionEvaluator, reg *Registry) error {
	if n.NodeID == "" {
		return NewError(KindValidation, "node id cannot be empty")
	}
	if seen[n.NodeID] {
		return Errorf(KindValidation, "duplicate node id %q", n.NodeID).WithCode("duplicate_node")
	}
	seen[n.NodeID] = true

	if !knownNodeTypes[n.NodeType] {
		return Errorf(KindValidation, "node %q has unknown type %q", n.NodeID, n.NodeType).WithCode("unknown_node_type")
	}
	if err := cond.Validate(n.Condition); err != nil {
		return Errorf(KindValidation, "node %q: %v", n.NodeID, err).WithCode("condition_syntax")
	}
	for k, v := range n.InputData {
		if s, ok := v.(string); ok {
			if err := ValidateTemplateExpression(s); err != nil {
				return Errorf(KindValidation, "node %q input %q: %v", n.NodeID, k, err).WithCode("template_syntax")
			}
		}
	}

	switch n.NodeType {
	case store.NodeSimple, store.NodeTask:
		if n.Executor == "" {
			return Errorf(KindValidation, "node %q needs an executor", n.NodeID).WithCode("missing_executor")
		}
		if reg != nil && !reg.Has(n.Executor) {
			return Errorf(KindValidation, "node %q references unregistered executor %q", n.NodeID, n.Executor).WithCode("executor_unknown")
		}
	case store.NodeParallel:
		if len(n.Children) == 0 {
			return Errorf(KindValidation, "parallel node %q needs children", n.NodeID).WithCode("missing_children")
		}
	case store.NodeLoop:
		if n.LoopCount <= 0 && n.SourceExpression == "" {
			return Errorf(KindValidation, "loop node %q needs loopCount or sourceExpression", n.NodeID).WithCode("missing_loop_source")
		}
		if len(n.Children) == 0 && n.Executor == "" {
			return Errorf(KindValidation, "loop node %q needs a body", n.NodeID).WithCode("missing_children")
		}
	case store.NodeSubprocess:
		if n.SubWorkflowName == "" {
			return Errorf(KindValidation, "subprocess node %q needs subWorkflowName", n.NodeID).WithCode("missing_subworkflow")
		}
	}

	// Children validate recursively with their own sibling namespace.
	childSeen := map[string]bool{}
	for i := range n.Children {
		if err := validateNode(&n.Children[i], childSeen, cond, reg); err != nil {
			return err
		}
	}
	return nil
}

// checkAcyclic rejects dependency cycles via three-color DFS.
func checkAcyclic(nodes []store.NodeDefinition) error {
	deps := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		deps[n.NodeID] = n.DependsOn
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return Errorf(KindValidation, "dependency cycle through node %q", id).WithCode("dependency_cycle")
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	for _, n := range nodes {
		if err := visit(n.NodeID); err != nil {
			return err
		}
	}
	return nil
}

// ValidateInputs checks provided instance inputs against the definition's
// declarations and returns the effective input map with defaults applied.
func ValidateInputs(def *store.Definition, inputs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		out[k] = v
	}
	for _, decl := range def.Inputs {
		val, present := out[decl.Name]
		if !present {
			if decl.Default != nil {
				out[decl.Name] = decl.Default
				continue
			}
			if decl.Required {
				return nil, Errorf(KindValidation, "required input %q missing", decl.Name).WithCode("input_missing")
			}
			continue
		}
		if decl.Type != "" && !typeMatches(decl.Type, val) {
			return nil, Errorf(KindValidation, "input %q: expected %s, got %T", decl.Name, decl.Type, val).WithCode("input_type")
		}
		if decl.Validation != "" {
			ok, err := NewConditionEvaluator().Evaluate(decl.Validation, map[string]any{"value": val})
			if err != nil {
				return nil, Errorf(KindValidation, "input %q validation: %v", decl.Name, err).WithCode("input_validation")
			}
			if !ok {
				return nil, Errorf(KindValidation, "input %q failed validation %q", decl.Name, decl.Validation).WithCode("input_validation")
			}
		}
	}
	return out, nil
}

func typeMatches(declared string, val any) bool {
	switch declared {
	case "string":
		_, ok := val.(string)
		return ok
	case "number":
		switch val.(type) {
		case float64, float32, int, int64, int32:
			return true
		}
		return false
	case "boolean":
		_, ok := val.(bool)
		return ok
	case "array":
		_, ok := val.([]any)
		return ok
	case "object":
		_, ok := val.(map[string]any)
		return ok
	default:
		return true
	}
}

// ExtractOutputs evaluates the definition's output declarations against
// the final context bag. Missing sources resolve to nil rather than
// failing a completed workflow.
func ExtractOutputs(def *store.Definition, contextData map[string]any) map[string]any {
	if len(def.Outputs) == 0 {
		return nil
	}
	resolver := NewTemplateResolver(false)
	out := make(map[string]any, len(def.Outputs))
	for _, decl := range def.Outputs {
		val, missing, err := resolver.Resolve(decl.Source, contextData)
		if err != nil || len(missing) > 0 {
			out[decl.Name] = nil
			continue
		}
		out[decl.Name] = val
	}
	return out
}
