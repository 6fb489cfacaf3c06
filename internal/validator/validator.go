// Package validator runs the seven semantic checks against a
// candidate Workflow and produces an agent-consumable error report.
//
// Validation is best-effort degradable: when the registry has never
// loaded, only the structural prechecks run and the result reports
// ValidatedAgainstRegistry=false. Checks never panic; a malformed
// node aborts that node's remaining checks but validation continues
// with its siblings.
package validator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/comfy-pilot/control-plane/pkg/models"
)

// Registry is the subset of internal/registry.Registry the validator
// depends on, kept narrow so tests can supply a fake.
type Registry interface {
	IsLoaded() bool
	GetOperator(className string) (models.OperatorDefinition, bool)
	GetOutputType(className string, slot int) (string, bool)
	GetInputType(className, inputName string) (semanticType string, required bool, ok bool)
	SuggestSimilar(name string) []string
}

// Validator evaluates workflows against a Registry.
type Validator struct {
	registry Registry
}

// New creates a Validator backed by the given Registry.
func New(r Registry) *Validator {
	return &Validator{registry: r}
}

// structural/passthrough semantic types that never trigger a
// type_mismatch warning regardless of what they are paired against.
var passthroughTypes = map[string]bool{
	"UNKNOWN": true,
	"*":       true,
}

// Validate runs all checks over raw and returns a ValidationResult
// whose Issues are in the exact order the checks produced them.
func (v *Validator) Validate(raw models.RawWorkflow) models.ValidationResult {
	result := models.ValidationResult{NodeCount: len(raw)}

	if len(raw) == 0 {
		result.Issues = append(result.Issues, models.ValidationIssue{
			CheckID: "empty_workflow", Message: "workflow has no nodes", Severity: models.SeverityError,
		})
		return result
	}

	registryLoaded := v.registry != nil && v.registry.IsLoaded()
	result.ValidatedAgainstRegistry = registryLoaded

	nodeIDs := make([]string, 0, len(raw))
	for nodeID := range raw {
		nodeIDs = append(nodeIDs, nodeID)
	}
	sort.Strings(nodeIDs)

	wf := make(models.Workflow, len(raw))
	for _, nodeID := range nodeIDs {
		entry := raw[nodeID]
		obj, ok := entry.(map[string]interface{})
		if !ok {
			result.Issues = append(result.Issues, models.ValidationIssue{
				CheckID: "invalid_structure", NodeID: nodeID,
				Message: fmt.Sprintf("node %s is not an object", nodeID), Severity: models.SeverityError,
			})
			continue
		}

		classType, _ := obj["class_type"].(string)
		if classType == "" {
			result.Issues = append(result.Issues, models.ValidationIssue{
				CheckID: "missing_class_type", NodeID: nodeID,
				Message: fmt.Sprintf("node %s is missing class_type", nodeID), Severity: models.SeverityError,
			})
			continue
		}

		inputsRaw, hasInputs := obj["inputs"]
		if !hasInputs {
			result.Issues = append(result.Issues, models.ValidationIssue{
				CheckID: "missing_inputs", NodeID: nodeID,
				Message: fmt.Sprintf("node %s is missing inputs", nodeID), Severity: models.SeverityError,
			})
			continue
		}
		inputs, _ := inputsRaw.(map[string]interface{})

		wf[nodeID] = models.Node{ClassType: classType, Inputs: inputs}
	}

	if !registryLoaded {
		return result
	}

	for _, nodeID := range nodeIDs {
		node, ok := wf[nodeID]
		if !ok {
			continue // nodeID belonged to a node that failed a structural precheck above
		}
		v.validateAgainstRegistry(wf, nodeID, node, &result)
	}

	return result
}

func (v *Validator) validateAgainstRegistry(wf models.Workflow, nodeID string, node models.Node, result *models.ValidationResult) {
	op, exists := v.registry.GetOperator(node.ClassType)
	if !exists {
		issue := models.ValidationIssue{
			CheckID: "node_not_found", NodeID: nodeID,
			Message:  fmt.Sprintf("unknown operator %q", node.ClassType),
			Severity: models.SeverityError,
		}
		if suggestions := v.registry.SuggestSimilar(node.ClassType); len(suggestions) > 0 {
			issue.Suggestion = fmt.Sprintf("did you mean %s?", strings.Join(suggestions, ", "))
		}
		result.Issues = append(result.Issues, issue)
		return
	}

	requiredNames := make([]string, 0, len(op.RequiredInputs))
	for name := range op.RequiredInputs {
		requiredNames = append(requiredNames, name)
	}
	sort.Strings(requiredNames)

	for _, name := range requiredNames {
		if _, present := node.Inputs[name]; !present {
			result.Issues = append(result.Issues, models.ValidationIssue{
				CheckID: "required_input_missing", NodeID: nodeID,
				Message:  fmt.Sprintf("node %s (%s) is missing required input %q", nodeID, node.ClassType, name),
				Severity: models.SeverityError,
			})
		}
	}

	inputNames := make([]string, 0, len(node.Inputs))
	for inputName := range node.Inputs {
		inputNames = append(inputNames, inputName)
	}
	sort.Strings(inputNames)

	for _, inputName := range inputNames {
		rawVal := node.Inputs[inputName]
		link, isLink := asLink(rawVal)
		if !isLink {
			v.checkLiteral(nodeID, inputName, rawVal, op, result)
			continue
		}

		srcNode, srcExists := wf[link.SourceNodeID]
		if !srcExists {
			result.Issues = append(result.Issues, models.ValidationIssue{
				CheckID: "link_invalid", NodeID: nodeID,
				Message:  fmt.Sprintf("node %s input %q references missing node %q", nodeID, inputName, link.SourceNodeID),
				Severity: models.SeverityError,
			})
			continue
		}

		srcOp, srcExistsInRegistry := v.registry.GetOperator(srcNode.ClassType)
		if !srcExistsInRegistry {
			// node_not_found was already reported when the source node
			// itself was visited; nothing further to check here.
			continue
		}
		if link.OutputSlot < 0 || link.OutputSlot >= len(srcOp.OutputTypes) {
			result.Issues = append(result.Issues, models.ValidationIssue{
				CheckID: "output_slot_out_of_range", NodeID: nodeID,
				Message:  fmt.Sprintf("node %s input %q references out-of-range slot %d on node %q", nodeID, inputName, link.OutputSlot, link.SourceNodeID),
				Severity: models.SeverityError,
			})
			continue
		}

		consumerType, _, hasConsumerType := v.registry.GetInputType(node.ClassType, inputName)
		if !hasConsumerType {
			continue
		}
		sourceType := srcOp.OutputTypes[link.OutputSlot]
		if sourceType != consumerType && !passthroughTypes[sourceType] && !passthroughTypes[consumerType] {
			result.Issues = append(result.Issues, models.ValidationIssue{
				CheckID: "type_mismatch", NodeID: nodeID,
				Message:  fmt.Sprintf("node %s input %q expects %s but node %q slot %d produces %s", nodeID, inputName, consumerType, link.SourceNodeID, link.OutputSlot, sourceType),
				Severity: models.SeverityWarning,
			})
		}
	}
}

func (v *Validator) checkLiteral(nodeID, inputName string, raw interface{}, op models.OperatorDefinition, result *models.ValidationResult) {
	def, hasDef := op.RequiredInputs[inputName]
	if !hasDef {
		def, hasDef = op.OptionalInputs[inputName]
	}
	if !hasDef {
		return
	}

	if num, ok := asNumber(raw); ok {
		if def.MinVal != nil && num < *def.MinVal {
			result.Issues = append(result.Issues, models.ValidationIssue{
				CheckID: "value_out_of_range", NodeID: nodeID,
				Message:  fmt.Sprintf("node %s input %q value %v is below minimum %v", nodeID, inputName, num, *def.MinVal),
				Severity: models.SeverityError,
			})
			return
		}
		if def.MaxVal != nil && num > *def.MaxVal {
			result.Issues = append(result.Issues, models.ValidationIssue{
				CheckID: "value_out_of_range", NodeID: nodeID,
				Message:  fmt.Sprintf("node %s input %q value %v exceeds maximum %v", nodeID, inputName, num, *def.MaxVal),
				Severity: models.SeverityError,
			})
			return
		}
	}

	if def.SemanticType == "COMBO" && len(def.Options) > 0 {
		if s, ok := raw.(string); ok {
			if !contains(def.Options, s) {
				result.Issues = append(result.Issues, models.ValidationIssue{
					CheckID: "invalid_combo_value", NodeID: nodeID,
					Message:  fmt.Sprintf("node %s input %q value %q is not one of the known options", nodeID, inputName, s),
					Severity: models.SeverityWarning,
				})
			}
		}
	}
}

// asLink recognizes the [source_node_id, output_slot] wire shape,
// which JSON decodes as a two-element []interface{}.
func asLink(raw interface{}) (models.Link, bool) {
	seq, ok := raw.([]interface{})
	if !ok || len(seq) != 2 {
		return models.Link{}, false
	}
	src, ok := seq[0].(string)
	if !ok {
		return models.Link{}, false
	}
	slot, ok := asNumber(seq[1])
	if !ok {
		return models.Link{}, false
	}
	return models.Link{SourceNodeID: src, OutputSlot: int(slot)}, true
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func contains(options []string, s string) bool {
	for _, o := range options {
		if o == s {
			return true
		}
	}
	return false
}

// FormatForAgent renders a ValidationResult as a deterministic text
// block meant to be re-fed to the model as a correction prompt.
func FormatForAgent(result models.ValidationResult) string {
	errs := result.Errors()
	warns := result.Warnings()

	if len(errs) == 0 && len(warns) == 0 {
		return "PASSED"
	}

	var b strings.Builder
	if len(errs) > 0 {
		fmt.Fprintf(&b, "VALIDATION ERRORS (%d error%s)\n", len(errs), plural(len(errs)))
		for _, e := range errs {
			fmt.Fprintf(&b, "- %s", e.Message)
			if e.Suggestion != "" {
				fmt.Fprintf(&b, " (%s)", e.Suggestion)
			}
			b.WriteByte('\n')
		}
	}

	if len(warns) > 0 {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "WARNINGS (%d)\n", len(warns))
		for _, w := range warns {
			fmt.Fprintf(&b, "- %s", w.Message)
			if w.Suggestion != "" {
				fmt.Fprintf(&b, " (%s)", w.Suggestion)
			}
			b.WriteByte('\n')
		}
	}

	if len(errs) > 0 {
		b.WriteString("\nFix ALL errors before returning the workflow again.\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
