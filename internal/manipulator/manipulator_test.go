package manipulator_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/comfy-pilot/control-plane/internal/manipulator"
	"github.com/comfy-pilot/control-plane/pkg/models"
)

func TestNew_Empty(t *testing.T) {
	m := manipulator.New(nil)
	if len(m.Workflow()) != 0 {
		t.Fatalf("expected empty workflow, got %v", m.Workflow())
	}
}

func TestNew_CopiesInput(t *testing.T) {
	wf := models.Workflow{"1": {ClassType: "A", Inputs: map[string]interface{}{}}}
	m := manipulator.New(wf)
	wf["2"] = models.Node{ClassType: "B"}
	if _, ok := m.Workflow()["2"]; ok {
		t.Fatalf("manipulator should hold its own copy, mutation leaked in")
	}
}

func TestNew_NextIDCalculation(t *testing.T) {
	wf := models.Workflow{"3": {}, "7": {}, "1": {}}
	m := manipulator.New(wf)
	if got := m.AddNode("X", nil, ""); got != "8" {
		t.Fatalf("AddNode() = %q, want %q", got, "8")
	}
}

func TestAddNode_Basic(t *testing.T) {
	m := manipulator.New(nil)
	nid := m.AddNode("KSampler", map[string]interface{}{"seed": 42}, "")
	if nid != "1" {
		t.Fatalf("AddNode() id = %q, want %q", nid, "1")
	}
	node := m.Workflow()["1"]
	if node.ClassType != "KSampler" || node.Inputs["seed"] != 42 {
		t.Fatalf("unexpected node: %+v", node)
	}
	if node.Meta == nil || node.Meta.Title != "KSampler" {
		t.Fatalf("expected default title KSampler, got %+v", node.Meta)
	}
}

func TestAddNode_WithTitle(t *testing.T) {
	m := manipulator.New(nil)
	nid := m.AddNode("CLIPTextEncode", map[string]interface{}{"text": "a cat"}, "Positive Prompt")
	if m.Workflow()[nid].Meta.Title != "Positive Prompt" {
		t.Fatalf("expected custom title to be kept")
	}
}

func TestAddNode_SequentialIDs(t *testing.T) {
	m := manipulator.New(nil)
	n1 := m.AddNode("A", nil, "")
	n2 := m.AddNode("B", nil, "")
	n3 := m.AddNode("C", nil, "")
	if n1 != "1" || n2 != "2" || n3 != "3" {
		t.Fatalf("expected sequential ids 1,2,3, got %s,%s,%s", n1, n2, n3)
	}
}

func TestRemoveNode(t *testing.T) {
	m := manipulator.New(models.Workflow{"1": {ClassType: "A", Inputs: map[string]interface{}{}}})
	if !m.RemoveNode("1") {
		t.Fatalf("expected removal of existing node to succeed")
	}
	if _, ok := m.Workflow()["1"]; ok {
		t.Fatalf("node 1 should have been removed")
	}
}

func TestRemoveNode_Nonexistent(t *testing.T) {
	m := manipulator.New(nil)
	if m.RemoveNode("99") {
		t.Fatalf("expected removal of missing node to fail")
	}
}

func TestRemoveNode_CleansReferences(t *testing.T) {
	m := manipulator.New(models.Workflow{
		"1": {ClassType: "A", Inputs: map[string]interface{}{}},
		"2": {ClassType: "B", Inputs: map[string]interface{}{
			"model": []interface{}{"1", 0},
			"other": "keep",
		}},
	})
	m.RemoveNode("1")
	node := m.Workflow()["2"]
	if _, ok := node.Inputs["model"]; ok {
		t.Fatalf("expected dangling reference to be stripped")
	}
	if node.Inputs["other"] != "keep" {
		t.Fatalf("expected unrelated input to survive, got %v", node.Inputs["other"])
	}
}

func TestConnect(t *testing.T) {
	m := manipulator.New(models.Workflow{
		"1": {ClassType: "A", Inputs: map[string]interface{}{}},
		"2": {ClassType: "B", Inputs: map[string]interface{}{}},
	})
	if !m.Connect("1", 0, "2", "model") {
		t.Fatalf("expected connect to succeed")
	}
	got := m.Workflow()["2"].Inputs["model"].([]interface{})
	if got[0] != "1" || got[1] != 0 {
		t.Fatalf("unexpected link value: %v", got)
	}
}

func TestConnect_TargetNotFound(t *testing.T) {
	m := manipulator.New(models.Workflow{"1": {ClassType: "A", Inputs: map[string]interface{}{}}})
	if m.Connect("1", 0, "99", "model") {
		t.Fatalf("expected connect to missing target to fail")
	}
}

func TestModifyInput(t *testing.T) {
	m := manipulator.New(models.Workflow{"1": {ClassType: "KSampler", Inputs: map[string]interface{}{"steps": 20}}})
	if !m.ModifyInput("1", "steps", 30) {
		t.Fatalf("expected modify to succeed")
	}
	if m.Workflow()["1"].Inputs["steps"] != 30 {
		t.Fatalf("expected steps updated to 30")
	}
}

func TestModifyInput_NonexistentNode(t *testing.T) {
	m := manipulator.New(nil)
	if m.ModifyInput("99", "x", 1) {
		t.Fatalf("expected modify of missing node to fail")
	}
}

func TestGetNodesByType(t *testing.T) {
	m := manipulator.New(models.Workflow{
		"1": {ClassType: "CLIPTextEncode"},
		"2": {ClassType: "CLIPTextEncode"},
		"3": {ClassType: "KSampler"},
	})
	found := m.GetNodesByType("CLIPTextEncode")
	if len(found) != 2 {
		t.Fatalf("expected 2 matches, got %v", found)
	}
}

func TestGetNodesByType_None(t *testing.T) {
	m := manipulator.New(models.Workflow{"1": {ClassType: "A"}})
	if got := m.GetNodesByType("Z"); len(got) != 0 {
		t.Fatalf("expected no matches, got %v", got)
	}
}

func TestGetNode(t *testing.T) {
	m := manipulator.New(models.Workflow{"1": {ClassType: "A", Inputs: map[string]interface{}{"x": 1}}})
	node, ok := m.GetNode("1")
	if !ok || node.ClassType != "A" {
		t.Fatalf("unexpected GetNode result: %+v, ok=%v", node, ok)
	}
}

func TestGetNode_NotFound(t *testing.T) {
	m := manipulator.New(nil)
	if _, ok := m.GetNode("99"); ok {
		t.Fatalf("expected GetNode of missing id to report not found")
	}
}

func TestToJSON(t *testing.T) {
	m := manipulator.New(models.Workflow{"1": {ClassType: "A", Inputs: map[string]interface{}{}}})
	out, err := m.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error = %v", err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("ToJSON() produced invalid JSON: %v", err)
	}
	if _, ok := got["1"]; !ok {
		t.Fatalf("expected node 1 in output, got %s", out)
	}
}

func TestFromJSON(t *testing.T) {
	m := manipulator.New(nil)
	if err := m.FromJSON(`{"5": {"class_type": "B", "inputs": {"x": 1}}}`); err != nil {
		t.Fatalf("FromJSON() error = %v", err)
	}
	node := m.Workflow()["5"]
	if node.ClassType != "B" {
		t.Fatalf("unexpected node after FromJSON: %+v", node)
	}
	if got := m.AddNode("C", nil, ""); got != "6" {
		t.Fatalf("expected next id 6 after loading node 5, got %q", got)
	}
}

func TestExtract_JSONCodeBlock(t *testing.T) {
	response := "Here is the workflow:\n```json\n{\"1\": {\"class_type\": \"KSampler\", \"inputs\": {}}}\n```"
	wf, ok := manipulator.Extract(response)
	if !ok || wf["1"].ClassType != "KSampler" {
		t.Fatalf("expected extracted workflow with KSampler node, got %+v ok=%v", wf, ok)
	}
}

func TestExtract_PlainCodeBlock(t *testing.T) {
	response := "Workflow:\n```\n{\"1\": {\"class_type\": \"A\", \"inputs\": {}}}\n```"
	if _, ok := manipulator.Extract(response); !ok {
		t.Fatalf("expected workflow to be extracted from plain code block")
	}
}

func TestExtract_RawJSONNoCodeBlock(t *testing.T) {
	response := `{"1": {"class_type": "A", "inputs": {}}}`
	if _, ok := manipulator.Extract(response); !ok {
		t.Fatalf("expected workflow to be extracted from raw JSON")
	}
}

func TestExtract_NoWorkflowInResponse(t *testing.T) {
	response := "I think you should increase the denoise to 0.7."
	if _, ok := manipulator.Extract(response); ok {
		t.Fatalf("expected no workflow to be found")
	}
}

func TestExtract_JSONButNotWorkflow(t *testing.T) {
	response := "```json\n{\"name\": \"not a workflow\"}\n```"
	if _, ok := manipulator.Extract(response); ok {
		t.Fatalf("expected false for JSON lacking class_type")
	}
}

func TestExtract_InvalidJSON(t *testing.T) {
	response := "```json\n{invalid json}\n```"
	if _, ok := manipulator.Extract(response); ok {
		t.Fatalf("expected false for invalid JSON")
	}
}

func TestExtract_MultipleCodeBlocksPicksWorkflow(t *testing.T) {
	response := "Here's some config:\n```json\n{\"key\": \"val\"}\n```\n\n" +
		"And the workflow:\n```json\n{\"1\": {\"class_type\": \"A\", \"inputs\": {}}}\n```"
	wf, ok := manipulator.Extract(response)
	if !ok {
		t.Fatalf("expected a workflow to be found among multiple code blocks")
	}
	if _, found := wf["1"]; !found {
		t.Fatalf("expected node 1 in extracted workflow, got %+v", wf)
	}
}

func TestExtract_TaggedBlockWinsOverEarlierUntaggedBlock(t *testing.T) {
	response := "Some other workflow-shaped JSON:\n```\n{\"9\": {\"class_type\": \"Decoy\", \"inputs\": {}}}\n```\n\n" +
		"The corrected workflow:\n```json\n{\"1\": {\"class_type\": \"A\", \"inputs\": {}}}\n```"

	wf, ok := manipulator.Extract(response)
	if !ok {
		t.Fatalf("expected a workflow to be extracted")
	}
	if _, found := wf["1"]; !found {
		t.Fatalf("expected the tagged block's node 1 to win, got %+v", wf)
	}
	if _, found := wf["9"]; found {
		t.Fatalf("expected the untagged decoy block to lose to the tagged block, got %+v", wf)
	}
}

func TestManipulatorValidate_Valid(t *testing.T) {
	m := manipulator.New(models.Workflow{
		"1": {ClassType: "A", Inputs: map[string]interface{}{}},
		"2": {ClassType: "B", Inputs: map[string]interface{}{"in": []interface{}{"1", 0}}},
	})
	valid, errs := m.Validate()
	if !valid || len(errs) != 0 {
		t.Fatalf("expected valid workflow, got errs=%v", errs)
	}
}

func TestManipulatorValidate_MissingClassType(t *testing.T) {
	m := manipulator.New(models.Workflow{"1": {Inputs: map[string]interface{}{}}})
	valid, errs := m.Validate()
	if valid {
		t.Fatalf("expected invalid")
	}
	if !anyContains(errs, "class_type") {
		t.Fatalf("expected an error mentioning class_type, got %v", errs)
	}
}

func TestManipulatorValidate_MissingInputs(t *testing.T) {
	m := manipulator.New(models.Workflow{"1": {ClassType: "A"}})
	valid, errs := m.Validate()
	if valid {
		t.Fatalf("expected invalid")
	}
	if !anyContains(errs, "inputs") {
		t.Fatalf("expected an error mentioning inputs, got %v", errs)
	}
}

func TestManipulatorValidate_BrokenLink(t *testing.T) {
	m := manipulator.New(models.Workflow{
		"1": {ClassType: "A", Inputs: map[string]interface{}{"model": []interface{}{"99", 0}}},
	})
	valid, errs := m.Validate()
	if valid {
		t.Fatalf("expected invalid")
	}
	if !anyContains(errs, "99") {
		t.Fatalf("expected an error mentioning the missing node id, got %v", errs)
	}
}

func anyContains(errs []string, substr string) bool {
	for _, e := range errs {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}
