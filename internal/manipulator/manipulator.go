// Package manipulator provides in-memory editing of a Workflow graph
// and extraction of a candidate workflow from free-form model text.
package manipulator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/comfy-pilot/control-plane/pkg/models"
)

// Manipulator holds one workflow and the next node id to assign.
// Not safe for concurrent use — callers own a Manipulator for the
// lifetime of a single edit sequence.
type Manipulator struct {
	workflow   models.Workflow
	nextNodeID int
}

// New creates a Manipulator over a copy of wf (nil treated as empty).
// The next assigned node id is one past the highest numeric id found.
func New(wf models.Workflow) *Manipulator {
	m := &Manipulator{workflow: make(models.Workflow, len(wf)), nextNodeID: 1}
	for id, node := range wf {
		m.workflow[id] = node
		if n, err := strconv.Atoi(id); err == nil && n >= m.nextNodeID {
			m.nextNodeID = n + 1
		}
	}
	return m
}

// Workflow returns the manipulator's current graph. Callers must not
// mutate the returned map; use the edit methods instead.
func (m *Manipulator) Workflow() models.Workflow {
	return m.workflow
}

// AddNode appends a new node with an auto-assigned id and returns it.
// title defaults to classType when empty.
func (m *Manipulator) AddNode(classType string, inputs map[string]interface{}, title string) string {
	if title == "" {
		title = classType
	}
	id := strconv.Itoa(m.nextNodeID)
	m.nextNodeID++
	m.workflow[id] = models.Node{
		ClassType: classType,
		Inputs:    inputs,
		Meta:      &models.NodeMeta{Title: title},
	}
	return id
}

// RemoveNode deletes nodeID and strips any input on any other node
// that linked to it. Returns false if nodeID did not exist.
func (m *Manipulator) RemoveNode(nodeID string) bool {
	if _, ok := m.workflow[nodeID]; !ok {
		return false
	}
	delete(m.workflow, nodeID)

	for id, node := range m.workflow {
		var toDelete []string
		for inputName, val := range node.Inputs {
			if seq, ok := val.([]interface{}); ok && len(seq) == 2 {
				if src, ok := seq[0].(string); ok && src == nodeID {
					toDelete = append(toDelete, inputName)
				}
			}
		}
		for _, inputName := range toDelete {
			delete(node.Inputs, inputName)
		}
		m.workflow[id] = node
	}
	return true
}

// Connect wires sourceNode's output slot to targetNode's named
// input. Returns false if targetNode does not exist.
func (m *Manipulator) Connect(sourceNode string, outputSlot int, targetNode, inputName string) bool {
	node, ok := m.workflow[targetNode]
	if !ok {
		return false
	}
	if node.Inputs == nil {
		node.Inputs = make(map[string]interface{})
	}
	node.Inputs[inputName] = []interface{}{sourceNode, outputSlot}
	m.workflow[targetNode] = node
	return true
}

// ModifyInput overwrites one input value on an existing node. Returns
// false if nodeID does not exist.
func (m *Manipulator) ModifyInput(nodeID, inputName string, value interface{}) bool {
	node, ok := m.workflow[nodeID]
	if !ok {
		return false
	}
	if node.Inputs == nil {
		node.Inputs = make(map[string]interface{})
	}
	node.Inputs[inputName] = value
	m.workflow[nodeID] = node
	return true
}

// GetNodesByType returns the ids of every node whose class_type
// equals classType, in no particular order.
func (m *Manipulator) GetNodesByType(classType string) []string {
	var ids []string
	for id, node := range m.workflow {
		if node.ClassType == classType {
			ids = append(ids, id)
		}
	}
	return ids
}

// GetNode returns the node at nodeID, or false if it does not exist.
func (m *Manipulator) GetNode(nodeID string) (models.Node, bool) {
	node, ok := m.workflow[nodeID]
	return node, ok
}

// ToJSON serializes the workflow exactly as stored.
func (m *Manipulator) ToJSON() (string, error) {
	b, err := json.Marshal(m.workflow)
	if err != nil {
		return "", fmt.Errorf("manipulator: marshal workflow: %w", err)
	}
	return string(b), nil
}

// FromJSON replaces the manipulator's workflow with the graph decoded
// from data and recomputes the next node id.
func (m *Manipulator) FromJSON(data string) error {
	var wf models.Workflow
	if err := json.Unmarshal([]byte(data), &wf); err != nil {
		return fmt.Errorf("manipulator: unmarshal workflow: %w", err)
	}
	replacement := New(wf)
	m.workflow = replacement.workflow
	m.nextNodeID = replacement.nextNodeID
	return nil
}

// Validate runs lightweight structural checks (missing class_type,
// missing inputs, dangling links) independent of the operator
// registry, for use while a workflow is still being assembled.
func (m *Manipulator) Validate() (bool, []string) {
	var errs []string
	for id, node := range m.workflow {
		if node.ClassType == "" {
			errs = append(errs, fmt.Sprintf("node %s is missing class_type", id))
			continue
		}
		if node.Inputs == nil {
			errs = append(errs, fmt.Sprintf("node %s is missing inputs", id))
			continue
		}
		for inputName, val := range node.Inputs {
			seq, ok := val.([]interface{})
			if !ok || len(seq) != 2 {
				continue
			}
			src, ok := seq[0].(string)
			if !ok {
				continue
			}
			if _, exists := m.workflow[src]; !exists {
				errs = append(errs, fmt.Sprintf("node %s input %q references missing node %q", id, inputName, src))
			}
		}
	}
	return len(errs) == 0, errs
}

// fencedBlock matches any fenced code block, tagged or untagged,
// capturing the optional language tag separately from the body so
// Extract can sort matches into tagged/untagged tiers after one scan.
var fencedBlock = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)\\s*\\n?(.*?)```")

// Extract pulls the first JSON object embedded in a model response
// that looks like a workflow (a map whose values each carry a
// class_type field). Per the three-tier extraction priority: it
// exhausts ```json-tagged fenced blocks first, in document order;
// only if none of those parse does it fall back to untagged fenced
// blocks, in document order; only then does it try the whole response
// as raw JSON. The bool result is false if no candidate parses as a
// workflow.
func Extract(response string) (models.Workflow, bool) {
	var tagged, untagged []string
	for _, block := range fencedBlock.FindAllStringSubmatch(response, -1) {
		tag, body := block[1], block[2]
		if strings.EqualFold(tag, "json") {
			tagged = append(tagged, body)
		} else {
			untagged = append(untagged, body)
		}
	}

	for _, body := range tagged {
		if wf := tryParseWorkflow(body); wf != nil {
			return wf, true
		}
	}
	for _, body := range untagged {
		if wf := tryParseWorkflow(body); wf != nil {
			return wf, true
		}
	}
	if wf := tryParseWorkflow(response); wf != nil {
		return wf, true
	}
	return nil, false
}

func tryParseWorkflow(candidate string) models.Workflow {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &raw); err != nil || len(raw) == 0 {
		return nil
	}

	wf := make(models.Workflow, len(raw))
	for id, entry := range raw {
		var node models.Node
		if err := json.Unmarshal(entry, &node); err != nil || node.ClassType == "" {
			return nil
		}
		wf[id] = node
	}
	return wf
}
