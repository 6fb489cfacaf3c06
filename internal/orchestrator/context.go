package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/comfy-pilot/control-plane/internal/host"
	"github.com/comfy-pilot/control-plane/pkg/models"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

const promptTruncateAt = 200

// vramRule is one entry of the GPU-tier recommendation table,
// evaluated in order via expr-lang/expr against the free-VRAM figure
// reported by the execution host. The teacher's go.mod pulls in
// expr-lang/expr but only promises future use of it in a code comment
// in internal/workflow/engine.go — this is where that promise is kept.
type vramRule struct {
	condition string
	tier      string
	advice    string
	program   *vm.Program
}

var vramRules = mustCompileVRAMRules([]struct {
	condition, tier, advice string
}{
	{"vramFreeMB < 6000", "Low VRAM", "Recommend SD 1.5, fp8 models, tiled VAE"},
	{"vramFreeMB < 10000", "Medium VRAM", "SDXL OK, video with fewer frames"},
	{"vramFreeMB < 16000", "Good VRAM", "FLUX fp8 OK, most video workflows"},
	{"true", "High VRAM", "All models supported"},
})

func mustCompileVRAMRules(defs []struct{ condition, tier, advice string }) []vramRule {
	env := map[string]interface{}{"vramFreeMB": 0.0}
	rules := make([]vramRule, len(defs))
	for i, d := range defs {
		program, err := expr.Compile(d.condition, expr.Env(env), expr.AsBool())
		if err != nil {
			panic(fmt.Sprintf("orchestrator: invalid vram rule %q: %v", d.condition, err))
		}
		rules[i] = vramRule{condition: d.condition, tier: d.tier, advice: d.advice, program: program}
	}
	return rules
}

// recommendTier evaluates the rule table in order and returns the
// first matching tier/advice pair.
func recommendTier(vramFreeMB float64) (tier, advice string) {
	env := map[string]interface{}{"vramFreeMB": vramFreeMB}
	for _, rule := range vramRules {
		out, err := expr.Run(rule.program, env)
		if err != nil {
			continue
		}
		if match, _ := out.(bool); match {
			return rule.tier, rule.advice
		}
	}
	return "", ""
}

// BuildSystemContext renders the host status snapshot into the
// system-prompt section the model sees. Grounded line-for-line on
// original_source/controller.py's _build_system_context: GPU VRAM
// tiering, a capped checkpoint/LoRA/ControlNet listing, and a
// "missing for full capability" nudge derived from installed custom
// node capabilities. Host-client failures never fail the chat request:
// a failed GPU/system lookup renders an "unavailable" line, and a failed
// model or custom-node lookup omits that subsection.
func BuildSystemContext(ctx context.Context, hostClient *host.Client) string {
	var lines []string
	lines = append(lines, "## CURRENT SYSTEM STATUS")

	if system, err := hostClient.System(ctx); err == nil {
		lines = append(lines, systemLines(system)...)
	} else {
		lines = append(lines, "**GPU**: information unavailable")
	}

	if installed, err := hostClient.Models(ctx); err == nil {
		lines = append(lines, modelLines(installed)...)
	}

	if customNodes, err := hostClient.CustomNodes(ctx); err == nil {
		lines = append(lines, customNodeLines(customNodes)...)
	}

	return strings.Join(lines, "\n")
}

func systemLines(system map[string]interface{}) []string {
	vramFreeMB, ok := host.VRAMTierFromSystem(system)
	if !ok {
		return []string{"**GPU**: information unavailable"}
	}
	tier, advice := recommendTier(vramFreeMB)
	return []string{
		fmt.Sprintf("**GPU**: %.0fMB VRAM free", vramFreeMB),
		fmt.Sprintf("  → %s: %s", tier, advice),
	}
}

func modelLines(installed map[string]interface{}) []string {
	var lines []string
	if checkpoints := stringSlice(installed["checkpoints"]); len(checkpoints) > 0 {
		shown := checkpoints
		suffix := ""
		if len(shown) > 5 {
			suffix = fmt.Sprintf("\n  ... and %d more", len(shown)-5)
			shown = shown[:5]
		}
		lines = append(lines, fmt.Sprintf("\n**Available checkpoints**: %s%s", strings.Join(shown, ", "), suffix))
	}
	if loras := stringSlice(installed["loras"]); len(loras) > 0 {
		lines = append(lines, fmt.Sprintf("**LoRAs**: %d available", len(loras)))
	}
	if controlnets := stringSlice(installed["controlnets"]); len(controlnets) > 0 {
		n := controlnets
		if len(n) > 3 {
			n = n[:3]
		}
		lines = append(lines, fmt.Sprintf("**ControlNets**: %s", strings.Join(n, ", ")))
	}
	return lines
}

func customNodeLines(customNodes map[string]interface{}) []string {
	found, _ := customNodes["found"].(bool)
	if !found {
		return nil
	}
	var lines []string
	if count, ok := customNodes["total_count"].(float64); ok {
		lines = append(lines, fmt.Sprintf("\n**Custom nodes installed**: %.0f packs", count))
	}

	capabilities, _ := customNodes["node_capabilities"].(map[string]interface{})
	labelFor := map[string]string{
		"video":       "Video",
		"face":        "Face processing",
		"upscale":     "Upscaling",
		"controlnet":  "ControlNet",
	}
	for _, key := range []string{"video", "face", "upscale", "controlnet"} {
		if items := stringSlice(capabilities[key]); len(items) > 0 {
			lines = append(lines, fmt.Sprintf("  - %s: %s", labelFor[key], strings.Join(items, ", ")))
		}
	}

	var missing []string
	if len(stringSlice(capabilities["video"])) == 0 {
		missing = append(missing, "video generation (AnimateDiff/WAN)")
	}
	if len(stringSlice(capabilities["face"])) == 0 {
		missing = append(missing, "face processing (Impact-Pack)")
	}
	if len(stringSlice(capabilities["controlnet"])) == 0 {
		missing = append(missing, "ControlNet preprocessors")
	}
	if len(missing) > 0 {
		lines = append(lines, fmt.Sprintf("\n  **Missing for full capability**: %s", strings.Join(missing, ", ")))
		lines = append(lines, "  → Suggest installation if user needs these features")
	}
	return lines
}

func stringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// BuildWorkflowContext renders the user's shared workflow into the
// system-prompt section describing it, unless mode is "minimal" (a
// one-line per-operator tally). Grounded on
// original_source/controller.py's _build_workflow_context, adapted
// from the UI graph shape (nodes/widgets_values by position) to this
// system's wire format (class_type/inputs by name), since that is the
// shape the rest of this repo already works in.
func BuildWorkflowContext(wf models.RawWorkflow, minimal bool) string {
	if len(wf) == 0 {
		return ""
	}

	nodes := decodeNodes(wf)

	if minimal {
		return "## CURRENT WORKFLOW\n" + tallyLine(nodes)
	}

	var lines []string
	lines = append(lines, "## CURRENT WORKFLOW (User's active workflow)")
	lines = append(lines, "The user has shared their current workflow. Analyze it to provide accurate modifications.")
	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("**Node count**: %d", len(nodes)))
	lines = append(lines, "")
	lines = append(lines, "**Nodes by type**:")
	for _, t := range sortedTypeCounts(nodes) {
		lines = append(lines, fmt.Sprintf("- %s: %d", t.classType, t.count))
	}
	lines = append(lines, "")
	lines = append(lines, "**Node details**:")

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		node := nodes[id]
		title := node.ClassType
		if node.Meta != nil && node.Meta.Title != "" {
			title = node.Meta.Title
		}
		if detail := nodeDetail(node.ClassType, node.Inputs); detail != "" {
			lines = append(lines, fmt.Sprintf("\n[%s] %s (%s):", id, title, node.ClassType))
			lines = append(lines, detail)
		}
	}

	lines = append(lines, "")
	lines = append(lines, "When suggesting modifications, reference specific node IDs and parameter names.")
	lines = append(lines, "Provide the exact values to change (from → to).")
	return strings.Join(lines, "\n")
}

func decodeNodes(wf models.RawWorkflow) map[string]models.Node {
	out := make(map[string]models.Node, len(wf))
	for id, entry := range wf {
		obj, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		classType, _ := obj["class_type"].(string)
		inputs, _ := obj["inputs"].(map[string]interface{})
		out[id] = models.Node{ClassType: classType, Inputs: inputs}
	}
	return out
}

func tallyLine(nodes map[string]models.Node) string {
	counts := sortedTypeCounts(nodes)
	parts := make([]string, len(counts))
	for i, c := range counts {
		parts[i] = fmt.Sprintf("%s: %d", c.classType, c.count)
	}
	return strings.Join(parts, ", ")
}

type typeCount struct {
	classType string
	count     int
}

func sortedTypeCounts(nodes map[string]models.Node) []typeCount {
	tally := make(map[string]int)
	for _, n := range nodes {
		tally[n.ClassType]++
	}
	out := make([]typeCount, 0, len(tally))
	for t, c := range tally {
		out = append(out, typeCount{t, c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].classType < out[j].classType })
	return out
}

// nodeDetail dispatches by class_type substring, the same idiom the
// teacher uses for provider/driver selection, to extract a small set
// of named parameters worth surfacing to the model.
func nodeDetail(classType string, inputs map[string]interface{}) string {
	var lines []string
	switch {
	case strings.Contains(classType, "KSampler"):
		lines = namedParams(inputs, "seed", "steps", "cfg", "sampler_name", "scheduler", "denoise")
	case strings.Contains(classType, "EmptyLatentImage"):
		lines = namedParams(inputs, "width", "height", "batch_size")
	case strings.Contains(classType, "CLIPTextEncode") || strings.Contains(classType, "CLIP"):
		if text, ok := inputs["text"].(string); ok {
			lines = []string{fmt.Sprintf("  prompt: %q", truncate(text, promptTruncateAt))}
		}
	case strings.Contains(classType, "VAE"):
		if strings.Contains(classType, "Tiled") {
			lines = namedParams(inputs, "tile_size")
		}
	case strings.Contains(classType, "CheckpointLoader"):
		lines = namedParams(inputs, "ckpt_name")
	case strings.Contains(classType, "LoraLoader"):
		lines = namedParams(inputs, "lora_name", "strength_model", "strength_clip")
	case strings.Contains(classType, "ControlNet"):
		lines = namedParams(inputs, "strength", "start_percent", "end_percent")
	case strings.Contains(classType, "Video") || strings.Contains(classType, "AnimateDiff"):
		lines = []string{fmt.Sprintf("  (video/animation node, %d inputs)", len(inputs))}
	}
	return strings.Join(lines, "\n")
}

func namedParams(inputs map[string]interface{}, names ...string) []string {
	var lines []string
	for _, name := range names {
		if v, ok := inputs[name]; ok {
			lines = append(lines, fmt.Sprintf("  %s: %v", name, v))
		}
	}
	return lines
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
