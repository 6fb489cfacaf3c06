// Package registry fetches and caches the execution host's operator
// catalog — the set of node (operator) definitions the host knows how
// to run. It answers existence, type, slot-range, and range-constraint
// queries for the Workflow Validator.
//
// The registry degrades gracefully: if the host is unreachable, the
// last successful snapshot is retained and Fetch reports failure
// without disturbing callers already holding a reference to the
// previous, still-consistent catalog.
package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/comfy-pilot/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

const defaultTimeout = 5 * time.Second

// Registry is a thread-safe, TTL-gated cache of operator definitions.
type Registry struct {
	baseURL string
	client  *http.Client
	ttl     time.Duration

	mu           sync.RWMutex
	operators    map[string]models.OperatorDefinition
	loaded       bool
	lastFetch    time.Time
}

// New creates a Registry pointed at the execution host's base URL
// (e.g. "http://127.0.0.1:8188"). cacheTTL controls how long Fetch
// treats the cache as fresh before issuing another HTTP GET.
func New(baseURL string, cacheTTL time.Duration) *Registry {
	return &Registry{
		baseURL:   baseURL,
		client:    &http.Client{Timeout: defaultTimeout},
		ttl:       cacheTTL,
		operators: make(map[string]models.OperatorDefinition),
	}
}

// Fetch is idempotent: if the cache is loaded and still within its
// TTL, it returns true without performing I/O. Otherwise it issues a
// single GET {baseURL}/object_info with a bounded timeout. On any
// failure (non-2xx, connection error, parse error) it returns false
// and leaves the prior cache untouched — it is never retried here.
func (r *Registry) Fetch(ctx context.Context) bool {
	r.mu.RLock()
	fresh := r.loaded && time.Since(r.lastFetch) < r.ttl
	r.mu.RUnlock()
	if fresh {
		return true
	}

	fetchCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, r.baseURL+"/object_info", nil)
	if err != nil {
		log.Warn().Err(err).Msg("registry: build request failed")
		return false
	}

	resp, err := r.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("registry: fetch failed, keeping prior snapshot")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Msg("registry: non-2xx response, keeping prior snapshot")
		return false
	}

	var raw map[string]rawObjectInfo
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		log.Warn().Err(err).Msg("registry: decode failed, keeping prior snapshot")
		return false
	}

	parsed := make(map[string]models.OperatorDefinition, len(raw))
	for className, info := range raw {
		parsed[className] = parseOperator(className, info)
	}

	r.mu.Lock()
	r.operators = parsed
	r.loaded = true
	r.lastFetch = time.Now()
	r.mu.Unlock()

	log.Info().Int("operators", len(parsed)).Msg("registry: catalog refreshed")
	return true
}

// IsLoaded reports whether a snapshot has ever been successfully fetched.
func (r *Registry) IsLoaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

// OperatorExists reports whether className is a key of the current snapshot.
func (r *Registry) OperatorExists(className string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.operators[className]
	return ok
}

// GetOperator returns the definition for className, if any.
func (r *Registry) GetOperator(className string) (models.OperatorDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.operators[className]
	return op, ok
}

// GetOutputType returns the semantic type produced at slotIndex by
// className. An out-of-range slot returns ("", false).
func (r *Registry) GetOutputType(className string, slotIndex int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.operators[className]
	if !ok || slotIndex < 0 || slotIndex >= len(op.OutputTypes) {
		return "", false
	}
	return op.OutputTypes[slotIndex], true
}

// GetInputType returns the semantic type and required-ness of a named
// input, searching required inputs first, then optional.
func (r *Registry) GetInputType(className, inputName string) (semanticType string, required bool, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, exists := r.operators[className]
	if !exists {
		return "", false, false
	}
	if in, found := op.RequiredInputs[inputName]; found {
		return in.SemanticType, true, true
	}
	if in, found := op.OptionalInputs[inputName]; found {
		return in.SemanticType, false, true
	}
	return "", false, false
}

// AllClassNames returns every class name currently in the catalog.
func (r *Registry) AllClassNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.operators))
	for name := range r.operators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const (
	suggestTopK     = 3
	suggestMaxDist  = 3
)

// SuggestSimilar returns up to topK class names close to name by edit
// distance (threshold suggestMaxDist), ascending distance, ties broken
// lexicographically. Returns nil if the registry is unloaded and an
// empty slice if nothing matches.
func (r *Registry) SuggestSimilar(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.loaded {
		return nil
	}

	type candidate struct {
		name string
		dist int
	}
	var candidates []candidate
	for className := range r.operators {
		d := levenshtein(name, className)
		if d <= suggestMaxDist {
			candidates = append(candidates, candidate{className, d})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist < candidates[j].dist
		}
		return candidates[i].name < candidates[j].name
	})

	if len(candidates) > suggestTopK {
		candidates = candidates[:suggestTopK]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.name
	}
	return out
}

// levenshtein computes the classic edit distance between a and b.
// No pack library exposes this (see DESIGN.md) so it is hand-rolled.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	prev := make([]int, lb+1)
	cur := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		cur[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := cur[j-1] + 1
			sub := prev[j-1] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			cur[j] = m
		}
		prev, cur = cur, prev
	}
	return prev[lb]
}

// ── object_info parsing ──────────────────────────────────────

type rawObjectInfo struct {
	Category    string              `json:"category"`
	DisplayName string              `json:"display_name"`
	Output      []string            `json:"output"`
	OutputName  []string            `json:"output_name"`
	Input       rawInputInfo        `json:"input"`
}

type rawInputInfo struct {
	Required map[string]json.RawMessage `json:"required"`
	Optional map[string]json.RawMessage `json:"optional"`
}

func parseOperator(className string, info rawObjectInfo) models.OperatorDefinition {
	return models.OperatorDefinition{
		ClassName:      className,
		Category:       info.Category,
		DisplayName:    info.DisplayName,
		RequiredInputs: parseInputMap(info.Input.Required, true),
		OptionalInputs: parseInputMap(info.Input.Optional, false),
		OutputTypes:    info.Output,
		OutputNames:    info.OutputName,
	}
}

func parseInputMap(raw map[string]json.RawMessage, required bool) map[string]models.InputDefinition {
	out := make(map[string]models.InputDefinition, len(raw))
	for name, spec := range raw {
		out[name] = parseInputSpec(name, spec, required)
	}
	return out
}

// parseInputSpec decodes one object_info input spec. A spec is a one-
// or two-element JSON array: the first element is either a semantic
// type string, or a nested array of COMBO options; the optional
// second element is a constraints object (default/min/max). Malformed
// or missing specs degrade to semantic type "UNKNOWN" rather than
// failing the whole registry load.
func parseInputSpec(name string, raw json.RawMessage, required bool) models.InputDefinition {
	def := models.InputDefinition{Name: name, Required: required, SemanticType: "UNKNOWN"}

	var tuple []json.RawMessage
	if err := json.Unmarshal(raw, &tuple); err != nil || len(tuple) == 0 {
		return def
	}

	// First element: either a plain type string or a list of COMBO options.
	var typeStr string
	if err := json.Unmarshal(tuple[0], &typeStr); err == nil {
		def.SemanticType = typeStr
	} else {
		var options []string
		if err := json.Unmarshal(tuple[0], &options); err == nil {
			def.SemanticType = "COMBO"
			def.Options = options
		}
	}

	if len(tuple) < 2 {
		return def
	}

	var constraints struct {
		Default interface{} `json:"default"`
		Min     *float64    `json:"min"`
		Max     *float64    `json:"max"`
	}
	if err := json.Unmarshal(tuple[1], &constraints); err != nil {
		return def
	}
	def.Default = constraints.Default
	def.MinVal = constraints.Min
	def.MaxVal = constraints.Max
	return def
}
