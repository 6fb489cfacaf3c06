// Package knowledge loads markdown knowledge documents, each with an
// optional YAML frontmatter header, and selects the subset relevant
// to a user message within a character budget.
package knowledge

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/comfy-pilot/control-plane/pkg/models"
	"gopkg.in/yaml.v3"
)

// triggerPhrases maps a knowledge category to phrases in a user
// message that indicate that category is relevant even without an
// exact keyword match.
var triggerPhrases = map[string][]string{
	"video": {"video", "wan", "hunyuan", "animatediff", "frames", "motion", "animate", "mochi", "cogvideo", "ltx", "svi", "interpolat"},
	"models": {"model", "download", "checkpoint", "lora", "civitai", "huggingface", "pony", "flux", "sdxl", "nsfw", "vae"},
	"tuning": {"blurry", "artifact", "denoise", "cfg", "steps", "sampler", "flickering", "quality", "fix", "issue", "problem", "wrong", "bad", "improve", "better"},
	"custom_nodes": {"custom node", "install", "manager", "impact pack", "ipadapter", "controlnet", "reactor", "detailer"},
	"patterns": {"workflow", "template", "pattern", "txt2img", "img2img", "upscale", "controlnet"},
}

// contextBudgets are the character budgets for each user-selectable
// context mode; a recognized mode always wins over agent defaults.
var contextBudgets = map[string]int{
	"minimal":  5_000,
	"standard": 15_000,
	"verbose":  30_000,
}

const (
	anthropicBudget    = 30_000
	ollamaSmallBudget  = 8_000
	defaultAgentBudget = 15_000
)

// ollamaSizeIndicators is checked longest-substring-first so "3b"
// never wins against "13b" in a model name like "codellama:13b".
var ollamaSizeIndicators = []struct {
	indicator string
	budget    int
}{
	{"70b", 20_000},
	{"32b", 15_000},
	{"14b", 12_000},
	{"13b", 12_000},
	{"8b", 8_000},
	{"7b", 8_000},
	{"3b", 8_000},
	{"1b", 8_000},
}

var frontmatterPattern = regexp.MustCompile(`(?s)^---\s*\n(.*?)\n---\s*\n(.*)$`)

// Store holds the parsed knowledge documents loaded from a directory
// tree: canonical documents in knowledgeDir, then user-authored
// documents in knowledgeDir/user, each glob sorted by filename.
type Store struct {
	knowledgeDir string
	userDir      string

	mu     sync.RWMutex
	docs   []models.KnowledgeDocument
	loaded bool
}

// New creates a Store rooted at knowledgeDir. LoadAll must be called
// (directly, or implicitly via SelectRelevant) before documents are
// available.
func New(knowledgeDir string) *Store {
	return &Store{
		knowledgeDir: knowledgeDir,
		userDir:      filepath.Join(knowledgeDir, "user"),
	}
}

// LoadAll scans both document directories and replaces the Store's
// entire document set. A file that fails to parse is skipped rather
// than aborting the whole load.
func (s *Store) LoadAll() error {
	var docs []models.KnowledgeDocument

	canonical, err := globMarkdown(s.knowledgeDir)
	if err != nil {
		return err
	}
	for _, path := range canonical {
		if doc, ok := parseFile(path); ok {
			docs = append(docs, doc)
		}
	}

	if info, err := os.Stat(s.userDir); err == nil && info.IsDir() {
		userFiles, err := globMarkdown(s.userDir)
		if err != nil {
			return err
		}
		for _, path := range userFiles {
			if doc, ok := parseFile(path); ok {
				docs = append(docs, doc)
			}
		}
	}

	s.mu.Lock()
	s.docs = docs
	s.loaded = true
	s.mu.Unlock()
	return nil
}

func globMarkdown(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.md"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

type frontmatter struct {
	ID       string   `yaml:"id"`
	Title    string   `yaml:"title"`
	Keywords []string `yaml:"keywords"`
	Category string   `yaml:"category"`
	Priority string   `yaml:"priority"`
}

func parseFile(path string) (models.KnowledgeDocument, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return models.KnowledgeDocument{}, false
	}
	text := string(raw)
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	match := frontmatterPattern.FindStringSubmatch(text)
	if match == nil {
		return models.KnowledgeDocument{
			ID:             stem,
			Title:          titleizeStem(stem),
			Category:       "user",
			Priority:       models.PriorityLow,
			Content:        strings.TrimSpace(text),
			CharacterCount: len(strings.TrimSpace(text)),
		}, true
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(match[1]), &fm); err != nil {
		return models.KnowledgeDocument{}, false
	}

	id := fm.ID
	if id == "" {
		id = stem
	}
	title := fm.Title
	if title == "" {
		title = stem
	}
	category := fm.Category
	if category == "" {
		category = "other"
	}
	priority := models.Priority(fm.Priority)
	if priority == "" {
		priority = models.PriorityLow
	}

	keywords := make([]string, len(fm.Keywords))
	for i, k := range fm.Keywords {
		keywords[i] = strings.ToLower(k)
	}

	content := strings.TrimSpace(match[2])
	return models.KnowledgeDocument{
		ID:             id,
		Title:          title,
		Keywords:       keywords,
		Category:       category,
		Priority:       priority,
		Content:        content,
		CharacterCount: len(content),
	}, true
}

func titleizeStem(stem string) string {
	words := strings.Split(strings.ReplaceAll(stem, "_", " "), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// SelectRelevant picks the documents relevant to message within
// contextBudget characters. Priority-high documents are always
// included first (even over budget); the remainder is scored by
// keyword and trigger-phrase matches and greedily packed in
// descending score order until the budget is exhausted.
// categoriesEnabled, when non-nil, restricts selection to those
// categories.
func (s *Store) SelectRelevant(message string, contextBudget int, categoriesEnabled map[string]bool) []models.KnowledgeDocument {
	if !s.isLoaded() {
		s.LoadAll()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	msgLower := strings.ToLower(message)
	var selected []models.KnowledgeDocument
	budgetUsed := 0

	type scored struct {
		score int
		doc   models.KnowledgeDocument
	}
	var remaining []scored

	for _, doc := range s.docs {
		if categoriesEnabled != nil && !categoriesEnabled[doc.Category] {
			continue
		}

		if doc.Priority == models.PriorityHigh {
			selected = append(selected, doc)
			budgetUsed += doc.CharacterCount
			continue
		}

		score := 0
		for _, keyword := range doc.Keywords {
			if strings.Contains(msgLower, keyword) {
				score += 2
			}
		}
		for category, phrases := range triggerPhrases {
			if category != doc.Category {
				continue
			}
			for _, phrase := range phrases {
				if strings.Contains(msgLower, phrase) {
					score += 3
				}
			}
		}
		if score > 0 {
			remaining = append(remaining, scored{score, doc})
		}
	}

	sort.SliceStable(remaining, func(i, j int) bool {
		return remaining[i].score > remaining[j].score
	})

	for _, r := range remaining {
		if budgetUsed+r.doc.CharacterCount <= contextBudget {
			selected = append(selected, r.doc)
			budgetUsed += r.doc.CharacterCount
		}
	}

	return selected
}

// GetAllCategories returns every known category mapped to the titles
// of the documents in it, for populating a category-toggle UI.
func (s *Store) GetAllCategories() map[string][]string {
	if !s.isLoaded() {
		s.LoadAll()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	categories := make(map[string][]string)
	for _, doc := range s.docs {
		categories[doc.Category] = append(categories[doc.Category], doc.Title)
	}
	return categories
}

func (s *Store) isLoaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// ContextBudget resolves the character budget to use for a request.
// A recognized contextMode (minimal/standard/verbose) always wins;
// otherwise ollama gets a budget estimated from the model name's
// parameter-count suffix, the hosted large-context backend gets a
// large fixed budget, and everything else gets the default.
func ContextBudget(agentName, modelName, contextMode string) int {
	if budget, ok := contextBudgets[contextMode]; ok {
		return budget
	}

	if agentName == "ollama" {
		modelLower := strings.ToLower(modelName)
		for _, ind := range ollamaSizeIndicators {
			if strings.Contains(modelLower, ind.indicator) {
				return ind.budget
			}
		}
		return ollamaSmallBudget
	}

	// "anthropic" matches internal/backend/anthropic's registered
	// Backend.Name(), the large-context hosted backend.
	if agentName == "anthropic" {
		return anthropicBudget
	}

	return defaultAgentBudget
}

// BuildKnowledgeText is the main entry point: it resolves the budget,
// selects relevant documents, and joins them into a single text block
// ready to splice into a system prompt. Returns "" if nothing matched.
func (s *Store) BuildKnowledgeText(message, agentName, modelName, contextMode string, categoriesEnabled map[string]bool) string {
	budget := ContextBudget(agentName, modelName, contextMode)
	docs := s.SelectRelevant(message, budget, categoriesEnabled)
	if len(docs) == 0 {
		return ""
	}

	parts := make([]string, len(docs))
	for i, doc := range docs {
		parts[i] = "# " + doc.Title + "\n\n" + doc.Content
	}
	return strings.Join(parts, "\n\n---\n\n")
}
