package registry_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/comfy-pilot/control-plane/internal/registry"
)

const sampleObjectInfo = `{
	"KSampler": {
		"category": "sampling",
		"display_name": "KSampler",
		"output": ["LATENT"],
		"output_name": ["LATENT"],
		"input": {
			"required": {
				"model": ["MODEL"],
				"steps": ["INT", {"default": 20, "min": 1, "max": 10000}]
			},
			"optional": {
				"tag": ["STRING"]
			}
		}
	},
	"CheckpointLoaderSimple": {
		"category": "loaders",
		"display_name": "Load Checkpoint",
		"output": ["MODEL", "CLIP", "VAE"],
		"output_name": ["MODEL", "CLIP", "VAE"],
		"input": {
			"required": {
				"ckpt_name": [["model.safetensors", "sd_xl_base.safetensors"]]
			}
		}
	},
	"SaveImage": {
		"category": "output",
		"display_name": "Save Image",
		"output": [],
		"output_name": [],
		"input": {
			"required": {
				"images": ["IMAGE"]
			},
			"optional": {
				"filename_prefix": ["STRING"]
			}
		}
	}
}`

func newTestServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/object_info" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
}

// populatedRegistry fetches sampleObjectInfo into a fresh Registry once,
// mirroring the original's make_populated_registry() helper.
func populatedRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	srv := newTestServer(t, sampleObjectInfo, http.StatusOK)
	t.Cleanup(srv.Close)

	reg := registry.New(srv.URL, time.Hour)
	if !reg.Fetch(context.Background()) {
		t.Fatalf("Fetch() = false, want true")
	}
	return reg
}

func TestFetch_EmptyRegistryNotLoaded(t *testing.T) {
	reg := registry.New("http://unused", time.Hour)
	if reg.IsLoaded() {
		t.Fatalf("expected a fresh Registry to report not loaded")
	}
}

func TestFetch_Success(t *testing.T) {
	reg := populatedRegistry(t)
	if !reg.IsLoaded() {
		t.Fatalf("expected IsLoaded() after a successful Fetch")
	}
	if !reg.OperatorExists("KSampler") {
		t.Fatalf("expected KSampler to exist after fetch")
	}
}

func TestFetch_NonOKStatusReturnsFalse(t *testing.T) {
	srv := newTestServer(t, "", http.StatusInternalServerError)
	defer srv.Close()

	reg := registry.New(srv.URL, time.Hour)
	if reg.Fetch(context.Background()) {
		t.Fatalf("Fetch() = true against a 500 response, want false")
	}
	if reg.IsLoaded() {
		t.Fatalf("expected a Registry that never had a successful fetch to stay unloaded")
	}
}

func TestFetch_FailureKeepsPriorSnapshot(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Write([]byte(sampleObjectInfo))
	}))
	defer srv.Close()

	reg := registry.New(srv.URL, 0)
	if !reg.Fetch(context.Background()) {
		t.Fatalf("first Fetch() = false")
	}

	status = http.StatusInternalServerError
	if reg.Fetch(context.Background()) {
		t.Fatalf("second Fetch() against a failing host = true, want false")
	}

	if !reg.OperatorExists("KSampler") {
		t.Fatalf("expected the prior successful snapshot to survive a later failed fetch")
	}
}

func TestFetch_MalformedJSON(t *testing.T) {
	srv := newTestServer(t, "not json", http.StatusOK)
	defer srv.Close()

	reg := registry.New(srv.URL, time.Hour)
	if reg.Fetch(context.Background()) {
		t.Fatalf("Fetch() = true for malformed JSON, want false")
	}
	if reg.IsLoaded() {
		t.Fatalf("expected IsLoaded() = false after a decode failure")
	}
}

func TestFetch_CachedWithinTTLSkipsHTTP(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(sampleObjectInfo))
	}))
	defer srv.Close()

	reg := registry.New(srv.URL, time.Hour)
	if !reg.Fetch(context.Background()) {
		t.Fatalf("first Fetch() = false")
	}
	if !reg.Fetch(context.Background()) {
		t.Fatalf("second Fetch() within TTL = false")
	}
	if calls != 1 {
		t.Fatalf("expected exactly one HTTP call while cache is fresh, got %d", calls)
	}
}

func TestFetch_ExpiredTTLRefetches(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(sampleObjectInfo))
	}))
	defer srv.Close()

	reg := registry.New(srv.URL, 0)
	if !reg.Fetch(context.Background()) {
		t.Fatalf("first Fetch() = false")
	}
	if !reg.Fetch(context.Background()) {
		t.Fatalf("second Fetch() with a zero TTL = false")
	}
	if calls != 2 {
		t.Fatalf("expected a zero TTL to force a second HTTP call, got %d calls", calls)
	}
}

func TestOperatorExists(t *testing.T) {
	reg := populatedRegistry(t)
	if !reg.OperatorExists("CheckpointLoaderSimple") {
		t.Fatalf("expected CheckpointLoaderSimple to exist")
	}
	if reg.OperatorExists("NonExistentNode") {
		t.Fatalf("expected NonExistentNode to not exist")
	}
}

func TestGetOperator(t *testing.T) {
	reg := populatedRegistry(t)
	op, ok := reg.GetOperator("KSampler")
	if !ok {
		t.Fatalf("GetOperator(KSampler) ok = false")
	}
	if _, present := op.RequiredInputs["model"]; !present {
		t.Fatalf("expected model to be a required input, got %+v", op.RequiredInputs)
	}
	if _, present := op.RequiredInputs["steps"]; !present {
		t.Fatalf("expected steps to be a required input, got %+v", op.RequiredInputs)
	}
}

func TestGetOperator_NotFound(t *testing.T) {
	reg := populatedRegistry(t)
	if _, ok := reg.GetOperator("Bogus"); ok {
		t.Fatalf("expected GetOperator(Bogus) ok = false")
	}
}

func TestGetOutputType(t *testing.T) {
	reg := populatedRegistry(t)
	cases := []struct {
		slot int
		want string
	}{
		{0, "MODEL"},
		{1, "CLIP"},
		{2, "VAE"},
	}
	for _, c := range cases {
		got, ok := reg.GetOutputType("CheckpointLoaderSimple", c.slot)
		if !ok || got != c.want {
			t.Errorf("GetOutputType(CheckpointLoaderSimple, %d) = %q, %v, want %q, true", c.slot, got, ok, c.want)
		}
	}
}

func TestGetOutputType_OutOfRange(t *testing.T) {
	reg := populatedRegistry(t)
	if _, ok := reg.GetOutputType("CheckpointLoaderSimple", 99); ok {
		t.Fatalf("expected out-of-range slot to report ok = false")
	}
}

func TestGetOutputType_UnknownOperator(t *testing.T) {
	reg := populatedRegistry(t)
	if _, ok := reg.GetOutputType("Bogus", 0); ok {
		t.Fatalf("expected unknown operator to report ok = false")
	}
}

func TestAllClassNames(t *testing.T) {
	reg := populatedRegistry(t)
	names := reg.AllClassNames()
	want := []string{"KSampler", "CheckpointLoaderSimple", "SaveImage"}
	for _, w := range want {
		found := false
		for _, n := range names {
			if n == w {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("expected %q in AllClassNames(), got %v", w, names)
		}
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Fatalf("expected AllClassNames() sorted, got %v", names)
		}
	}
}

func TestSuggestSimilar(t *testing.T) {
	reg := populatedRegistry(t)
	suggestions := reg.SuggestSimilar("KSamler")
	found := false
	for _, s := range suggestions {
		if s == "KSampler" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected KSampler among suggestions for KSamler, got %v", suggestions)
	}
}

func TestSuggestSimilar_NoMatch(t *testing.T) {
	reg := populatedRegistry(t)
	if got := reg.SuggestSimilar("ZZZZZZZZZ"); len(got) != 0 {
		t.Fatalf("expected no suggestions for a wildly different name, got %v", got)
	}
}

func TestSuggestSimilar_UnloadedRegistry(t *testing.T) {
	reg := registry.New("http://unused", time.Hour)
	if got := reg.SuggestSimilar("KSampler"); got != nil {
		t.Fatalf("expected nil suggestions from an unloaded registry, got %v", got)
	}
}

func TestGetInputType_Required(t *testing.T) {
	reg := populatedRegistry(t)
	semType, required, ok := reg.GetInputType("KSampler", "model")
	if !ok || !required || semType != "MODEL" {
		t.Fatalf("GetInputType(KSampler, model) = %q, %v, %v, want MODEL, true, true", semType, required, ok)
	}
}

func TestGetInputType_Optional(t *testing.T) {
	reg := populatedRegistry(t)
	semType, required, ok := reg.GetInputType("SaveImage", "filename_prefix")
	if !ok || required || semType != "STRING" {
		t.Fatalf("GetInputType(SaveImage, filename_prefix) = %q, %v, %v, want STRING, false, true", semType, required, ok)
	}
}

func TestGetInputType_NotFound(t *testing.T) {
	reg := populatedRegistry(t)
	if _, _, ok := reg.GetInputType("KSampler", "bogus_input"); ok {
		t.Fatalf("expected unknown input to report ok = false")
	}
	if _, _, ok := reg.GetInputType("BogusNode", "x"); ok {
		t.Fatalf("expected unknown operator to report ok = false")
	}
}

func TestFetch_ParsesConstraintsAndCombo(t *testing.T) {
	reg := populatedRegistry(t)

	op, ok := reg.GetOperator("KSampler")
	if !ok {
		t.Fatalf("GetOperator(KSampler) ok = false")
	}
	steps, present := op.RequiredInputs["steps"]
	if !present {
		t.Fatalf("expected steps input, got %+v", op.RequiredInputs)
	}
	if steps.MinVal == nil || *steps.MinVal != 1 || steps.MaxVal == nil || *steps.MaxVal != 10000 {
		t.Fatalf("expected steps min/max 1/10000, got %+v", steps)
	}

	ckpt, ok := reg.GetOperator("CheckpointLoaderSimple")
	if !ok {
		t.Fatalf("GetOperator(CheckpointLoaderSimple) ok = false")
	}
	ckptName := ckpt.RequiredInputs["ckpt_name"]
	if ckptName.SemanticType != "COMBO" {
		t.Fatalf("expected ckpt_name to be a COMBO input, got %+v", ckptName)
	}
	if len(ckptName.Options) != 2 {
		t.Fatalf("expected 2 combo options, got %v", ckptName.Options)
	}
}

func TestFetch_MissingFieldsDegradeGracefully(t *testing.T) {
	srv := newTestServer(t, `{"Bare": {}}`, http.StatusOK)
	defer srv.Close()

	reg := registry.New(srv.URL, time.Hour)
	if !reg.Fetch(context.Background()) {
		t.Fatalf("Fetch() = false for a bare operator entry")
	}
	op, ok := reg.GetOperator("Bare")
	if !ok {
		t.Fatalf("GetOperator(Bare) ok = false")
	}
	if op.Category != "" || len(op.OutputTypes) != 0 || len(op.RequiredInputs) != 0 {
		t.Fatalf("expected a bare entry to degrade to empty fields, got %+v", op)
	}
}

func TestFetch_UnparseableInputSpecDegradesToUnknown(t *testing.T) {
	srv := newTestServer(t, `{"Weird": {"input": {"required": {"x": "just a string"}}}}`, http.StatusOK)
	defer srv.Close()

	reg := registry.New(srv.URL, time.Hour)
	if !reg.Fetch(context.Background()) {
		t.Fatalf("Fetch() = false")
	}
	op, _ := reg.GetOperator("Weird")
	x := op.RequiredInputs["x"]
	if x.SemanticType != "UNKNOWN" {
		t.Fatalf("expected malformed input spec to degrade to UNKNOWN, got %+v", x)
	}
}
