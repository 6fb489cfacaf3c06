// Package host is a thin HTTP client over the execution host's own
// status endpoints (GPU snapshot, installed model inventory, installed
// custom node packs). Discovery of GPU/operator inventory is an
// external collaborator's job; this package only forwards whatever
// JSON the host returns, opaque to this process.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 5 * time.Second

// Client forwards status requests to the execution host.
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates a Client pointed at the execution host's base URL.
func New(baseURL string) *Client {
	return &Client{baseURL: baseURL, client: &http.Client{Timeout: defaultTimeout}}
}

// System returns the execution host's GPU snapshot, exactly as
// received, for use both by the /system HTTP surface and by the
// orchestrator's VRAM-tier recommendation.
func (c *Client) System(ctx context.Context) (map[string]interface{}, error) {
	return c.getJSON(ctx, "/system_stats")
}

// Models returns the installed model inventory, exactly as received.
func (c *Client) Models(ctx context.Context) (map[string]interface{}, error) {
	return c.getJSON(ctx, "/models")
}

// CustomNodes returns the installed custom node pack listing, exactly
// as received.
func (c *Client) CustomNodes(ctx context.Context) (map[string]interface{}, error) {
	return c.getJSON(ctx, "/customnode/getmappings")
}

func (c *Client) getJSON(ctx context.Context, path string) (map[string]interface{}, error) {
	reqCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("host: build request for %s: %w", path, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("host: fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("host: %s returned %d: %s", path, resp.StatusCode, body)
	}

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("host: decode %s: %w", path, err)
	}
	return out, nil
}

// bytesPerMB converts the host's raw byte-denominated VRAM figures
// (ComfyUI's /system_stats reports vram_free straight from
// torch.cuda.mem_get_info(), in bytes) into the MB units every
// consumer of VRAMTierFromSystem actually works in.
const bytesPerMB = 1_048_576

// VRAMTierFromSystem extracts the free VRAM figure, in MB, from a
// System() snapshot, tolerating the shape the execution host actually
// returns (system.devices[0].vram_free, in bytes). Returns ok=false if
// the field is absent or not numeric, so callers can fall back to a
// neutral recommendation.
func VRAMTierFromSystem(snapshot map[string]interface{}) (vramFreeMB float64, ok bool) {
	devices, _ := snapshot["devices"].([]interface{})
	if len(devices) == 0 {
		return 0, false
	}
	device, _ := devices[0].(map[string]interface{})
	if device == nil {
		return 0, false
	}
	v, ok := device["vram_free"].(float64)
	if !ok {
		return 0, false
	}
	return v / bytesPerMB, true
}
