package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	flushInterval = 1 * time.Hour
	httpTimeout   = 3 * time.Second
)

// Properties holds the anonymous heartbeat payload.
type Properties struct {
	Version       string  `json:"version"`
	OS            string  `json:"os"`
	Arch          string  `json:"arch"`
	StoreBackend  string  `json:"store_backend"`
	Keys          int     `json:"key_count"`
	Verifications int64   `json:"verification_count"`
	UptimeHrs     float64 `json:"uptime_hours"`
}

// PropertiesFunc is called each flush to gather current state.
type PropertiesFunc func() Properties

// Tracker sends an anonymous instance heartbeat to the configured endpoint.
// No key codes, device identifiers, or other payload data ever leave the
// process; only counts.
type Tracker struct {
	endpoint   string
	instanceID string
	propsFn    PropertiesFunc
	client     *http.Client
	startedAt  time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Tracker. The instance ID persists in dataDir across
// restarts. Returns nil when no endpoint is configured or telemetry is
// disabled via KEYMINT_TELEMETRY.
func New(endpoint, dataDir string, propsFn PropertiesFunc) *Tracker {
	if endpoint == "" {
		return nil
	}
	if v := os.Getenv("KEYMINT_TELEMETRY"); v == "0" || v == "false" || v == "off" {
		return nil
	}

	return &Tracker{
		endpoint:   endpoint,
		instanceID: resolveInstanceID(dataDir),
		propsFn:    propsFn,
		client:     &http.Client{Timeout: httpTimeout},
		startedAt:  time.Now(),
	}
}

// Start begins the background heartbeat loop. It sends an initial event
// immediately and then repeats every hour. Non-blocking.
func (t *Tracker) Start() {
	if t == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		t.flush()

		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				t.flush()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops the background loop and sends a final event.
func (t *Tracker) Shutdown() {
	if t == nil {
		return
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	t.flush()
}

func (t *Tracker) flush() {
	props := t.propsFn()
	props.UptimeHrs = time.Since(t.startedAt).Hours()

	payload := map[string]any{
		"event":       "server_heartbeat",
		"distinct_id": t.instanceID,
		"properties":  props,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return // fail silently
	}

	req, err := http.NewRequest("POST", t.endpoint, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return // fail silently, network issues are expected
	}
	resp.Body.Close()
}

// resolveInstanceID loads or generates a persistent anonymous instance ID
// stored as a plain file in the data directory.
func resolveInstanceID(dataDir string) string {
	path := filepath.Join(dataDir, "instance_id")

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}

	id := uuid.New().String()
	if err := os.MkdirAll(dataDir, 0o755); err == nil {
		_ = os.WriteFile(path, []byte(id+"\n"), 0o644)
	}
	return id
}
