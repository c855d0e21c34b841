package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Prober checks whether an LLM host is serving and reports its installed
// models.
type Prober interface {
	Probe(ctx context.Context, host string, port int) (models []string, err error)
}

// OllamaProber queries an Ollama host's list-models endpoint.
type OllamaProber struct {
	client *http.Client
}

// NewOllamaProber builds a prober whose per-request timeout is a third of the
// probe interval, so one slow host cannot stall a whole round.
func NewOllamaProber(probeInterval time.Duration) *OllamaProber {
	timeout := probeInterval / 3
	if timeout < time.Second {
		timeout = time.Second
	}
	return &OllamaProber{client: &http.Client{Timeout: timeout}}
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Probe fetches /api/tags and returns the installed model names.
func (p *OllamaProber) Probe(ctx context.Context, host string, port int) ([]string, error) {
	url := fmt.Sprintf("http://%s:%d/api/tags", host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("probe returned status %d", resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("failed to decode model list: %w", err)
	}

	models := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, m.Name)
	}
	return models, nil
}
