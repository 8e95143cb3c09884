package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ModelInfo is one entry in a normalized model listing.
type ModelInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	OwnedBy     string `json:"owned_by,omitempty"`
}

// ModelsError is a failed model listing, typically an upstream auth error.
type ModelsError struct {
	Status int
	Body   string
}

func (e *ModelsError) Error() string {
	return fmt.Sprintf("model listing failed with status %d: %s", e.Status, e.Body)
}

// ListModels fetches the upstream model catalog and normalizes it into a
// flat list regardless of the wire family.
func (p *Provider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	endpoint := "/v1/models"
	if p.kind == KindGemini {
		endpoint = "/v1beta/models"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpointURL(endpoint), nil)
	if err != nil {
		return nil, err
	}
	p.setHeaders(req, false)

	resp, err := p.modelsClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading models response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ModelsError{Status: resp.StatusCode, Body: string(body)}
	}

	return NormalizeModelList(body)
}

// NormalizeModelList accepts any of the known model-listing payload shapes
// and returns a flat list:
//
//   - OpenAI-style {data:[{id,...}]}
//   - Gemini-style {models:[{name:"models/<id>", displayName}]}
//   - a raw array of strings
//   - a raw array of objects carrying id or a normalizable name
//
// Entries with neither id nor name are dropped.
func NormalizeModelList(body []byte) ([]ModelInfo, error) {
	var envelope struct {
		Data   []json.RawMessage `json:"data"`
		Models []json.RawMessage `json:"models"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Data != nil {
			return normalizeEntries(envelope.Data), nil
		}
		if envelope.Models != nil {
			return normalizeEntries(envelope.Models), nil
		}
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err == nil {
		return normalizeEntries(raw), nil
	}

	return nil, fmt.Errorf("unrecognized model list payload")
}

func normalizeEntries(entries []json.RawMessage) []ModelInfo {
	models := make([]ModelInfo, 0, len(entries))
	for _, entry := range entries {
		var s string
		if err := json.Unmarshal(entry, &s); err == nil {
			if s != "" {
				models = append(models, ModelInfo{ID: s})
			}
			continue
		}

		var obj struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			DisplayName string `json:"displayName"`
			OwnedBy     string `json:"owned_by"`
		}
		if err := json.Unmarshal(entry, &obj); err != nil {
			continue
		}

		id := obj.ID
		if id == "" {
			// Gemini names models "models/<id>"; take the trailing segment.
			id = strings.TrimPrefix(obj.Name, "models/")
		}
		if id == "" {
			continue
		}
		models = append(models, ModelInfo{
			ID:          id,
			DisplayName: obj.DisplayName,
			OwnedBy:     obj.OwnedBy,
		})
	}
	return models
}
