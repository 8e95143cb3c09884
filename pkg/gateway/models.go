package gateway

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type modelEntry struct {
	ID       string `json:"id"`
	Object   string `json:"object"`
	OwnedBy  string `json:"owned_by,omitempty"`
	Provider string `json:"provider"`
}

// handleModels aggregates model listings across all configured providers.
// A provider that fails to list is skipped rather than failing the whole
// response.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var mu sync.Mutex
	var entries []modelEntry

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range s.providers.IDs() {
		id := id
		g.Go(func() error {
			provider, err := s.providers.Get(id)
			if err != nil {
				return nil
			}
			listCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()
			models, err := provider.ListModels(listCtx)
			if err != nil {
				s.logger.Warn("model listing failed", "provider", id, "error", err)
				return nil
			}
			mu.Lock()
			for _, m := range models {
				entries = append(entries, modelEntry{
					ID:       m.ID,
					Object:   "model",
					OwnedBy:  m.OwnedBy,
					Provider: id,
				})
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Provider != entries[j].Provider {
			return entries[i].Provider < entries[j].Provider
		}
		return entries[i].ID < entries[j].ID
	})
	if entries == nil {
		entries = []modelEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   entries,
	})
}
