package server

import (
	"net/http"
	"time"
)

// handleListModels serves the catalog's active global models as an
// OpenAI-compatible model list. Model IDs are the public names clients
// send in requests, not upstream deployment names.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models := s.deps.Catalog.Load().Models()

	now := time.Now().Unix()
	data := make([]modelEntry, len(models))
	for i, m := range models {
		data[i] = modelEntry{
			ID:      m.Name,
			Object:  "model",
			Created: now,
			OwnedBy: "system",
		}
	}

	writeJSON(w, http.StatusOK, modelListResponse{
		Object: "list",
		Data:   data,
	})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
