package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/mrmushfiq/langroute/internal/gateway/orchestrator"
	"github.com/mrmushfiq/langroute/internal/gateway/usage"
	"github.com/mrmushfiq/langroute/internal/shared/metrics"
)

// maxBodyBytes bounds inbound chat completion payloads.
const maxBodyBytes = 10 << 20

// Pipeline runs a chat completion request end to end.
type Pipeline interface {
	Handle(ctx context.Context, req orchestrator.Request) *orchestrator.Result
}

type ChatHandler struct {
	pipeline Pipeline
}

func NewChatHandler(pipeline Pipeline) *ChatHandler {
	return &ChatHandler{pipeline: pipeline}
}

// HandleChatCompletion handles POST /chat/completions
func (h *ChatHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}

	res := h.pipeline.Handle(r.Context(), orchestrator.Request{
		Authorization: r.Header.Get("Authorization"),
		Method:        r.Method,
		Path:          r.URL.Path,
		Body:          body,
	})

	w.Header().Set("X-Latency-Ms", fmt.Sprintf("%d", time.Since(startTime).Milliseconds()))
	if res.Provider != "" {
		w.Header().Set("X-Provider", res.Provider)
		w.Header().Set("X-Model", res.Model)
	}
	if res.Outcome == metrics.OutcomeSuccess {
		if len(res.Attempts) > 1 {
			w.Header().Set("X-Failover", "true")
		}
		if m, ok := res.Body.(map[string]any); ok {
			if cost, ok := m["cost"].(usage.Breakdown); ok {
				w.Header().Set("X-Cost-USD", fmt.Sprintf("%.6f", cost.TotalCost))
			}
		}
	}

	writeJSON(w, res.Status, res.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
