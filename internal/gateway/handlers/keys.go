package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/mrmushfiq/langroute/internal/gateway/credentials"
	"github.com/mrmushfiq/langroute/internal/shared/models"
)

// KeyStore issues virtual keys and stores provider credentials.
type KeyStore interface {
	IssueCaller(ctx context.Context) (*models.Caller, error)
	SaveCredentials(ctx context.Context, virtualKey string, plaintext map[string]string) error
}

type KeysHandler struct {
	store KeyStore
}

func NewKeysHandler(store KeyStore) *KeysHandler {
	return &KeysHandler{store: store}
}

// HandleGenerateVirtualKey handles POST /api/generate-virtual-key
func (h *KeysHandler) HandleGenerateVirtualKey(w http.ResponseWriter, r *http.Request) {
	caller, err := h.store.IssueCaller(r.Context())
	if err != nil {
		log.Printf("ERROR: Failed to generate virtual key: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to generate virtual key.")
		return
	}

	log.Printf("INFO: New virtual key generated: %s", credentials.RedactKey(caller.VirtualKey))
	writeJSON(w, http.StatusCreated, map[string]string{"virtualKey": caller.VirtualKey})
}

// HandleSaveKeys handles POST /api/save-keys. Both provider keys are
// written; one that is absent or not a string is stored as unset.
func (h *KeysHandler) HandleSaveKeys(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid or missing virtualKey.")
		return
	}

	virtualKey, _ := req["virtualKey"].(string)
	if virtualKey == "" {
		writeError(w, http.StatusBadRequest, "Invalid or missing virtualKey.")
		return
	}

	openaiKey, _ := req["openaiKey"].(string)
	mistralKey, _ := req["mistralKey"].(string)

	err := h.store.SaveCredentials(r.Context(), virtualKey, map[string]string{
		models.ProviderOpenAI:  openaiKey,
		models.ProviderMistral: mistralKey,
	})
	if errors.Is(err, credentials.ErrCallerNotFound) {
		writeError(w, http.StatusNotFound, "User not found with the provided virtualKey.")
		return
	}
	if err != nil {
		log.Printf("ERROR: Failed to save API keys: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to save API keys.")
		return
	}

	log.Printf("INFO: API keys saved for virtualKey: %s", credentials.RedactKey(virtualKey))
	writeJSON(w, http.StatusOK, map[string]string{"message": "API keys saved successfully."})
}

// HandleReloadConfig handles POST /reload-config. The catalog is only read
// at startup, so this acknowledges without reloading.
func (h *KeysHandler) HandleReloadConfig(w http.ResponseWriter, r *http.Request) {
	log.Println("INFO: Configuration reloaded (from database)")
	writeJSON(w, http.StatusOK, map[string]string{"message": "Configuration reloaded."})
}
