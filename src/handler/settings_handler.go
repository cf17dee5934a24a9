package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"phasedexecutor/src/model"
	"phasedexecutor/src/security"
)

type settingStore interface {
	Get(ctx context.Context, key string) (*model.Setting, error)
	Set(ctx context.Context, key, value string, encrypted bool) error
}

// sensitiveSettings lists the keys whose values are stored encrypted and
// never returned in cleartext.
var sensitiveSettings = map[string]bool{
	model.SettingVenueAPIKey:    true,
	model.SettingVenueAPISecret: true,
}

type settingResponse struct {
	Key       string `json:"key"`
	Value     string `json:"value,omitempty"`
	Encrypted bool   `json:"encrypted"`
}

// GetSettingHandler returns a handler fetching one setting. Encrypted
// values are reported as present but not disclosed.
func GetSettingHandler(repo settingStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		if key == "" {
			http.Error(w, "setting key is required", http.StatusBadRequest)
			return
		}

		setting, err := repo.Get(r.Context(), key)
		if err != nil {
			logger.WithError(err).Error("failed to fetch setting")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if setting == nil {
			http.Error(w, "setting not found", http.StatusNotFound)
			return
		}

		resp := settingResponse{Key: setting.Key, Encrypted: setting.Encrypted}
		if !setting.Encrypted {
			resp.Value = setting.Value
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.WithError(err).Error("failed to encode setting response")
		}
	}
}

type setSettingRequest struct {
	Value string `json:"value"`
}

// SetSettingHandler returns a handler that stores a setting. Venue
// credentials are encrypted before they touch the database.
func SetSettingHandler(repo settingStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		if key == "" {
			http.Error(w, "setting key is required", http.StatusBadRequest)
			return
		}

		var req setSettingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		value := req.Value
		encrypted := sensitiveSettings[key]
		if encrypted {
			enc, err := security.EncryptString(value)
			if err != nil {
				logger.WithError(err).Error("failed to encrypt setting value")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			value = enc
		}

		if err := repo.Set(r.Context(), key, value, encrypted); err != nil {
			logger.WithError(err).Error("failed to store setting")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}
