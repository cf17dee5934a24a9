package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"phasedexecutor/src/model"
	"phasedexecutor/src/tp_sl"
)

type templateStore interface {
	Create(ctx context.Context, tmpl *model.ExitTemplate) error
	FindByID(ctx context.Context, id uint) (*model.ExitTemplate, error)
	List(ctx context.Context) ([]model.ExitTemplate, error)
	SetActive(ctx context.Context, id uint) error
}

// CreateTemplateHandler returns a handler that creates an exit template.
// The sell split and breakeven validation happens in the repository.
func CreateTemplateHandler(repo templateStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var tmpl model.ExitTemplate
		if err := json.NewDecoder(r.Body).Decode(&tmpl); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if tmpl.Name == "" {
			http.Error(w, "name is required", http.StatusBadRequest)
			return
		}

		if err := repo.Create(r.Context(), &tmpl); err != nil {
			if errors.Is(err, tp_sl.ErrBadPhaseCount) || errors.Is(err, tp_sl.ErrSellSplit) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			logger.WithError(err).Error("failed to create template")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		if err := json.NewEncoder(w).Encode(tmpl); err != nil {
			logger.WithError(err).Error("failed to encode template response")
		}
	}
}

// ListTemplatesHandler returns a handler listing every exit template.
func ListTemplatesHandler(repo templateStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		templates, err := repo.List(r.Context())
		if err != nil {
			logger.WithError(err).Error("failed to list templates")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(templates); err != nil {
			logger.WithError(err).Error("failed to encode template list response")
		}
	}
}

// GetTemplateHandler returns a handler fetching one template by id.
func GetTemplateHandler(repo templateStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := templateIDParam(w, r)
		if !ok {
			return
		}

		tmpl, err := repo.FindByID(r.Context(), id)
		if err != nil {
			logger.WithError(err).Error("failed to fetch template")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if tmpl == nil {
			http.Error(w, "template not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(tmpl); err != nil {
			logger.WithError(err).Error("failed to encode template response")
		}
	}
}

// ActivateTemplateHandler returns a handler that makes one template the
// active default.
func ActivateTemplateHandler(repo templateStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := templateIDParam(w, r)
		if !ok {
			return
		}

		if err := repo.SetActive(r.Context(), id); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				http.Error(w, "template not found", http.StatusNotFound)
				return
			}
			logger.WithError(err).Error("failed to activate template")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func templateIDParam(w http.ResponseWriter, r *http.Request) (uint, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		http.Error(w, "invalid template id", http.StatusBadRequest)
		return 0, false
	}
	return uint(id), true
}
