package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	logger "github.com/sirupsen/logrus"

	"phasedexecutor/src/model"
)

type issueLister interface {
	FindPending(ctx context.Context) ([]model.ReconciliationIssue, error)
}

type exceptionLister interface {
	FindRecent(ctx context.Context, limit int) ([]model.Exception, error)
}

// ListIssuesHandler returns a handler listing reconciliation issues that
// still await human review.
func ListIssuesHandler(repo issueLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		issues, err := repo.FindPending(r.Context())
		if err != nil {
			logger.WithError(err).Error("failed to list reconciliation issues")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(issues); err != nil {
			logger.WithError(err).Error("failed to encode issue list response")
		}
	}
}

// ListExceptionsHandler returns a handler listing the most recent captured
// system exceptions.
func ListExceptionsHandler(repo exceptionLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
			parsed, err := strconv.Atoi(limitParam)
			if err != nil || parsed <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = parsed
		}

		exceptions, err := repo.FindRecent(r.Context(), limit)
		if err != nil {
			logger.WithError(err).Error("failed to list exceptions")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(exceptions); err != nil {
			logger.WithError(err).Error("failed to encode exception list response")
		}
	}
}
