package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	logger "github.com/sirupsen/logrus"

	"phasedexecutor/src/model"
)

// ClientOrderID derives the deterministic idempotency token for an order
// from the trade UUID, the phase number and the order's purpose. Retried
// submissions of the same logical order produce the same token.
func ClientOrderID(tradeUUID string, phase int, purpose model.OrderPurpose) string {
	return fmt.Sprintf("%s-p%d-%s", tradeUUID, phase, purpose)
}

// Capture records a system exception, logs it locally, and persists it in
// the database when a repository is available.
func Capture(
	ctx context.Context,
	repo exceptionRepository,
	service string,
	module string,
	method string,
	level string,
	err error,
	contextData map[string]interface{},
) {

	if err == nil {
		return
	}

	var ctxJSON string
	if contextData != nil {
		if b, e := json.Marshal(contextData); e == nil {
			ctxJSON = string(b)
		}
	}

	exc := &model.Exception{
		Service:   service,
		Module:    module,
		Method:    method,
		Message:   err.Error(),
		Stack:     string(debug.Stack()),
		Level:     level,
		Context:   ctxJSON,
		CreatedAt: time.Now(),
	}

	// Local log
	logger.WithFields(map[string]interface{}{
		"service": service,
		"module":  module,
		"method":  method,
		"level":   level,
	}).WithError(err).Error("System exception captured")

	// Persist in database
	if repo != nil {
		repo.Create(ctx, exc)
	}
}
