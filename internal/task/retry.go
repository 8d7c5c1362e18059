package task

import (
	"errors"

	"github.com/sundeep-k/voxqueue/internal/models"
)

// classify turns whatever the Engine Adapter returned into a TaskError. The
// adapter is expected to classify its own errors per the error taxonomy;
// anything that arrives unclassified is treated as permanent, the safe
// default for an error this layer doesn't recognize.
func classify(err error) *models.TaskError {
	if err == nil {
		return nil
	}
	var te *models.TaskError
	if errors.As(err, &te) {
		return te
	}
	return models.NewTaskError(models.ErrPermanentEngine, err.Error())
}

// shouldRetry decides whether a classified failure gets another attempt.
func shouldRetry(te *models.TaskError, retryCount, maxRetries int) bool {
	if te == nil {
		return false
	}
	return te.Code.Transient() && retryCount < maxRetries
}
