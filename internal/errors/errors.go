/**
 * Custom error types for the drawings annotation worker.
 *
 * Every failure the engine can surface maps to one ErrorCode so that
 * callers (HTTP layer, queue consumer) can branch without string matching.
 */

package errors

import (
	"fmt"
	"time"
)

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Caller errors
	ErrorNotFound   ErrorCode = "NOT_FOUND"
	ErrorOutOfRange ErrorCode = "OUT_OF_RANGE"

	// Re-detection of an already processed sheet. Callers treat this as a
	// no-op success, never as fatal.
	ErrorAlreadyProcessed ErrorCode = "ALREADY_PROCESSED"

	// Collaborator (detector/reader/renderer) failure or timeout
	ErrorExternalService ErrorCode = "EXTERNAL_SERVICE"

	// One or more sibling-crop rewrites failed during propagation.
	// The primary save has still succeeded.
	ErrorPartialPropagation ErrorCode = "PARTIAL_PROPAGATION"

	// Storage backend failure
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"
)

// WorkerError represents a structured error with code and context
type WorkerError struct {
	Code      ErrorCode
	Message   string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *WorkerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *WorkerError) Unwrap() error {
	return e.Cause
}

// CropRef identifies one (upload, page, crop) unit.
type CropRef struct {
	UploadID string `json:"upload_id"`
	PageNum  int    `json:"page_num"`
	CropIdx  int    `json:"crop_idx"`
}

// FailedCrop pairs a crop reference with the rewrite error it hit.
type FailedCrop struct {
	CropRef
	Reason string `json:"reason"`
}

// Factory functions for common errors

func NewNotFound(resource, key string) *WorkerError {
	return &WorkerError{
		Code:      ErrorNotFound,
		Message:   fmt.Sprintf("%s not found: %s", resource, key),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"resource": resource,
			"key":      key,
		},
	}
}

func NewOutOfRange(what string, index, total int) *WorkerError {
	return &WorkerError{
		Code:      ErrorOutOfRange,
		Message:   fmt.Sprintf("%s index %d out of range [0, %d)", what, index, total),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"what":  what,
			"index": index,
			"total": total,
		},
	}
}

func NewAlreadyProcessed(uploadID string, pageNum int) *WorkerError {
	return &WorkerError{
		Code:      ErrorAlreadyProcessed,
		Message:   fmt.Sprintf("page %d of upload %s already has a crop set", pageNum, uploadID),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"upload_id": uploadID,
			"page_num":  pageNum,
		},
	}
}

func NewExternalService(service, message string, cause error) *WorkerError {
	return &WorkerError{
		Code:      ErrorExternalService,
		Message:   fmt.Sprintf("%s: %s", service, message),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"service": service,
		},
		Cause: cause,
	}
}

// NewExternalTimeout reports a collaborator call that did not reach a
// terminal status within the polling cap.
func NewExternalTimeout(service string, waited time.Duration) *WorkerError {
	return &WorkerError{
		Code:      ErrorExternalService,
		Message:   fmt.Sprintf("%s did not reach a terminal status after %v", service, waited),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"service": service,
			"waited":  waited.String(),
			"timeout": true,
		},
	}
}

func NewPartialPropagation(failed []FailedCrop) *WorkerError {
	return &WorkerError{
		Code:      ErrorPartialPropagation,
		Message:   fmt.Sprintf("%d sibling crop(s) failed to update during propagation", len(failed)),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"failed_crops": failed,
		},
	}
}

func NewStorageFailed(op, key string, cause error) *WorkerError {
	return &WorkerError{
		Code:      ErrorStorageFailed,
		Message:   fmt.Sprintf("storage %s failed for key %s", op, key),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"op":  op,
			"key": key,
		},
		Cause: cause,
	}
}

// CodeOf walks the error chain and returns the first WorkerError code,
// or the empty string when the chain holds none.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if we, ok := err.(*WorkerError); ok {
			return we.Code
		}
		wrapped, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = wrapped.Unwrap()
	}
	return ""
}

func IsNotFound(err error) bool         { return CodeOf(err) == ErrorNotFound }
func IsOutOfRange(err error) bool       { return CodeOf(err) == ErrorOutOfRange }
func IsAlreadyProcessed(err error) bool { return CodeOf(err) == ErrorAlreadyProcessed }
func IsExternalService(err error) bool  { return CodeOf(err) == ErrorExternalService }

// FailedCrops extracts the failure list from a partial propagation error.
func FailedCrops(err error) []FailedCrop {
	for err != nil {
		if we, ok := err.(*WorkerError); ok && we.Code == ErrorPartialPropagation {
			if failed, ok := we.Details["failed_crops"].([]FailedCrop); ok {
				return failed
			}
		}
		wrapped, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = wrapped.Unwrap()
	}
	return nil
}

// ToMap converts error to map for structured reporting
func (e *WorkerError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
