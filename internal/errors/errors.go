package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/cloud-importer/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryUserInput represents user input errors (4xx)
	CategoryUserInput ErrorCategory = "user_input"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategoryProvider represents remote file source errors
	CategoryProvider ErrorCategory = "provider"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryStorage represents object storage errors
	CategoryStorage ErrorCategory = "storage"
	// CategoryValidation represents validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryAuthorization represents authorization errors
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents conflict errors
	CategoryConflict ErrorCategory = "conflict"
	// CategoryQuota represents monthly quota errors
	CategoryQuota ErrorCategory = "quota"
	// CategoryRateLimit represents request rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
)

// Error codes returned to callers.
const (
	CodeInvalidParameter  = "INVALID_PARAMETER"
	CodeInvalidSource     = "INVALID_SOURCE"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeJobNotFound       = "JOB_NOT_FOUND"
	CodeJobNotProcessing  = "JOB_NOT_PROCESSING"
	CodeJobBusy           = "JOB_BUSY"
	CodeVersionConflict   = "VERSION_CONFLICT"
	CodeQuotaConflict     = "QUOTA_CONFLICT"
	CodeQuotaReached      = "QUOTA_REACHED"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeInternal          = "INTERNAL_ERROR"
	CodeDatabase          = "DATABASE_ERROR"
	CodeStorage           = "STORAGE_ERROR"
	CodeServiceDown       = "SERVICE_UNAVAILABLE"
	CodeProvider          = "PROVIDER_ERROR"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
	Retryable  bool
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// User Input Errors (4xx)

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidParameter,
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewInvalidSourceError is returned when a folder reference cannot be resolved or listed
func NewInvalidSourceError(sourceRef string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUserInput,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidSource,
		Message:    fmt.Sprintf("invalid source folder: %s", sourceRef),
		Cause:      cause,
		Details: map[string]interface{}{
			"sourceRef": sourceRef,
		},
	}
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusUnauthorized,
		Code:       CodeUnauthorized,
		Message:    message,
	}
}

// NewJobNotFoundError creates a not found error for an import job
func NewJobNotFoundError(jobID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodeJobNotFound,
		Message:    fmt.Sprintf("import job not found: %s", jobID),
		Details: map[string]interface{}{
			"jobId": jobID,
		},
	}
}

// NewJobNotProcessingError is returned for batch steps against a terminal job
func NewJobNotProcessingError(jobID string, status types.JobStatus) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeJobNotProcessing,
		Message:    fmt.Sprintf("import job %s is %s", jobID, status),
		Details: map[string]interface{}{
			"jobId":  jobID,
			"status": status,
		},
	}
}

// NewJobBusyError is returned when another batch step holds the job lock
func NewJobBusyError(jobID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeJobBusy,
		Message:    fmt.Sprintf("a batch step is already running for import job %s", jobID),
		Retryable:  true,
		Details: map[string]interface{}{
			"jobId": jobID,
		},
	}
}

// NewVersionConflictError is returned when the job record changed under a running step
func NewVersionConflictError(jobID string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeVersionConflict,
		Message:    fmt.Sprintf("import job %s was modified concurrently", jobID),
		Cause:      cause,
		Retryable:  true,
		Details: map[string]interface{}{
			"jobId": jobID,
		},
	}
}

// NewQuotaConflictError is returned when other imports of the same owner used
// the quota a running step planned with. Nothing was committed.
func NewQuotaConflictError(jobID, ownerID string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeQuotaConflict,
		Message:    fmt.Sprintf("monthly quota changed while import job %s was running", jobID),
		Cause:      cause,
		Retryable:  true,
		Details: map[string]interface{}{
			"jobId":   jobID,
			"ownerId": ownerID,
		},
	}
}

// NewQuotaReachedError is returned when an import cannot start because the monthly quota is used up
func NewQuotaReachedError(ownerID string, used, limit int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryQuota,
		StatusCode: http.StatusForbidden,
		Code:       CodeQuotaReached,
		Message:    fmt.Sprintf("monthly import limit reached (%d/%d)", used, limit),
		Details: map[string]interface{}{
			"ownerId": ownerID,
			"used":    used,
			"limit":   limit,
			"upgrade": true,
		},
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       CodeRateLimitExceeded,
		Message:    "rate limit exceeded",
		Retryable:  true,
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// System Errors (5xx)

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternal,
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeDatabase,
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Retryable:  true,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewStorageError creates an object storage error
func NewStorageError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryStorage,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeStorage,
		Message:    fmt.Sprintf("storage error during %s", operation),
		Cause:      cause,
		Retryable:  true,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewServiceUnavailableError creates a service unavailable error
func NewServiceUnavailableError(service string) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusServiceUnavailable,
		Code:       CodeServiceDown,
		Message:    fmt.Sprintf("service unavailable: %s", service),
		Retryable:  true,
		Details: map[string]interface{}{
			"service": service,
		},
	}
}

// Remote Source Errors

// NewProviderError creates a remote file source error
func NewProviderError(provider string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       CodeProvider,
		Message:    fmt.Sprintf("file source error: %s", provider),
		Cause:      cause,
		Retryable:  true,
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// FromServiceError rebuilds a categorized error from a decoded API error body
func FromServiceError(statusCode int, svcErr *types.ServiceError) *CategorizedError {
	catErr := categorizeServiceError(svcErr)
	if statusCode != 0 {
		catErr.StatusCode = statusCode
	}
	return catErr
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return categorizeServiceError(svcErr)
	}

	return NewInternalError("unexpected error", err)
}

// categorizeServiceError categorizes a ServiceError
func categorizeServiceError(err *types.ServiceError) *CategorizedError {
	catErr := &CategorizedError{
		Code:    err.Code,
		Message: err.Message,
		Details: err.Details,
	}

	switch err.Code {
	case CodeInvalidParameter, CodeInvalidSource:
		catErr.Category, catErr.StatusCode = CategoryUserInput, http.StatusBadRequest
	case CodeJobNotFound:
		catErr.Category, catErr.StatusCode = CategoryNotFound, http.StatusNotFound
	case CodeJobBusy, CodeVersionConflict, CodeQuotaConflict:
		catErr.Category, catErr.StatusCode = CategoryConflict, http.StatusConflict
		catErr.Retryable = true
	case CodeJobNotProcessing:
		catErr.Category, catErr.StatusCode = CategoryConflict, http.StatusConflict
	case CodeQuotaReached:
		catErr.Category, catErr.StatusCode = CategoryQuota, http.StatusForbidden
	case CodeUnauthorized:
		catErr.Category, catErr.StatusCode = CategoryAuthorization, http.StatusUnauthorized
	case CodeRateLimitExceeded:
		catErr.Category, catErr.StatusCode = CategoryRateLimit, http.StatusTooManyRequests
		catErr.Retryable = true
	case CodeServiceDown:
		catErr.Category, catErr.StatusCode = CategorySystem, http.StatusServiceUnavailable
		catErr.Retryable = true
	default:
		catErr.Category, catErr.StatusCode = CategorySystem, http.StatusInternalServerError
	}

	return catErr
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// HasCode reports whether err categorizes to the given error code
func HasCode(err error, code string) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Code == code
}

// IsNotFound reports whether err refers to a missing import job
func IsNotFound(err error) bool {
	return HasCode(err, CodeJobNotFound)
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}
	if catErr.Retryable {
		return true
	}

	switch catErr.Category {
	case CategoryProvider, CategoryDatabase, CategoryStorage:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}

// IsSystemError determines if an error is a system error (5xx)
func IsSystemError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 500
}
