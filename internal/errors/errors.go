package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/token-distributor/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryValidation represents precondition failures detected before any mutation
	CategoryValidation ErrorCategory = "validation"
	// CategoryUserInput represents malformed request input (4xx)
	CategoryUserInput ErrorCategory = "user_input"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents state conflicts such as a concurrent run
	CategoryConflict ErrorCategory = "conflict"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategoryLedger represents ledger RPC errors
	CategoryLedger ErrorCategory = "ledger"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryCache represents redis errors
	CategoryCache ErrorCategory = "cache"
)

// Error codes
const (
	CodeCampaignNotFound    = "CAMPAIGN_NOT_FOUND"
	CodeCampaignCompleted   = "CAMPAIGN_COMPLETED"
	CodeInvalidNetwork      = "INVALID_NETWORK"
	CodeInvalidAsset        = "INVALID_ASSET"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeInsufficientFee     = "INSUFFICIENT_FEE"
	CodeAlreadyRunning      = "ALREADY_RUNNING"
	CodeRunNotFound         = "RUN_NOT_FOUND"
	CodeInvalidParameter    = "INVALID_PARAMETER"
	CodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	CodeLedgerError         = "LEDGER_ERROR"
	CodeDatabaseError       = "DATABASE_ERROR"
	CodeCacheError          = "CACHE_ERROR"
	CodeInternalError       = "INTERNAL_ERROR"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
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

// Is matches on Code so that errors.Is(err, ErrInvalidAsset) holds for any
// error built by NewInvalidAssetError, whatever its details.
func (e *CategorizedError) Is(target error) bool {
	t, ok := target.(*CategorizedError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// Sentinels for errors.Is
var (
	ErrCampaignNotFound    = &CategorizedError{Code: CodeCampaignNotFound}
	ErrCampaignCompleted   = &CategorizedError{Code: CodeCampaignCompleted}
	ErrInvalidNetwork      = &CategorizedError{Code: CodeInvalidNetwork}
	ErrInvalidAsset        = &CategorizedError{Code: CodeInvalidAsset}
	ErrInsufficientBalance = &CategorizedError{Code: CodeInsufficientBalance}
	ErrInsufficientFee     = &CategorizedError{Code: CodeInsufficientFee}
	ErrAlreadyRunning      = &CategorizedError{Code: CodeAlreadyRunning}
	ErrRunNotFound         = &CategorizedError{Code: CodeRunNotFound}
)

// Request and precondition errors (4xx)

// NewCampaignNotFoundError creates a campaign not found error
func NewCampaignNotFoundError(campaignID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodeCampaignNotFound,
		Message:    fmt.Sprintf("campaign not found: %s", campaignID),
		Details:    map[string]interface{}{"campaignId": campaignID},
	}
}

// NewRunNotFoundError creates a run not found error
func NewRunNotFoundError(runID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodeRunNotFound,
		Message:    fmt.Sprintf("run not found: %s", runID),
		Details:    map[string]interface{}{"runId": runID},
	}
}

// NewCampaignCompletedError creates an error for a campaign that has nothing left to pay
func NewCampaignCompletedError(campaignID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUserInput,
		StatusCode: http.StatusBadRequest,
		Code:       CodeCampaignCompleted,
		Message:    fmt.Sprintf("campaign already completed: %s", campaignID),
		Details:    map[string]interface{}{"campaignId": campaignID},
	}
}

// NewInvalidNetworkError creates an invalid network or ledger configuration error
func NewInvalidNetworkError(network string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUserInput,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidNetwork,
		Message:    fmt.Sprintf("invalid network %q: %s", network, reason),
		Details:    map[string]interface{}{"network": network, "reason": reason},
	}
}

// NewInvalidAssetError creates an error for an asset that does not exist on the ledger
func NewInvalidAssetError(assetID string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeInvalidAsset,
		Message:    fmt.Sprintf("asset does not exist on the ledger: %s", assetID),
		Details:    map[string]interface{}{"assetId": assetID},
		Cause:      cause,
	}
}

// NewInsufficientBalanceError creates an error for a distributor that cannot cover the campaign
func NewInsufficientBalanceError(required, available string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeInsufficientBalance,
		Message:    fmt.Sprintf("distributor asset balance %s is below required %s", available, required),
		Details:    map[string]interface{}{"required": required, "available": available},
	}
}

// NewInsufficientFeeError creates an error for a distributor without enough native funds for fees
func NewInsufficientFeeError(required, available string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeInsufficientFee,
		Message:    fmt.Sprintf("distributor native balance %s is below fee reserve %s", available, required),
		Details:    map[string]interface{}{"required": required, "available": available},
	}
}

// NewAlreadyRunningError creates an error for a campaign claimed by another run
func NewAlreadyRunningError(campaignID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeAlreadyRunning,
		Message:    fmt.Sprintf("campaign is already being distributed: %s", campaignID),
		Details:    map[string]interface{}{"campaignId": campaignID},
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUserInput,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidParameter,
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
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
		Details:    map[string]interface{}{"retryAfter": retryAfter},
	}
}

// System errors (5xx)

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternalError,
		Message:    message,
		Cause:      cause,
	}
}

// NewLedgerError creates a ledger RPC error
func NewLedgerError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryLedger,
		StatusCode: http.StatusBadGateway,
		Code:       CodeLedgerError,
		Message:    fmt.Sprintf("ledger error during %s", operation),
		Cause:      cause,
		Details:    map[string]interface{}{"operation": operation},
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeDatabaseError,
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details:    map[string]interface{}{"operation": operation},
	}
}

// NewCacheError creates a redis error
func NewCacheError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCache,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeCacheError,
		Message:    fmt.Sprintf("cache error during %s", operation),
		Cause:      cause,
		Details:    map[string]interface{}{"operation": operation},
	}
}

// Categorize categorizes an existing error, searching wrapped chains
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) && catErr.StatusCode != 0 {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return categorizeServiceError(svcErr)
	}

	return NewInternalError("unexpected error", err)
}

func categorizeServiceError(err *types.ServiceError) *CategorizedError {
	out := &CategorizedError{
		Code:    err.Code,
		Message: err.Message,
		Details: err.Details,
	}
	switch err.Code {
	case CodeCampaignNotFound, CodeRunNotFound:
		out.Category, out.StatusCode = CategoryNotFound, http.StatusNotFound
	case CodeCampaignCompleted, CodeInvalidNetwork, CodeInvalidParameter:
		out.Category, out.StatusCode = CategoryUserInput, http.StatusBadRequest
	case CodeInvalidAsset, CodeInsufficientBalance, CodeInsufficientFee:
		out.Category, out.StatusCode = CategoryValidation, http.StatusUnprocessableEntity
	case CodeAlreadyRunning:
		out.Category, out.StatusCode = CategoryConflict, http.StatusConflict
	default:
		out.Category, out.StatusCode = CategorySystem, http.StatusInternalServerError
	}
	return out
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryLedger, CategoryDatabase, CategoryCache:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsValidationError reports whether err is a precondition failure that aborted a run before any mutation
func IsValidationError(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryValidation
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}
	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}
