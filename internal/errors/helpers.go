package errors

import (
	"fmt"
	"net/http"
)

// Common error creators for frequent use cases

// NewValidationError creates a validation error with field context
func NewValidationError(field, value, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithContext("value", value).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Database operation failed")
}

// NewSessionNotReadyError is returned when a send is attempted outside the Ready state.
// The caller may poll the session state and try again.
func NewSessionNotReadyError(state string) *AppError {
	return New(ErrCodeSessionNotReady, "session is not ready").
		WithContext("state", state).
		WithUserMessage(fmt.Sprintf("WhatsApp session is not ready (state: %s)", state))
}

// NewAlreadyConnectingError is returned by connect when the session has left Disconnected
func NewAlreadyConnectingError(state string) *AppError {
	return New(ErrCodeAlreadyConnecting, "session is already connecting or connected").
		WithContext("state", state).
		WithUserMessage("Session is already connecting")
}

// NewExternalClientError wraps a rejection from the chat network
func NewExternalClientError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeExternalClientFailure, fmt.Sprintf("chat client %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("The chat network rejected the request")
}

// NewUnknownMessageError describes an ack or update for an untracked message
func NewUnknownMessageError(externalID string) *AppError {
	return New(ErrCodeUnknownMessageReference, "unknown message reference").
		WithContext("message_id", externalID)
}

// NewDeliveryError creates a webhook delivery failure for one endpoint.
// Timeouts and 5xx/408/429 responses are retryable.
func NewDeliveryError(endpoint string, statusCode int, err error) *AppError {
	appErr := Wrap(err, ErrCodeWebhookDeliveryFailure, "webhook delivery failed").
		WithContext("endpoint", endpoint)
	if statusCode > 0 {
		appErr = appErr.WithContext("status_code", statusCode)
	}
	appErr.Retryable = statusCode == 0 || statusCode >= 500 || statusCode == 429 || statusCode == 408
	return appErr
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration string) *AppError {
	return New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration).
		WithUserMessage("Operation timed out, please try again")
}

// NewAuthError creates an authentication/authorization error
func NewAuthError(reason string) *AppError {
	return New(ErrCodeAuthentication, "authentication failed").
		WithContext("reason", reason).
		WithUserMessage("Authentication failed")
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// HTTPStatusCode maps error codes to appropriate HTTP status codes
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeValidationFailed, ErrCodeInvalidInput, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeAuthentication:
		return http.StatusUnauthorized
	case ErrCodeAuthorization:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeSessionNotReady, ErrCodeAlreadyConnecting:
		return http.StatusConflict
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeExternalClientFailure:
		return http.StatusBadGateway
	case ErrCodeDatabaseConnection, ErrCodeDatabaseQuery, ErrCodeDatabaseMigration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the standardized HTTP error body
type HTTPErrorResponse struct {
	Error struct {
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Context interface{} `json:"context,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// ToHTTPResponse converts an error to a standardized HTTP response
func ToHTTPResponse(err error, requestID string) HTTPErrorResponse {
	response := HTTPErrorResponse{
		RequestID: requestID,
	}

	appErr, ok := As(err)
	if !ok {
		response.Error.Code = ErrCodeInternalError
		response.Error.Message = GetUserMessage(err)
		return response
	}

	response.Error.Code = appErr.Code
	response.Error.Message = GetUserMessage(err)
	if len(appErr.Context) > 0 {
		publicContext := make(map[string]interface{})
		for k, v := range appErr.Context {
			if k != "password" && k != "token" && k != "secret" {
				publicContext[k] = v
			}
		}
		if len(publicContext) > 0 {
			response.Error.Context = publicContext
		}
	}

	return response
}
