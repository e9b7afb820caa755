package errors

// Error Categories
const (
	ConfigurationCategory = "CON"
	MessageCategory       = "MSG"
	QueueCategory         = "QUE"
	NetworkCategory       = "NET"
	ValidationCategory    = "VAL"
	GatewayCategory       = "APN"
)

// Configuration Error Codes
const (
	ErrInvalidConfig    Code = "CON001" // Invalid configuration
	ErrMissingConfig    Code = "CON002" // Missing required configuration
	ErrConfigValidation Code = "CON003" // Configuration validation failed
	ErrConfigLoadFailed Code = "CON005" // Failed to load configuration
)

// Message Error Codes
const (
	ErrInvalidMessage    Code = "MSG001" // Invalid message format
	ErrMessageTooLarge   Code = "MSG002" // Message size exceeds limit
	ErrMessageEncoding   Code = "MSG004" // Message encoding error
	ErrMessageSendFailed Code = "MSG005" // Failed to send message
)

// Queue Error Codes
const (
	ErrQueueTimeout       Code = "QUE003" // Queue operation timeout
	ErrQueueConnection    Code = "QUE004" // Queue connection error
	ErrQueueSerialization Code = "QUE005" // Queue serialization error
)

// Network Error Codes
const (
	ErrNetworkTimeout    Code = "NET001" // Network timeout
	ErrNetworkConnection Code = "NET002" // Network connection error
	ErrNetworkSSL        Code = "NET004" // SSL/TLS error
	ErrNetworkProtocol   Code = "NET005" // Protocol error
)

// Validation Error Codes
const (
	ErrValidationFailed Code = "VAL001" // Validation failed
	ErrInvalidFormat    Code = "VAL002" // Invalid format
	ErrMissingRequired  Code = "VAL003" // Missing required field
)

// Gateway Error Codes
const (
	ErrNotificationRejected Code = "APN001" // Gateway rejected a notification
	ErrNotificationDropped  Code = "APN002" // Notification outcome unknown, must be resent
	ErrConnectionNotReady   Code = "APN003" // Connection has not finished its handshake
	ErrConnectionDraining   Code = "APN004" // Connection is disconnecting
	ErrConnectionReused     Code = "APN005" // Connection was already connected once
	ErrManagerStarted       Code = "APN006" // Manager already started
	ErrManagerNotStarted    Code = "APN007" // Manager not started
	ErrManagerShutDown      Code = "APN008" // Manager shut down
	ErrIncompleteFrame      Code = "APN009" // Not enough input to decode a frame
)

// ErrorInfo contains metadata about error codes
type ErrorInfo struct {
	Code        Code   `json:"code"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Retryable   bool   `json:"retryable"`
}

var errorInfoMap = map[Code]ErrorInfo{
	ErrInvalidConfig:    {ErrInvalidConfig, ConfigurationCategory, "Invalid configuration provided", false},
	ErrMissingConfig:    {ErrMissingConfig, ConfigurationCategory, "Required configuration missing", false},
	ErrConfigValidation: {ErrConfigValidation, ConfigurationCategory, "Configuration validation failed", false},
	ErrConfigLoadFailed: {ErrConfigLoadFailed, ConfigurationCategory, "Failed to load configuration", true},

	ErrInvalidMessage:    {ErrInvalidMessage, MessageCategory, "Invalid message format", false},
	ErrMessageTooLarge:   {ErrMessageTooLarge, MessageCategory, "Message size exceeds limit", false},
	ErrMessageEncoding:   {ErrMessageEncoding, MessageCategory, "Message encoding error", false},
	ErrMessageSendFailed: {ErrMessageSendFailed, MessageCategory, "Failed to send message", true},

	ErrQueueTimeout:       {ErrQueueTimeout, QueueCategory, "Queue operation timeout", true},
	ErrQueueConnection:    {ErrQueueConnection, QueueCategory, "Queue connection error", true},
	ErrQueueSerialization: {ErrQueueSerialization, QueueCategory, "Queue serialization error", false},

	ErrNetworkTimeout:    {ErrNetworkTimeout, NetworkCategory, "Network timeout", true},
	ErrNetworkConnection: {ErrNetworkConnection, NetworkCategory, "Network connection error", true},
	ErrNetworkSSL:        {ErrNetworkSSL, NetworkCategory, "SSL/TLS error", false},
	ErrNetworkProtocol:   {ErrNetworkProtocol, NetworkCategory, "Protocol error", false},

	ErrValidationFailed: {ErrValidationFailed, ValidationCategory, "Validation failed", false},
	ErrInvalidFormat:    {ErrInvalidFormat, ValidationCategory, "Invalid format", false},
	ErrMissingRequired:  {ErrMissingRequired, ValidationCategory, "Missing required field", false},

	ErrNotificationRejected: {ErrNotificationRejected, GatewayCategory, "Gateway rejected the notification", false},
	ErrNotificationDropped:  {ErrNotificationDropped, GatewayCategory, "Notification must be resent", true},
	ErrConnectionNotReady:   {ErrConnectionNotReady, GatewayCategory, "Connection not ready", true},
	ErrConnectionDraining:   {ErrConnectionDraining, GatewayCategory, "Connection is disconnecting", true},
	ErrConnectionReused:     {ErrConnectionReused, GatewayCategory, "Connection already used", false},
	ErrManagerStarted:       {ErrManagerStarted, GatewayCategory, "Manager already started", false},
	ErrManagerNotStarted:    {ErrManagerNotStarted, GatewayCategory, "Manager not started", false},
	ErrManagerShutDown:      {ErrManagerShutDown, GatewayCategory, "Manager shut down", false},
	ErrIncompleteFrame:      {ErrIncompleteFrame, GatewayCategory, "Incomplete frame", true},
}

// GetErrorInfo returns metadata for a given error code
func GetErrorInfo(code Code) ErrorInfo {
	if info, exists := errorInfoMap[code]; exists {
		return info
	}
	return ErrorInfo{
		Code:        code,
		Category:    "UNKNOWN",
		Description: "Unknown error code",
	}
}

// IsRetryable checks if an error code is retryable
func IsRetryable(code Code) bool {
	return GetErrorInfo(code).Retryable
}

// NewConfigError creates a configuration validation error for field
func NewConfigError(field string, message string) *NotifyError {
	return New(ErrConfigValidation, message).
		WithContext("category", ConfigurationCategory).
		WithContext("field", field)
}

// NewNetworkError creates a network error
func NewNetworkError(code Code, endpoint string, cause error) *NotifyError {
	return Wrap(cause, code, GetErrorInfo(code).Description).
		WithContext("category", NetworkCategory).
		WithContext("endpoint", endpoint)
}
