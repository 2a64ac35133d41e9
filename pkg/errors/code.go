package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Configuration & job spec errors
// 12000-12999: Source & artifact errors
// 13000-13999: Execution errors
// 14000-14999: Report errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	LockFailed ErrorCode = 10203

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Configuration Errors (11000-11999) ==========

	ConfigInvalid    ErrorCode = 11000
	JobSpecInvalid   ErrorCode = 11100
	JobSpecNotFound  ErrorCode = 11101
	IncludeCycle     ErrorCode = 11102
	IncludeFailed    ErrorCode = 11103
	CheckNotFound    ErrorCode = 11200
	UnsupportedMode  ErrorCode = 11201
	UnsupportedMatch ErrorCode = 11202

	// ========== Source & Artifact Errors (12000-12999) ==========

	SourceReadFailed ErrorCode = 12000
	SourceTooLarge   ErrorCode = 12001
	SourceListFailed ErrorCode = 12002
	ArchiveInvalid   ErrorCode = 12100
	ArchiveWrite     ErrorCode = 12101
	PathEscape       ErrorCode = 12102
	ReferencePackBad ErrorCode = 12200

	// ========== Execution Errors (13000-13999) ==========

	ExecutionFailed  ErrorCode = 13000
	ExecutionTimeout ErrorCode = 13001
	WorkspaceFailed  ErrorCode = 13002
	StagingFailed    ErrorCode = 13003
	EngineError      ErrorCode = 13100

	// ========== Report Errors (14000-14999) ==========

	DiagnosticParseFailed ErrorCode = 14000
	ReportPublishFailed   ErrorCode = 14100
)

// errorMessages maps error codes to their default messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Cache
	CacheError: "Cache operation failed",
	LockFailed: "Failed to acquire lock",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Configuration
	ConfigInvalid:    "Invalid configuration",
	JobSpecInvalid:   "Invalid job specification",
	JobSpecNotFound:  "Job specification not found",
	IncludeCycle:     "Include cycle detected",
	IncludeFailed:    "Failed to resolve include",
	CheckNotFound:    "Check not configured",
	UnsupportedMode:  "Unsupported execution mode",
	UnsupportedMatch: "Unsupported match policy",

	// Source & Artifact
	SourceReadFailed: "Failed to read source file",
	SourceTooLarge:   "Source file is too large",
	SourceListFailed: "Failed to list source files",
	ArchiveInvalid:   "Invalid archive",
	ArchiveWrite:     "Failed to write archive",
	PathEscape:       "Path escapes the target root",
	ReferencePackBad: "Invalid reference pack",

	// Execution
	ExecutionFailed:  "Execution failed",
	ExecutionTimeout: "Execution timed out",
	WorkspaceFailed:  "Workspace operation failed",
	StagingFailed:    "Failed to stage test files",
	EngineError:      "Sandbox engine error",

	// Report
	DiagnosticParseFailed: "Failed to parse diagnostic block",
	ReportPublishFailed:   "Failed to publish report",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// ExitStatus returns the process exit status a CLI should use for the error code
func (c ErrorCode) ExitStatus() int {
	switch {
	case c == Success:
		return 0
	case c >= 11000 && c < 12000: // Configuration errors
		return 2
	case c >= 10300 && c < 10400: // Validation errors
		return 2
	case c == ArchiveInvalid, c == PathEscape:
		return 2
	case c == ExecutionTimeout:
		return 3
	default:
		return 1
	}
}
