// Package tag provides standardized tag keys for structured logging.
//
// All tag keys use kebab-case naming convention. Use these constants
// instead of raw strings to keep log output consistent across the codebase.
package tag

// Core identification tags
const (
	// Error is the standard tag for error objects.
	Error = "err"

	// Workflow identifies a workflow by id.
	Workflow = "workflow"

	// Node identifies a workflow node by id.
	Node = "node"

	// RunID identifies a workflow run.
	RunID = "run-id"

	// TenantID identifies the owning tenant.
	TenantID = "tenant-id"

	// RequestID identifies a protocol request.
	RequestID = "request-id"
)

// Tool-server tags
const (
	// Server identifies a registered tool server by id.
	Server = "server"

	// Tool identifies a tool by name.
	Tool = "tool"

	// Transport identifies a transport kind (stdio, http, websocket).
	Transport = "transport"

	// Method identifies a protocol method name.
	Method = "method"

	// URL identifies URL values.
	URL = "url"

	// Command identifies commands being executed.
	Command = "command"
)

// Execution context tags
const (
	// Status identifies execution status values.
	Status = "status"

	// Type identifies node or executor kinds.
	Type = "type"

	// Attempt identifies an attempt number.
	Attempt = "attempt"

	// Timeout identifies timeout duration values.
	Timeout = "timeout"

	// ExitCode identifies process exit codes.
	ExitCode = "exit-code"

	// Duration identifies time durations.
	Duration = "duration"

	// MaxConcurrency identifies maximum concurrency limits.
	MaxConcurrency = "max-concurrency"

	// Count identifies numeric counts.
	Count = "count"

	// Reason identifies reason for an action or state.
	Reason = "reason"
)

// Path and file tags
const (
	// File is the tag for file paths.
	File = "file"

	// Dir is the tag for directory paths.
	Dir = "dir"
)
