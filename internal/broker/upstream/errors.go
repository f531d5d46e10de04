package upstream

import "fmt"

// NotFoundError is the typed "not found" result of FindTool/CallTool,
// surfaced in band by the meta-tool handlers.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tool %q not found", e.Name)
}

// AmbiguousError is the typed "ambiguous bare name" result of FindTool/CallTool.
type AmbiguousError struct {
	Name         string
	Alternatives []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous tool name %q, use a qualified name", e.Name)
}

// ConnectTimeoutError describes a connect attempt that exceeded its
// deadline; Connect records its message on the ServerConnection.
type ConnectTimeoutError struct {
	ServerKey string
}

func (e *ConnectTimeoutError) Error() string {
	return "Connection timeout"
}

// AuthPendingError marks a connect failure that requires interactive
// authorization unavailable to the core. Connect does not construct it: an
// authorization-required failure is recorded directly on the
// ServerConnection (authPending set, status error).
type AuthPendingError struct {
	ServerKey string
	Remedy    string
}

func (e *AuthPendingError) Error() string {
	return fmt.Sprintf("server %q requires authorization: %s", e.ServerKey, e.Remedy)
}
