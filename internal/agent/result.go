package agent

// Result is the normalized outcome of one agent invocation. Callers never
// see raw provider payloads; they branch on success and read content or the
// failure message through the accessor functions, which tolerate nil.
type Result struct {
	OK         bool
	Content    string
	TokensUsed int
	ErrMessage string

	// Fallback holds degraded template content attached to failures for
	// agents that define one. Callers may surface it instead of an error
	// when the provider is down.
	Fallback string
}

// Succeed wraps generated content in a success result.
func Succeed(content string, tokensUsed int) *Result {
	return &Result{OK: true, Content: content, TokensUsed: tokensUsed}
}

// Fail wraps an error message in a failure result.
func Fail(message string) *Result {
	return &Result{OK: false, ErrMessage: message}
}

// IsSuccess reports whether r is a usable success. A nil result is a
// failure, never a crash.
func IsSuccess(r *Result) bool {
	return r != nil && r.OK
}

// ExtractContent returns the generated content of a success result and ""
// for failures or nil.
func ExtractContent(r *Result) string {
	if !IsSuccess(r) {
		return ""
	}
	return r.Content
}

// FormatError returns a human-readable message for a failed result.
func FormatError(r *Result) string {
	if r == nil || r.ErrMessage == "" {
		return "No response from agent"
	}
	return r.ErrMessage
}
