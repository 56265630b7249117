package agent

// RedactErrorMessage scrubs sensitive substrings (API keys, bearer tokens,
// passwords, private key blocks) from an error message before it is logged or
// surfaced to a session transcript, reusing the same builtin secret patterns
// ToolResultGuard applies to tool output.
func RedactErrorMessage(msg string) string {
	if msg == "" {
		return msg
	}
	for _, re := range builtinSecretPatterns {
		msg = re.ReplaceAllString(msg, "[REDACTED]")
	}
	return msg
}

// RedactError returns a new error with the same kind/component classification
// (if any) but a redacted message, suitable for returning to a caller that
// should not see raw secrets from a failed provider or tool call.
func RedactError(err error) error {
	if err == nil {
		return nil
	}
	if tagged, ok := err.(*TaggedError); ok {
		redacted := *tagged
		redacted.Message = RedactErrorMessage(tagged.Message)
		redacted.Cause = nil
		return &redacted
	}
	return &TaggedError{Kind: KindInternal, Message: RedactErrorMessage(err.Error())}
}
