package provider

import "fmt"

// ConfigurationError indicates missing credentials or sender addresses.
// Not retryable; surfaced to the caller as-is.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("provider configuration: %s", e.Reason)
}

// ProviderError indicates a transport or API failure talking to the
// messaging provider. Scheduled jobs treat it as one failed attempt.
type ProviderError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider request failed (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider request failed: %s", e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
