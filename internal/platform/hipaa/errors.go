package hipaa

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownToken is a soft miss: the token was never stored. Callers
	// leave the marker intact instead of failing.
	ErrUnknownToken = errors.New("phi vault: unknown token")

	// ErrScanNotFound is returned when a security scan id does not exist.
	ErrScanNotFound = errors.New("security scan: not found")

	// ErrActorNotFound and ErrClientNotFound are returned by the directory
	// collaborators consumed by the access policy engine.
	ErrActorNotFound  = errors.New("access policy: actor not found")
	ErrClientNotFound = errors.New("access policy: client not found")
)

// ConfigurationError reports a missing or invalid encryption key. It is
// fatal at startup.
type ConfigurationError struct {
	Setting string
	Reason  string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("phi configuration: %s: %s: %v", e.Setting, e.Reason, e.Err)
	}
	return fmt.Sprintf("phi configuration: %s: %s", e.Setting, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// DecryptionError reports a malformed blob or a blob that does not
// authenticate under the server key. Recoverable: the field is shown as
// redacted.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("phi decrypt: %s: %v", e.Reason, e.Err)
	}
	return "phi decrypt: " + e.Reason
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// InvalidScanStateError is returned when remediation is requested for a scan
// that has not completed. No mutation happens before it is returned.
type InvalidScanStateError struct {
	ScanID string
	Status ScanStatus
}

func (e *InvalidScanStateError) Error() string {
	return fmt.Sprintf("security scan %s: cannot remediate scan in state %s", e.ScanID, e.Status)
}

// IsDecryptionError reports whether err wraps a DecryptionError.
func IsDecryptionError(err error) bool {
	var de *DecryptionError
	return errors.As(err, &de)
}
