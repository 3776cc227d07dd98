// Package resilience classifies external command failures and decides how to
// handle them: retry with backoff for transient kinds, immediate abort for
// critical kinds, and a circuit breaker that stops repeated attempts against
// an operation that keeps failing.
package resilience

import "strings"

// Kind is the classification of a command failure.
type Kind string

const (
	KindNetwork        Kind = "network"
	KindTimeout        Kind = "timeout"
	KindDisk           Kind = "disk"
	KindLockContention Kind = "lock_contention"
	KindPackageCorrupt Kind = "package_corrupt"
	KindPermission     Kind = "permission"
	KindNotFound       Kind = "not_found"
	KindUnknown        Kind = "unknown"
)

// Severity ranks how bad a failure kind is.
type Severity string

const (
	SeverityFatal   Severity = "fatal"
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// classification holds the fixed attributes of a failure kind.
type classification struct {
	severity   Severity
	retryable  bool
	suggestion string
}

var classifications = map[Kind]classification{
	KindNetwork: {
		severity:   SeverityWarning,
		retryable:  true,
		suggestion: "Check network connectivity and DNS resolution, then retry",
	},
	KindTimeout: {
		severity:   SeverityWarning,
		retryable:  true,
		suggestion: "The operation timed out; retry, or increase the timeout if it persists",
	},
	KindDisk: {
		severity:   SeverityFatal,
		retryable:  false,
		suggestion: "Free disk space (apt-get clean, remove old logs) and re-run",
	},
	KindLockContention: {
		severity:   SeverityWarning,
		retryable:  true,
		suggestion: "Another package operation is running; wait for it to finish or clear stale locks",
	},
	KindPackageCorrupt: {
		severity:   SeverityError,
		retryable:  true,
		suggestion: "Package cache may be corrupt; run apt-get clean && apt-get update and retry",
	},
	KindPermission: {
		severity:   SeverityFatal,
		retryable:  false,
		suggestion: "Run with sufficient privileges (root or sudo)",
	},
	KindNotFound: {
		severity:   SeverityFatal,
		retryable:  false,
		suggestion: "Verify the package or command name and that required repositories are configured",
	},
	KindUnknown: {
		severity:   SeverityError,
		retryable:  false,
		suggestion: "Inspect the command output for details",
	},
}

// patterns maps known output substrings to failure kinds. Order matters:
// earlier patterns win when output matches several.
var patterns = []struct {
	substring string
	kind      Kind
}{
	{"could not resolve host", KindNetwork},
	{"temporary failure resolving", KindNetwork},
	{"failed to fetch", KindNetwork},
	{"network is unreachable", KindNetwork},
	{"connection refused", KindNetwork},
	{"connection timed out", KindTimeout},
	{"timed out", KindTimeout},
	{"timeout", KindTimeout},
	{"could not get lock", KindLockContention},
	{"resource temporarily unavailable", KindLockContention},
	{"hash sum mismatch", KindPackageCorrupt},
	{"size mismatch", KindPackageCorrupt},
	{"corrupted", KindPackageCorrupt},
	{"no space left on device", KindDisk},
	{"disk full", KindDisk},
	{"permission denied", KindPermission},
	{"operation not permitted", KindPermission},
	{"are you root", KindPermission},
	{"unable to locate package", KindNotFound},
	{"command not found", KindNotFound},
	{"no such file or directory", KindNotFound},
}

// Classify maps an exit code plus captured output to a failure kind. Exit
// code zero classifies as nothing; callers should not classify successes.
func Classify(exitCode int, stderr, stdout string) Kind {
	if exitCode == 0 {
		return KindUnknown
	}

	combined := strings.ToLower(stderr + "\n" + stdout)
	for _, p := range patterns {
		if strings.Contains(combined, p.substring) {
			return p.kind
		}
	}

	return KindUnknown
}

// GetSeverity returns the fixed severity of a failure kind.
func GetSeverity(kind Kind) Severity {
	if c, ok := classifications[kind]; ok {
		return c.severity
	}
	return SeverityError
}

// GetSuggestion returns the canned remediation suggestion for a failure kind.
func GetSuggestion(kind Kind) string {
	if c, ok := classifications[kind]; ok {
		return c.suggestion
	}
	return classifications[KindUnknown].suggestion
}

// IsRetryable reports whether failures of this kind should be retried.
// Only network, timeout, lock contention, and corrupt-package failures are
// transient; permission and not-found failures are critical.
func IsRetryable(kind Kind) bool {
	if c, ok := classifications[kind]; ok {
		return c.retryable
	}
	return false
}

// IsCritical reports whether the kind must abort immediately without retry.
func IsCritical(kind Kind) bool {
	return GetSeverity(kind) == SeverityFatal
}
