package middleware

import "time"

// DefaultStack is the baseline interceptor pipeline: Recover outermost so a
// panic anywhere below still becomes an internal-error response, then
// RequestID so the correlation id is in scope for everything that logs, then
// Logging.
func DefaultStack(logger Logger) []Middleware {
	return []Middleware{
		Recover(),
		RequestID(),
		Logging(logger),
	}
}

// DefaultStackWithTimeout is DefaultStack with a per-request deadline
// inserted ahead of the logging layer, so timed-out requests are still
// logged with their outcome.
func DefaultStackWithTimeout(logger Logger, timeout time.Duration) []Middleware {
	return []Middleware{
		Recover(),
		RequestID(),
		Timeout(timeout),
		Logging(logger),
	}
}
