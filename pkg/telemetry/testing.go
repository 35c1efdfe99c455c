package telemetry

// NewForTesting returns a no-op telemetry instance for use in tests.
// This allows testing real components with telemetry completely disabled.
func NewForTesting() Telemetry {
	return NewNoop()
}
