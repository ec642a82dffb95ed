package latency

import "context"

// Client is the capability a test client presents to the orchestrator:
// execute a unit, honour cancellation, and report liveness. Transport is the
// implementation's concern — a real client bridges to a device over the wire,
// the mock client generates reports in-process.
//
// Implementations must be safe for concurrent use up to the concurrency bound
// declared in their capabilities.
type Client interface {
	// ID returns the stable client identifier used for dispatch tie-breaks.
	ID() string

	// Type returns the device class of this client.
	Type() ClientType

	// Capabilities returns the immutable capability set declared at
	// registration.
	Capabilities() ClientCapabilities

	// Execute runs one unit and returns its report. The context carries the
	// per-unit deadline; implementations must return promptly once it is
	// cancelled or expired. A non-nil error means the unit produced no report
	// at all (as opposed to a report with Success=false).
	Execute(ctx context.Context, unit UnitDescriptor) (UnitReport, error)
}
