package runtime

// ChannelState is the coarse lifecycle of one channel runtime.
type ChannelState string

const (
	// StateIdle means the channel has not been started, or stopped cleanly.
	StateIdle ChannelState = "IDLE"

	// StateLoading means the channel is resolving its join plan and
	// bringing the producer up.
	StateLoading ChannelState = "LOADING"

	// StateRunning means bytes are flowing and the tick dispatcher is live.
	StateRunning ChannelState = "RUNNING"

	// StateStopping means a clean shutdown is in progress.
	StateStopping ChannelState = "STOPPING"

	// StateFailed means the channel hit a fatal error. The producer is
	// stopped, viewers are drained, and joins are refused until the
	// channel is externally restarted.
	StateFailed ChannelState = "FAILED"
)

// BoundaryState tracks the active block boundary through its handover.
type BoundaryState string

const (
	// BoundaryPlanned means the boundary is known but no producer work
	// has been issued for it yet.
	BoundaryPlanned BoundaryState = "PLANNED"

	// BoundaryPrefeedIssued means the next block's preview is loaded.
	BoundaryPrefeedIssued BoundaryState = "PREFEED_ISSUED"

	// BoundarySwitchIssued means the swap is armed at the boundary tick
	// and the manager is waiting for the producer's acknowledgement.
	BoundarySwitchIssued BoundaryState = "SWITCH_ISSUED"

	// BoundaryLive means the swap committed and the next block is on air.
	BoundaryLive BoundaryState = "LIVE"

	// BoundaryFailedTerminal means the boundary could not be served and
	// the channel is going down.
	BoundaryFailedTerminal BoundaryState = "FAILED_TERMINAL"
)

// SwitchState tracks the producer-side swap.
type SwitchState string

const (
	SwitchIdle      SwitchState = "IDLE"
	SwitchArmed     SwitchState = "ARMED"
	SwitchCommitted SwitchState = "COMMITTED"
)
