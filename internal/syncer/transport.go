package syncer

// Registration is what a synced container hands its transport.
type Registration struct {
	// Key names the channel the registration publishes on.
	Key string

	// SessionID identifies this instance. Transports drop updates carrying
	// their own registration's session id.
	SessionID string

	// Fields lists the tracked fields (nil when every map key is tracked).
	Fields []string

	// Apply delivers a remote update. Safe to call from any goroutine: the
	// update is posted to the container's executor.
	Apply func(Update)

	// Snapshot returns the tracked state for catch-up. Must be called on the
	// container's executor; use Post to get there.
	Snapshot func() Snapshot

	// Post runs fn on the container's executor.
	Post func(fn func()) bool
}

// Handle is a transport's side of one registration.
type Handle interface {
	// Publish sends a local update. Errors are logged by the caller and
	// never fail the local mutation.
	Publish(Update) error

	// Destroy detaches the registration.
	Destroy()
}

// Transport connects registrations across instances.
type Transport interface {
	Register(Registration) (Handle, error)
}

// Hydration reports when persisted state has been loaded into a container.
// Callbacks run on the container's executor. A Handle may implement it too;
// it is used when Config.Hydration is nil.
type Hydration interface {
	Hydrated() bool
	OnHydrated(cb func()) (unsubscribe func())
	OnFlushEnd(cb func()) (unsubscribe func())
}
