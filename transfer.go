package transferloop

// DefaultCABundle is the certificate bundle path applied to transfers that
// do not carry their own trust configuration. Overridable per adapter via
// [WithCABundle].
const DefaultCABundle = "/etc/ssl/certs/ca-certificates.crt"

// Transfer identifies one in-flight request to the native engine. The
// adapter never inspects Config; it is carried verbatim for the caller and
// the engine implementation.
//
// A Transfer must not be submitted to more than one adapter, nor to the same
// adapter twice, until its completion handle has settled.
type Transfer struct {
	// Config is the caller-supplied per-transfer configuration blob. It is
	// not owned by this package.
	Config any

	// CABundle is the certificate bundle path for this transfer. When
	// empty, the adapter's default is filled in by AddHandle before the
	// transfer is registered with the engine.
	CABundle string

	handle EngineHandle
}

// NewTransfer creates a transfer wrapping the given engine handle.
func NewTransfer(handle EngineHandle, config any) *Transfer {
	return &Transfer{Config: config, handle: handle}
}

// Handle returns the engine handle for this transfer.
func (t *Transfer) Handle() EngineHandle {
	return t.handle
}

// ensureCABundle fills an unset bundle path with the adapter default.
func (t *Transfer) ensureCABundle(fallback string) {
	if t.CABundle == "" {
		t.CABundle = fallback
	}
}
