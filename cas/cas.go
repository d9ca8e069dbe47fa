// Package cas defines the conditional-access adapter contract: the four
// pure predicates a concrete CAS implementation (Irdeto, Conax, Viaccess, ...)
// must provide so the decryptor core can stay CAS-agnostic.
package cas

// Context is the subset of a stream's decryption state a CAS adapter needs
// to evaluate its predicates, supplied by the decrypt package.
type Context interface {
	// UA returns the CAM's unique address for this CAM client, or nil if
	// the CAM is not yet ready.
	UA() []byte
	// Provider returns the raw provider record for this stream's selected
	// provider (prov_list entry), or nil if none is selected yet.
	Provider() []byte
	// CASData returns the operator-supplied CAS-specific override bytes
	// from configuration (e.g. a forced channel id), or nil.
	CASData() []byte
	// ProgramNumber returns the MPEG program number this adapter instance
	// is servicing, for logging only.
	ProgramNumber() uint16
}

// Adapter evaluates CAS-specific predicates against EMM/ECM payloads and
// CAM responses. An Adapter instance is stateful and scoped to a single
// program (one PMT's CA descriptor); it is never shared across programs.
type Adapter interface {
	// CheckDescriptor is called once per CA descriptor found in a CAT/PMT
	// and reports whether the descriptor is accepted. Implementations may
	// use it to lazily bind to the CAM's address tables.
	CheckDescriptor(ctx Context, desc []byte) bool

	// CheckEM reports whether the EM payload (ECM or EMM, dispatch decided
	// by the adapter) should be forwarded to the CAM. force bypasses the
	// "same parity as last time" short-circuit some adapters apply, used
	// when the decryptor wants a response regardless of parity.
	CheckEM(ctx Context, em []byte, force bool) bool

	// CheckKeys reports whether a CAM response's embedded key bytes are
	// valid and ready to install. Adapters that perform channel-id
	// autoselection finalize that selection here.
	CheckKeys(ctx Context, keys []byte) bool
}

// Factory registers a concrete CAS implementation: CheckCAID decides
// whether this implementation handles a given conditional_access_descriptor
// CAID, and New constructs a fresh per-program Adapter instance.
type Factory struct {
	Name      string
	CheckCAID func(caid uint16) bool
	New       func() Adapter
}

var registry []Factory

// Register adds a CAS implementation to the global registry. Intended to be
// called from concrete adapter packages' init functions.
func Register(f Factory) {
	registry = append(registry, f)
}

// Lookup returns the first registered Factory whose CheckCAID accepts caid.
func Lookup(caid uint16) (Factory, bool) {
	for _, f := range registry {
		if f.CheckCAID(caid) {
			return f, true
		}
	}
	return Factory{}, false
}
