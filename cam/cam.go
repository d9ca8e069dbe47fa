// Package cam defines the CAM (Conditional Access Module) client contract:
// the decryptor core drives this interface to submit EM payloads and learn
// the CAM's address tables, without speaking any particular CAM wire
// protocol itself (adapted from astra's module_cam_t in module_cam.h, which
// decrypt.c consumes the same way through mod->__decrypt.cam).
package cam

// StreamHandle identifies one decryptor stream attached to a CAM client, so
// a single CAM connection can serve several concurrent programs at once.
// Listener callbacks are invoked with this handle's ProgramNumber so the
// decryptor can route a response back to the right stream.
type StreamHandle struct {
	ProgramNumber uint16
	CASData       []byte
}

// Listener receives asynchronous notifications from a CAM client. A
// decrypt.Decryptor implements this to react to CAM lifecycle and ECM/EMM
// responses (astra's on_cam_ready/on_cam_error/on_response).
type Listener interface {
	// OnCAMReady fires once the CAM has authenticated and its address
	// tables (UA, provider list) are available.
	OnCAMReady()
	// OnCAMError fires if the CAM connection is lost or rejected.
	OnCAMError()
	// OnResponse fires for every completed EM submission: data is the
	// CAM's raw response bytes (ECM responses only; EMM responses are not
	// surfaced), and errMsg is non-empty on failure.
	OnResponse(handle *StreamHandle, data []byte, errMsg string)
}

// Client is the CAM contract the decryptor core drives. Concrete
// implementations speak whatever wire protocol their CAM needs (camd,
// newcamd, a local smartcard reader, ...); none is implemented here per the
// spec's CAM client contract being an external dependency.
type Client interface {
	// IsReady reports whether the CAM has completed authentication and its
	// address tables are populated.
	IsReady() bool

	// CAID returns the CAID this CAM is configured to service.
	CAID() uint16

	// UA returns the CAM's unique address bytes.
	UA() []byte

	// Providers returns the CAM's provider list, each entry a raw provider
	// record (astra's prov_list), consumed by a CAS adapter's
	// CheckDescriptor.
	Providers() [][]byte

	// DisableEMM reports whether EMM processing is administratively
	// disabled for this CAM.
	DisableEMM() bool

	// Attach registers a listener for a stream; detach with Detach when
	// the stream is torn down. A CAM implementation may serve many
	// attached streams concurrently.
	Attach(handle *StreamHandle, listener Listener)
	Detach(handle *StreamHandle)

	// SendEM submits an ECM or EMM payload for processing. The response
	// (or error) is delivered asynchronously to the attached Listener's
	// OnResponse.
	SendEM(handle *StreamHandle, em []byte) error
}
