package decrypt

import (
	"time"

	"github.com/zsiec/castun/cam"
	"github.com/zsiec/castun/cipher"
)

// Config holds a Decryptor's construction-time parameters. Build one with
// functional options and pass it to New.
type Config struct {
	name string

	caid    uint16
	casData []byte

	ecmPID      uint16
	ecmSwapTime time.Duration
	reloadDelay int

	biss   []byte // 8-byte derived BISS control word, or nil
	cam    cam.Client
	cipher cipher.BatchCipher

	clusterPackets int

	emit    func(pkt []byte)
	metrics Metrics
}

// Metrics receives ECM outcome observations from a Decryptor, keyed by the
// stream's configured name. Implementations must be safe for concurrent use;
// a Decryptor calls these from whatever goroutine delivers CAM responses.
type Metrics interface {
	// ECMAccepted records a well-formed, checksum-valid ECM response.
	ECMAccepted(stream string)
	// ECMRejected records a failed ECM response (bad checksum, wrong ECM id,
	// CAM error, ...), reason being a short human-readable cause.
	ECMRejected(stream, reason string)
	// ECMFailover records the active ECM PID being swapped for a backup
	// candidate after a rejection.
	ECMFailover(stream string)
}

// Option configures a Config.
type Option func(*Config)

// WithName sets the channel name used in log lines (astra's required
// "name" module option).
func WithName(name string) Option {
	return func(c *Config) { c.name = name }
}

// WithBISS configures a fixed BISS control word in place of a CAM, bypassing
// ECM/EMM processing entirely (astra's "biss" module option). key must be
// the 8-byte derived control word (checksum bytes already folded in at
// offsets 3 and 7).
func WithBISS(key []byte) Option {
	return func(c *Config) {
		c.biss = append([]byte(nil), key...)
		c.caid = 0x2600
	}
}

// WithCAM attaches a CAM client; mutually exclusive with WithBISS in
// practice (BISS takes priority if both are set, matching astra's
// `if(!mod->is_keys) { attach cam }`).
func WithCAM(client cam.Client) Option {
	return func(c *Config) { c.cam = client }
}

// WithCAID pins the CAID this stream expects the CAS adapter to serve.
// When a CAM is attached, its reported CAID overrides this on cam-ready
// (astra's on_cam_ready sets mod->caid = cam->caid).
func WithCAID(caid uint16) Option {
	return func(c *Config) { c.caid = caid }
}

// WithECMPID forces a fixed ECM PID, skipping PMT descriptor scanning
// (astra's "ecm_pid" option).
func WithECMPID(pid uint16) Option {
	return func(c *Config) { c.ecmPID = pid }
}

// WithECMSwapTime sets the cooldown applied after cycling through every
// candidate ECM PID without success (astra's "ecm_swap_time", seconds).
func WithECMSwapTime(d time.Duration) Option {
	return func(c *Config) { c.ecmSwapTime = d }
}

// WithReloadDelay sets after how many consecutive changed-CRC CAT sections
// a full stream reload happens: the n-th one triggers it, so n-1 are
// tolerated (astra's "reload_delay").
func WithReloadDelay(n int) Option {
	return func(c *Config) { c.reloadDelay = n }
}

// WithCASData sets CAS-specific override bytes (astra's "cas_data" option,
// e.g. a forced Irdeto channel id).
func WithCASData(data []byte) Option {
	return func(c *Config) { c.casData = append([]byte(nil), data...) }
}

// WithCipher installs the batch cipher used to decrypt clusters of
// scrambled packets.
func WithCipher(bc cipher.BatchCipher) Option {
	return func(c *Config) { c.cipher = bc }
}

// WithClusterSize sets how many TS packets are batched per decrypt call.
// Defaults to 96 if unset (a modest batch size; real DVB-CSA
// implementations typically suggest a few hundred).
func WithClusterSize(n int) Option {
	return func(c *Config) { c.clusterPackets = n }
}

// WithSink sets the function the decryptor calls with every output packet,
// in order, clear-text and ready for downstream pacing/transport. Required.
func WithSink(sink func(pkt []byte)) Option {
	return func(c *Config) { c.emit = sink }
}

// WithMetrics attaches an observer for ECM accept/reject/failover events.
// Optional; nil by default, in which case no observations are recorded.
func WithMetrics(m Metrics) Option {
	return func(c *Config) { c.metrics = m }
}

// ConfigError reports a fatal construction-time configuration failure,
// replacing astra's process-killing asc_assert/astra_abort calls with a
// constructor error the host can handle.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "decrypt: " + e.Msg }
