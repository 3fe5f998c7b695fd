package atomic

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/otamesh/atomic/collab"
)

// Role selects which side of the protocol a Server runs.
type Role string

const (
	// RolePrimary drives transactions: it dials every Secondary named in a
	// Descriptor through Start, Verify, Prepare and Commit.
	RolePrimary Role = "primary"
	// RoleSecondary accepts connections from a Primary and runs the local
	// participant state machine for one ECU.
	RoleSecondary Role = "secondary"
)

// DefaultConfigFileName is the config file name looked for inside
// DefaultConfigDir when no --config path is given explicitly.
const DefaultConfigFileName = "atomicd.yaml"

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":7341"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus
	// scrape). Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultChunkSize is the payload chunk size a Primary streams a
	// Prepare step in, and the largest single wire frame body either side
	// will emit for a chunk.
	DefaultChunkSize = 1 << 20
	// DefaultMaxFrameBytes bounds the declared length of any inbound wire
	// frame, including chunk bodies; it must be comfortably larger than
	// DefaultChunkSize to leave room for framing and metadata.
	DefaultMaxFrameBytes = 4 << 20
	// DefaultStepTimeout bounds how long a Primary waits for one
	// Secondary's ack to one step before treating it as failed.
	DefaultStepTimeout = 10 * time.Second
	// DefaultTxnTimeout bounds the whole lifetime of one transaction.
	DefaultTxnTimeout = 5 * time.Minute
	// DefaultRegistryGrace is how long a terminal transaction's state
	// lingers in a Secondary's in-memory registry after reaching Commit or
	// Abort, so a retransmitted final Request still gets an idempotent
	// reply instead of being rejected as unknown.
	DefaultRegistryGrace = time.Hour
	// DefaultMaxAttempts bounds how many times one step's Request is sent
	// to one Secondary before the transaction is aborted. Only the dial
	// and send are retried; the wait for the ack is not.
	DefaultMaxAttempts = 3
	// DefaultRetryBaseDelay is the first backoff delay between attempts.
	DefaultRetryBaseDelay = 50 * time.Millisecond
	// DefaultRetryMaxDelay caps the backoff delay between attempts.
	DefaultRetryMaxDelay = 2 * time.Second
	// DefaultRetryMultiplier is the backoff growth factor between attempts.
	DefaultRetryMultiplier = 2.0
	// DefaultRecoveryQueryTimeout bounds how long a recovering Secondary
	// waits for the Primary to answer a recovery Query before giving up
	// and aborting locally.
	DefaultRecoveryQueryTimeout = 10 * time.Second
	// DefaultDialTimeout bounds how long dialing a peer may take.
	DefaultDialTimeout = 10 * time.Second
	// DefaultWALSegmentBytes bounds the size of one WAL segment file
	// before the writer rotates to a new one.
	DefaultWALSegmentBytes = 64 << 20
)

// Config configures one atomicd node, acting as either a Primary
// coordinating a rollout across a set of ECUs, or a Secondary fronting one
// local ECU's collaborator backend.
type Config struct {
	// Role selects Primary or Secondary behavior. Required.
	Role Role

	// Listen is the address this node's transport.Listener binds to.
	// A Primary listens only to answer recovery Query connections from
	// Secondaries; a Secondary listens for the Primary's Start/Verify/
	// Prepare/Commit/Abort traffic.
	Listen string

	// Serial identifies this node's local ECU. Required when Role is
	// RoleSecondary; ignored for a Primary.
	Serial ECUSerial

	// Peers maps an ECU serial's string form to the address a Primary
	// dials to reach that Secondary. Required when Role is RolePrimary.
	Peers map[string]string

	// PrimaryAddr is the address a Secondary dials to reach the Primary
	// when resolving a transaction's outcome during recovery. Required
	// when Role is RoleSecondary.
	PrimaryAddr string

	// BundlePath points at a combined PEM bundle (CA certificate, this
	// node's leaf certificate and key) used to build a mutual-TLS
	// transport. Leave empty together with DisableMTLS set to run the
	// transport in the clear, which is only appropriate inside a trusted
	// in-vehicle network segment already isolated by other means.
	BundlePath string
	// DisableMTLS opts out of mutual TLS entirely. Defaults to false: a
	// BundlePath is required unless this is explicitly set.
	DisableMTLS bool

	// WALDir is the directory this node's write-ahead log lives in.
	WALDir string
	// WALSegmentBytes bounds one WAL segment's size before rotation.
	WALSegmentBytes int64

	// PayloadDir is the directory staged payload chunks are written to
	// before a Secondary's collab.Backend verifies or applies them.
	PayloadDir string

	// Backend selects the collab.Backend kind this Secondary applies
	// staged updates with. Ignored for a Primary.
	Backend collab.Kind
	// CustomBackend supplies the factory collab.Open calls when Backend is
	// collab.KindCustom. Required in that case, ignored otherwise.
	CustomBackend func() (collab.Backend, error)

	// ChunkSize is the payload chunk size a Primary streams Prepare in.
	ChunkSize int
	// MaxFrameBytes bounds the declared length of any wire frame either
	// side will accept.
	MaxFrameBytes int

	// StepTimeout bounds how long a Primary waits for one Secondary's ack
	// to a single step.
	StepTimeout time.Duration
	// TxnTimeout bounds a whole transaction's lifetime.
	TxnTimeout time.Duration
	// RegistryGrace bounds how long a terminal transaction lingers in a
	// Secondary's in-memory registry before being reclaimed.
	RegistryGrace time.Duration

	// MaxAttempts bounds send attempts of one step's Request to one
	// Secondary; the ack wait is not retried.
	MaxAttempts int
	// RetryBaseDelay is the first backoff delay between attempts.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps the backoff delay between attempts.
	RetryMaxDelay time.Duration
	// RetryMultiplier is the backoff growth factor between attempts.
	RetryMultiplier float64

	// RecoveryQueryTimeout bounds how long a recovering Secondary waits
	// for the Primary to answer a recovery Query.
	RecoveryQueryTimeout time.Duration
	// DialTimeout bounds how long dialing a peer may take.
	DialTimeout time.Duration

	// MetricsListen, when non-empty, serves Prometheus metrics over HTTP.
	MetricsListen string
	// PprofListen, when non-empty, serves pprof debug endpoints over HTTP.
	PprofListen string
	// OTLPEndpoint, when non-empty, exports traces to an OTLP collector.
	// Accepts grpc://, grpcs://, http:// or https:// scheme prefixes.
	OTLPEndpoint string
	// EnableProfilingMetrics additionally exposes Go runtime profiling
	// metrics alongside the protocol counters; requires MetricsListen.
	EnableProfilingMetrics bool

	metricsListenSet bool
	pprofListenSet   bool
}

// WithMetricsListen records an explicit metrics listen address, including
// an explicit empty string meaning "disabled", distinctly from an unset
// field that would otherwise fall back to DefaultMetricsListen.
func (c *Config) WithMetricsListen(addr string) *Config {
	c.MetricsListen = addr
	c.metricsListenSet = true
	return c
}

// WithPprofListen records an explicit pprof listen address, see
// WithMetricsListen.
func (c *Config) WithPprofListen(addr string) *Config {
	c.PprofListen = addr
	c.pprofListenSet = true
	return c
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	switch c.Role {
	case RolePrimary, RoleSecondary:
	default:
		return fmt.Errorf("config: role must be %q or %q", RolePrimary, RoleSecondary)
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if !c.metricsListenSet && c.MetricsListen == "" {
		c.MetricsListen = DefaultMetricsListen
	}
	if !c.pprofListenSet && c.PprofListen == "" {
		c.PprofListen = DefaultPprofListen
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if !c.DisableMTLS && c.BundlePath == "" {
		return fmt.Errorf("config: bundle-path is required unless mTLS is explicitly disabled")
	}
	if c.WALDir == "" {
		return fmt.Errorf("config: wal-dir is required")
	}
	if c.PayloadDir == "" {
		return fmt.Errorf("config: payload-dir is required")
	}
	if c.WALSegmentBytes <= 0 {
		c.WALSegmentBytes = DefaultWALSegmentBytes
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.MaxFrameBytes < c.ChunkSize {
		return fmt.Errorf("config: max-frame-bytes must be >= chunk-size")
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = DefaultStepTimeout
	}
	if c.TxnTimeout <= 0 {
		c.TxnTimeout = DefaultTxnTimeout
	}
	if c.RegistryGrace <= 0 {
		c.RegistryGrace = DefaultRegistryGrace
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.RetryMultiplier <= 1 {
		c.RetryMultiplier = DefaultRetryMultiplier
	}
	if c.RecoveryQueryTimeout <= 0 {
		c.RecoveryQueryTimeout = DefaultRecoveryQueryTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	switch c.Role {
	case RolePrimary:
		if len(c.Peers) == 0 {
			return fmt.Errorf("config: primary requires at least one peer")
		}
	case RoleSecondary:
		if len(c.Serial) == 0 {
			return fmt.Errorf("config: secondary requires a serial")
		}
		if c.PrimaryAddr == "" {
			return fmt.Errorf("config: secondary requires a primary-addr")
		}
		if c.Backend == collab.KindCustom && c.CustomBackend == nil {
			return fmt.Errorf("config: backend %q requires a custom backend factory", collab.KindCustom)
		}
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.atomicd), overridable with the ATOMICD_CONFIG_DIR environment
// variable.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("ATOMICD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".atomicd"), nil
}

// DefaultBundlePath returns the default mTLS bundle location.
func DefaultBundlePath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "node.pem"), nil
}

// DefaultWALDir returns the default write-ahead log directory.
func DefaultWALDir() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "wal"), nil
}

// DefaultPayloadDir returns the default staged payload directory.
func DefaultPayloadDir() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "staged"), nil
}
