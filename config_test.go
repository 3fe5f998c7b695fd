package atomic

import (
	"testing"

	"github.com/otamesh/atomic/collab"
)

func TestConfigValidateDefaultsPrimary(t *testing.T) {
	cfg := Config{
		Role:       RolePrimary,
		Peers:      map[string]string{"ecu-1": "10.0.0.1:7341"},
		WALDir:     t.TempDir(),
		PayloadDir: t.TempDir(),
		DisableMTLS: true,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("expected listen default %q, got %q", DefaultListen, cfg.Listen)
	}
	if cfg.ChunkSize != DefaultChunkSize {
		t.Fatal("expected chunk size default")
	}
	if cfg.MaxFrameBytes != DefaultMaxFrameBytes {
		t.Fatal("expected max frame bytes default")
	}
	if cfg.StepTimeout != DefaultStepTimeout || cfg.TxnTimeout != DefaultTxnTimeout {
		t.Fatal("expected step/txn timeout defaults")
	}
	if cfg.RegistryGrace != DefaultRegistryGrace {
		t.Fatal("expected registry grace default")
	}
	if cfg.MaxAttempts != DefaultMaxAttempts {
		t.Fatal("expected max attempts default")
	}
	if cfg.RetryMultiplier != DefaultRetryMultiplier {
		t.Fatal("expected retry multiplier default")
	}
	if cfg.WALSegmentBytes != DefaultWALSegmentBytes {
		t.Fatal("expected wal segment bytes default")
	}
}

func TestConfigValidateDefaultsSecondary(t *testing.T) {
	cfg := Config{
		Role:        RoleSecondary,
		Serial:      Serial("ecu-1"),
		PrimaryAddr: "10.0.0.9:7341",
		WALDir:      t.TempDir(),
		PayloadDir:  t.TempDir(),
		DisableMTLS: true,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.RecoveryQueryTimeout != DefaultRecoveryQueryTimeout {
		t.Fatal("expected recovery query timeout default")
	}
	if cfg.DialTimeout != DefaultDialTimeout {
		t.Fatal("expected dial timeout default")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing role")
	}

	cfg = Config{Role: RolePrimary, WALDir: t.TempDir(), PayloadDir: t.TempDir(), DisableMTLS: true}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for primary with no peers")
	}

	cfg = Config{Role: RoleSecondary, WALDir: t.TempDir(), PayloadDir: t.TempDir(), DisableMTLS: true}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for secondary with no serial")
	}

	cfg = Config{
		Role: RoleSecondary, Serial: Serial("ecu-1"),
		WALDir: t.TempDir(), PayloadDir: t.TempDir(), DisableMTLS: true,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for secondary with no primary-addr")
	}

	cfg = Config{
		Role: RolePrimary, Peers: map[string]string{"ecu-1": "x"},
		DisableMTLS: false,
		WALDir:      t.TempDir(), PayloadDir: t.TempDir(),
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing bundle path when mTLS is enabled")
	}

	cfg = Config{
		Role: RolePrimary, Peers: map[string]string{"ecu-1": "x"},
		DisableMTLS:   true,
		PayloadDir:    t.TempDir(),
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing wal-dir")
	}

	cfg = Config{
		Role: RolePrimary, Peers: map[string]string{"ecu-1": "x"},
		DisableMTLS: true,
		WALDir:      t.TempDir(), PayloadDir: t.TempDir(),
		ChunkSize: 100, MaxFrameBytes: 10,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for max-frame-bytes < chunk-size")
	}

	cfg = Config{
		Role: RoleSecondary, Serial: Serial("ecu-1"), PrimaryAddr: "x",
		DisableMTLS: true,
		WALDir:      t.TempDir(), PayloadDir: t.TempDir(),
		Backend: collab.KindCustom,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for custom backend with no factory")
	}
}

func TestConfigExplicitEmptyMetricsListenSurvivesValidate(t *testing.T) {
	cfg := Config{
		Role: RolePrimary, Peers: map[string]string{"ecu-1": "x"},
		DisableMTLS: true,
		WALDir:      t.TempDir(), PayloadDir: t.TempDir(),
	}
	cfg.WithMetricsListen("")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.MetricsListen != "" {
		t.Fatalf("expected metrics listen to stay explicitly empty, got %q", cfg.MetricsListen)
	}
}

func TestConfigProfilingMetricsRequireMetricsListen(t *testing.T) {
	cfg := Config{
		Role: RolePrimary, Peers: map[string]string{"ecu-1": "x"},
		DisableMTLS: true,
		WALDir:      t.TempDir(), PayloadDir: t.TempDir(),
		EnableProfilingMetrics: true,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for profiling metrics without metrics-listen")
	}
	cfg.MetricsListen = ":9000"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestDefaultPathHelpers(t *testing.T) {
	t.Setenv("ATOMICD_CONFIG_DIR", "/tmp/atomicd-test-config")
	dir, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if dir != "/tmp/atomicd-test-config" {
		t.Fatalf("expected env override, got %q", dir)
	}
	if _, err := DefaultBundlePath(); err != nil {
		t.Fatalf("bundle path: %v", err)
	}
	if _, err := DefaultWALDir(); err != nil {
		t.Fatalf("wal dir: %v", err)
	}
	if _, err := DefaultPayloadDir(); err != nil {
		t.Fatalf("payload dir: %v", err)
	}
}
