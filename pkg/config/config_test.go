package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"DATABASE_HOST", "DATABASE_PORT", "DATABASE_NAME",
		"KEYPAIR_PUBLIC", "KEYPAIR_PRIVATE", "KEYRING",
		"BACKLOG_REASSIGN_DELAY", "ARG_TXS_LENGTH", "ARG_PIPE_MAXSIZE",
		"ARG_VALIDATE_PROCESSES_NUM", "ARG_UNGROUP_PROCESSES_NUM", "ARG_FRACTION_OF_CORES",
	}
	for _, k := range keys {
		os.Unsetenv(k)
	}
}

func TestLoadDefaultsAndValidateRequiresKeypair(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TxsLength != 1000 || cfg.PipeMaxSize != 2000 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error without a keypair")
	}
}

func TestLoadParsesKeyringAndFederation(t *testing.T) {
	clearEnv(t)
	os.Setenv("KEYPAIR_PUBLIC", "self-pub")
	os.Setenv("KEYPAIR_PRIVATE", "self-priv")
	os.Setenv("KEYRING", " peer-a , peer-b ,,peer-c")
	defer clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	want := []string{"peer-a", "peer-b", "peer-c"}
	if len(cfg.Keyring) != len(want) {
		t.Fatalf("expected %v, got %v", want, cfg.Keyring)
	}
	for i, v := range want {
		if cfg.Keyring[i] != v {
			t.Fatalf("expected %v, got %v", want, cfg.Keyring)
		}
	}

	fed := cfg.Federation()
	if len(fed) != 4 || fed[0] != "self-pub" {
		t.Fatalf("unexpected federation: %v", fed)
	}
}

func TestSnapshotReflectsMostRecentLoad(t *testing.T) {
	clearEnv(t)
	os.Setenv("KEYPAIR_PUBLIC", "self-pub")
	os.Setenv("KEYPAIR_PRIVATE", "self-priv")
	defer clearEnv(t)

	if _, err := Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	snap := Snapshot()
	if snap == nil || snap.KeypairPublic != "self-pub" {
		t.Fatalf("expected snapshot to capture the most recent load, got %+v", snap)
	}
}
