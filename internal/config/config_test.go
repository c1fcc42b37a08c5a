package config

import (
	"io/ioutil"
	"path/filepath"
	"testing"
)

const validYAML = `
timezone: UTC
sources:
  - path: /mnt/data
    snapshots: /mnt/data/.snapshots
    upload_to_remotes:
      - id: main
        preserve: "1y 1d"
        pipe_through:
          - ["zstd", "-3"]
remotes:
  - id: main
    s3:
      bucket: my-bucket
      endpoint:
        region_name: us-east-1
`

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := ioutil.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Timezone != "UTC" {
		t.Fatalf("expected timezone UTC, got %q", cfg.Timezone)
	}
	if len(cfg.Sources) != 1 || len(cfg.Sources[0].UploadToRemotes) != 1 {
		t.Fatalf("unexpected sources: %+v", cfg.Sources)
	}
	if cfg.Sources[0].UploadToRemotes[0].ID != "main" {
		t.Fatalf("expected upload to reference remote %q, got %q", "main", cfg.Sources[0].UploadToRemotes[0].ID)
	}
	if len(cfg.Sources[0].UploadToRemotes[0].PipeThrough) != 1 {
		t.Fatalf("expected one pipe_through stage, got %v", cfg.Sources[0].UploadToRemotes[0].PipeThrough)
	}
}

func TestLoadRejectsUnknownRemoteReference(t *testing.T) {
	const bad = `
timezone: UTC
sources:
  - path: /mnt/data
    snapshots: /mnt/data/.snapshots
    upload_to_remotes:
      - id: missing
        preserve: "1y"
remotes:
  - id: main
    s3:
      bucket: my-bucket
`
	path := writeTemp(t, bad)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an upload referencing an unknown remote id")
	}
}

func TestLoadRejectsDuplicateRemoteID(t *testing.T) {
	const bad = `
timezone: UTC
sources:
  - path: /mnt/data
    snapshots: /mnt/data/.snapshots
    upload_to_remotes:
      - id: main
        preserve: "1y"
remotes:
  - id: main
    s3:
      bucket: bucket-a
  - id: main
    s3:
      bucket: bucket-b
`
	path := writeTemp(t, bad)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for duplicate remote ids")
	}
}

func TestLoadRejectsBadTimezone(t *testing.T) {
	const bad = `
timezone: Not/A/Zone
sources:
  - path: /mnt/data
    snapshots: /mnt/data/.snapshots
    upload_to_remotes:
      - id: main
        preserve: "1y"
remotes:
  - id: main
    s3:
      bucket: my-bucket
`
	path := writeTemp(t, bad)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unparseable timezone")
	}
}

func TestLoadRejectsInvalidPolicyString(t *testing.T) {
	const bad = `
timezone: UTC
sources:
  - path: /mnt/data
    snapshots: /mnt/data/.snapshots
    upload_to_remotes:
      - id: main
        preserve: "not a policy"
remotes:
  - id: main
    s3:
      bucket: my-bucket
`
	path := writeTemp(t, bad)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an invalid preserve policy string")
	}
}
