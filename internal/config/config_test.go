package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultProfileIsSane(t *testing.T) {
	p := Default()
	if p.SpeakerBufferSize <= 0 {
		t.Fatalf("SpeakerBufferSize = %d, want > 0", p.SpeakerBufferSize)
	}
	if p.OverrunWarningThreshold >= p.SpeakerBufferSize {
		t.Fatalf("OverrunWarningThreshold = %d, want < SpeakerBufferSize (%d)", p.OverrunWarningThreshold, p.SpeakerBufferSize)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	p := Default()
	p.ClientID = "device-123"
	p.TopicRoot = "devices/device-123"

	if err := Save(p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got := Load()
	if got.ClientID != "device-123" || got.TopicRoot != "devices/device-123" {
		t.Fatalf("Load() = %+v, want ClientID/TopicRoot preserved", got)
	}
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	got := Load()
	want := Default()
	if got.APIVersion != want.APIVersion || got.SpeakerBufferSize != want.SpeakerBufferSize {
		t.Fatalf("Load() with no saved profile = %+v, want default %+v", got, want)
	}
}

func TestLoadManifestAndSupports(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	contents := `
topics:
  - name: root/directive
    binary: false
    directives: [OpenSpeaker, CloseSpeaker, SetVolume]
  - name: root/speaker
    binary: true
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if len(m.Topics) != 2 {
		t.Fatalf("len(Topics) = %d, want 2", len(m.Topics))
	}
	if !m.Supports("root/directive", "OpenSpeaker") {
		t.Fatalf("Supports(root/directive, OpenSpeaker) = false, want true")
	}
	if m.Supports("root/directive", "RotateSecret") {
		t.Fatalf("Supports(root/directive, RotateSecret) = true, want false")
	}
	if m.Supports("root/unknown", "OpenSpeaker") {
		t.Fatalf("Supports(root/unknown, ...) = true, want false")
	}
}

func TestLoadManifestMissingFile(t *testing.T) {
	if _, err := LoadManifest(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("LoadManifest missing file: want error, got nil")
	}
}
