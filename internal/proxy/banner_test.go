package proxy

import (
	"strings"
	"testing"
)

func TestBanners_CategoryMapping(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{"gate_maintenance", msgMaintenance},
		{"backend_maintenance", msgMaintenance},
		{"maintenance_grace_period", msgMaintenance},
		{"unknown_source_ip", msgNoPerson},
		{"user_inactive", msgNoPerson},
		{"invalid_marker", msgNoPerson},
		{"stay_not_found", msgNoPerson},
		{"server_not_found", msgNoBackend},
		{"outside_schedule", msgTimeWindow},
		{"no_matching_policy", msgNoGrant},
		{"ssh_login_not_allowed", msgNoGrant},
		{"mfa_denied", msgNoGrant},
		{"internal_error", msgNoGrant},
	}
	for _, tc := range tests {
		if got := categoryFor(tc.reason); got != tc.want {
			t.Errorf("categoryFor(%s) = %s, want %s", tc.reason, got, tc.want)
		}
	}
}

func TestBanners_PlaceholderExpansion(t *testing.T) {
	b := NewBanners(map[string]string{
		msgNoGrant: "{person}: no grant for {backend} via {gate_name} ({reason})",
	}, "gate-east")

	got := b.Denial("no_matching_policy", "alice", "db-1")
	want := "alice: no grant for db-1 via gate-east (no_matching_policy)"
	if !strings.Contains(got, want) {
		t.Errorf("Denial = %q, want it to contain %q", got, want)
	}
	if !strings.HasSuffix(got, "\r\n") {
		t.Errorf("banner must end with CRLF, got %q", got)
	}
}

func TestBanners_FallbacksForUnidentified(t *testing.T) {
	b := NewBanners(nil, "gate-east")

	got := b.Denial("no_matching_policy", "", "")
	if !strings.Contains(got, "unknown user") || !strings.Contains(got, "the requested host") {
		t.Errorf("expected neutral placeholders, got %q", got)
	}
}

func TestBanners_PartialOverride(t *testing.T) {
	b := NewBanners(map[string]string{msgMaintenance: "custom maintenance text"}, "g")

	if got := b.Denial("gate_maintenance", "", ""); !strings.Contains(got, "custom maintenance text") {
		t.Errorf("override ignored: %q", got)
	}
	// Unset categories keep the built-in text.
	if got := b.Denial("unknown_source_ip", "", ""); !strings.Contains(got, "not recognized") {
		t.Errorf("default lost: %q", got)
	}
}

func TestTitleSequence(t *testing.T) {
	got := string(titleSequence("db-1 via gate-east"))
	if !strings.HasPrefix(got, "\x1b]2;") || !strings.HasSuffix(got, "\x07") {
		t.Errorf("malformed OSC title sequence: %q", got)
	}
}
