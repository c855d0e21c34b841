package agent

import (
	"encoding/json"
	"testing"

	v1 "github.com/agentcom/hub/pkg/api/v1"
)

func raw(parts ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(parts))
	for i, p := range parts {
		out[i] = json.RawMessage(p)
	}
	return out
}

func TestParseCapabilitiesStrings(t *testing.T) {
	caps := ParseCapabilities(raw(`"go"`, `"python"`))
	if len(caps) != 2 {
		t.Fatalf("expected 2 capabilities, got %d", len(caps))
	}
	if caps[0].Name != "go" || caps[0].Version != "" {
		t.Errorf("unexpected first capability: %+v", caps[0])
	}
}

func TestParseCapabilitiesObjects(t *testing.T) {
	caps := ParseCapabilities(raw(`{"name":"go","version":"1.22"}`))
	if len(caps) != 1 {
		t.Fatalf("expected 1 capability, got %d", len(caps))
	}
	want := v1.Capability{Name: "go", Version: "1.22"}
	if caps[0] != want {
		t.Errorf("got %+v, want %+v", caps[0], want)
	}
}

func TestParseCapabilitiesMixedAndInvalid(t *testing.T) {
	caps := ParseCapabilities(raw(`"go"`, `{"name":"rust"}`, `""`, `{"version":"1"}`, `42`, `[1,2]`))
	if len(caps) != 2 {
		t.Fatalf("expected 2 capabilities, got %d: %+v", len(caps), caps)
	}
	if caps[0].Name != "go" || caps[1].Name != "rust" {
		t.Errorf("unexpected capabilities: %+v", caps)
	}
}

func TestParseCapabilitiesEmpty(t *testing.T) {
	if caps := ParseCapabilities(nil); len(caps) != 0 {
		t.Errorf("expected empty result, got %+v", caps)
	}
}
