package classifier

import (
	"strings"
	"testing"

	v1 "github.com/agentcom/hub/pkg/api/v1"
)

func TestClassifyMetadataOverride(t *testing.T) {
	c := New()
	got := c.Classify("fix the frobnicator", nil, map[string]interface{}{"tier": "complex"})
	if got.EffectiveTier != v1.TierComplex {
		t.Errorf("expected complex from override, got %s", got.EffectiveTier)
	}
	if !strings.Contains(got.Reason, "override") {
		t.Errorf("reason should mention the override, got %q", got.Reason)
	}
}

func TestClassifyInvalidOverrideIgnored(t *testing.T) {
	c := New()
	got := c.Classify("fix the frobnicator", nil, map[string]interface{}{"tier": "gigantic"})
	if got.EffectiveTier != v1.TierStandard {
		t.Errorf("invalid override should fall through to standard, got %s", got.EffectiveTier)
	}
}

func TestClassifyComplexKeyword(t *testing.T) {
	c := New()
	got := c.Classify("Plan the database migration to the new schema", nil, nil)
	if got.EffectiveTier != v1.TierComplex {
		t.Errorf("expected complex, got %s (%s)", got.EffectiveTier, got.Reason)
	}
}

func TestClassifyComplexKeywordCaseInsensitive(t *testing.T) {
	c := New()
	got := c.Classify("REDESIGN the login flow", nil, nil)
	if got.EffectiveTier != v1.TierComplex {
		t.Errorf("expected complex for upper-case signal, got %s", got.EffectiveTier)
	}
}

func TestClassifyLongDescription(t *testing.T) {
	c := New()
	got := c.Classify(strings.Repeat("x", descriptionComplexThreshold+1), nil, nil)
	if got.EffectiveTier != v1.TierComplex {
		t.Errorf("expected complex for long description, got %s", got.EffectiveTier)
	}
}

func TestClassifyTrivialKeyword(t *testing.T) {
	c := New()
	got := c.Classify("fix typo in README", nil, nil)
	if got.EffectiveTier != v1.TierTrivial {
		t.Errorf("expected trivial, got %s (%s)", got.EffectiveTier, got.Reason)
	}
}

func TestClassifyComplexSignalWinsOverTrivial(t *testing.T) {
	c := New()
	// Complex signals are checked before trivial ones.
	got := c.Classify("fix typo introduced during the migration", nil, nil)
	if got.EffectiveTier != v1.TierComplex {
		t.Errorf("expected complex to win, got %s", got.EffectiveTier)
	}
}

func TestClassifyManyCapabilities(t *testing.T) {
	c := New()
	got := c.Classify("do the thing", []string{"go", "docker", "terraform"}, nil)
	if got.EffectiveTier != v1.TierComplex {
		t.Errorf("expected complex for >2 capabilities, got %s", got.EffectiveTier)
	}
}

func TestClassifyTwoCapabilitiesStaysStandard(t *testing.T) {
	c := New()
	got := c.Classify("do the thing", []string{"go", "docker"}, nil)
	if got.EffectiveTier != v1.TierStandard {
		t.Errorf("expected standard for 2 capabilities, got %s", got.EffectiveTier)
	}
}

func TestClassifyEmptyDescription(t *testing.T) {
	c := New()
	got := c.Classify("", nil, nil)
	if got.EffectiveTier != v1.TierUnknown {
		t.Errorf("expected unknown for empty description, got %s", got.EffectiveTier)
	}
}

func TestClassifyDefault(t *testing.T) {
	c := New()
	got := c.Classify("implement pagination on the list endpoint", nil, nil)
	if got.EffectiveTier != v1.TierStandard {
		t.Errorf("expected standard, got %s (%s)", got.EffectiveTier, got.Reason)
	}
	if got.Reason == "" {
		t.Error("expected a non-empty reason")
	}
}
