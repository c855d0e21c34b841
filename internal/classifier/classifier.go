// Package classifier assigns a complexity tier to incoming tasks. The
// classification is a pure function of the submission; the result is cached
// on the task and drives routing.
package classifier

import (
	"fmt"
	"strings"

	v1 "github.com/agentcom/hub/pkg/api/v1"
)

// Keyword groups. Matching is case-insensitive on the description.
var (
	complexSignals = []string{
		"architecture", "refactor across", "migration", "redesign",
		"multi-repo", "security audit", "performance investigation",
		"design doc",
	}
	trivialSignals = []string{
		"typo", "rename", "bump version", "update comment", "one-liner",
		"single file", "formatting", "whitespace",
	}
)

// descriptionComplexThreshold marks long descriptions as complex work.
const descriptionComplexThreshold = 1200

// Classifier implements taskqueue.Classifier.
type Classifier struct{}

// New returns a Classifier.
func New() *Classifier {
	return &Classifier{}
}

// Classify resolves a tier and a one-line reason summarizing the inputs.
func (c *Classifier) Classify(description string, capabilities []string, metadata map[string]interface{}) v1.Complexity {
	if metadata != nil {
		if override, _ := metadata["tier"].(string); override != "" {
			tier := v1.Tier(override)
			switch tier {
			case v1.TierTrivial, v1.TierStandard, v1.TierComplex:
				return v1.Complexity{
					EffectiveTier: tier,
					Reason:        fmt.Sprintf("explicit tier override: %s", override),
				}
			}
		}
	}

	lower := strings.ToLower(description)

	for _, kw := range complexSignals {
		if strings.Contains(lower, kw) {
			return v1.Complexity{
				EffectiveTier: v1.TierComplex,
				Reason:        fmt.Sprintf("matched complex signal %q", kw),
			}
		}
	}

	if len(description) > descriptionComplexThreshold {
		return v1.Complexity{
			EffectiveTier: v1.TierComplex,
			Reason:        fmt.Sprintf("description length %d exceeds %d", len(description), descriptionComplexThreshold),
		}
	}

	for _, kw := range trivialSignals {
		if strings.Contains(lower, kw) {
			return v1.Complexity{
				EffectiveTier: v1.TierTrivial,
				Reason:        fmt.Sprintf("matched trivial signal %q", kw),
			}
		}
	}

	if len(capabilities) > 2 {
		return v1.Complexity{
			EffectiveTier: v1.TierComplex,
			Reason:        fmt.Sprintf("%d capabilities required", len(capabilities)),
		}
	}

	if description == "" {
		return v1.Complexity{
			EffectiveTier: v1.TierUnknown,
			Reason:        "empty description",
		}
	}

	return v1.Complexity{
		EffectiveTier: v1.TierStandard,
		Reason:        fmt.Sprintf("default: %d chars, %d capabilities", len(description), len(capabilities)),
	}
}
