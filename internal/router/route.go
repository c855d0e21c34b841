// Package router pairs queued tasks with idle agents. Routing itself is a
// pure function over snapshots; the scheduler (scheduler.go) owns the event
// loop, the fallback timers and the TTL sweep.
package router

import (
	"fmt"
	"sort"
	"strings"

	v1 "github.com/agentcom/hub/pkg/api/v1"
)

// capacityBaselineMB normalizes RAM totals for the capacity factor: a 16 GB
// host scores 1.0, larger hosts up to the 1.5 cap.
const capacityBaselineMB = 16 * 1024

// capCloudAPI marks agents that can relay to the cloud tier.
const capCloudAPI = "cloud_api"

// RouteInput is one routing attempt over consistent snapshots.
type RouteInput struct {
	Task      *v1.Task
	Agents    []v1.AgentInfo
	Endpoints []v1.Endpoint
	Resources map[string]*v1.ResourceSnapshot

	DefaultModel string
	// RecentRepos maps endpoint id to the repos of its recent assignments,
	// for the affinity bonus.
	RecentRepos map[string][]string
	// ForcedTier overrides the task's classified tier (fallback retry).
	ForcedTier v1.Tier
}

// RouteResult is a successful pairing.
type RouteResult struct {
	AgentID  string
	Decision v1.RoutingDecision
}

// Unavailable reports that the preferred tier has no candidates and proposes
// the one-step fallback tier.
type Unavailable struct {
	Tier         v1.Tier
	Reason       string
	FallbackTier v1.Tier
}

// Route picks an (agent, endpoint, model) for a task, or reports the tier
// unavailable. Pure: no locks, no clocks beyond the decision timestamp.
func Route(in RouteInput, now int64) (*RouteResult, *Unavailable) {
	tier := effectiveTier(in.Task)
	if in.ForcedTier != "" {
		tier = in.ForcedTier
	}

	matching := matchingAgents(in.Agents, in.Task.NeededCapabilities)

	decision := v1.RoutingDecision{
		EffectiveTier: tier,
		DecidedAt:     now,
	}
	if in.Task.Complexity != nil {
		decision.ClassificationReason = in.Task.Complexity.Reason
	}

	switch tier {
	case v1.TierTrivial:
		decision.TargetType = v1.TargetSidecar
		decision.CandidateCount = len(matching)
		if len(matching) == 0 {
			return nil, &Unavailable{
				Tier:         tier,
				Reason:       "no capability-matching idle agents",
				FallbackTier: v1.TierStandard,
			}
		}
		return &RouteResult{AgentID: matching[0].AgentID, Decision: decision}, nil

	case v1.TierStandard:
		decision.TargetType = v1.TargetOllama
		if len(matching) == 0 {
			return nil, &Unavailable{
				Tier:         tier,
				Reason:       "no capability-matching idle agents",
				FallbackTier: v1.TierComplex,
			}
		}
		ranked := rankEndpoints(in, repoOf(in.Task))
		decision.CandidateCount = len(ranked)
		if len(ranked) == 0 {
			return nil, &Unavailable{
				Tier:         tier,
				Reason:       fmt.Sprintf("no healthy endpoint serving %s", in.DefaultModel),
				FallbackTier: v1.TierComplex,
			}
		}
		best := ranked[0]
		decision.SelectedEndpoint = best.ID
		decision.SelectedModel = in.DefaultModel
		return &RouteResult{AgentID: pickAgentFor(matching, best.Host), Decision: decision}, nil

	case v1.TierComplex:
		decision.TargetType = v1.TargetCloudAPI
		decision.SelectedEndpoint = string(v1.TargetCloudAPI)
		var candidates []v1.AgentInfo
		for _, a := range matching {
			if a.HasCapability(capCloudAPI) {
				candidates = append(candidates, a)
			}
		}
		decision.CandidateCount = len(candidates)
		if len(candidates) == 0 {
			return nil, &Unavailable{
				Tier:         tier,
				Reason:       "no cloud_api-capable idle agents",
				FallbackTier: v1.TierStandard,
			}
		}
		return &RouteResult{AgentID: candidates[0].AgentID, Decision: decision}, nil
	}

	return nil, &Unavailable{Tier: tier, Reason: fmt.Sprintf("unroutable tier %s", tier)}
}

// effectiveTier resolves the task's tier, mapping unknown to standard.
func effectiveTier(task *v1.Task) v1.Tier {
	if task.Complexity == nil || task.Complexity.EffectiveTier == "" || task.Complexity.EffectiveTier == v1.TierUnknown {
		return v1.TierStandard
	}
	return task.Complexity.EffectiveTier
}

func matchingAgents(agents []v1.AgentInfo, needed []string) []v1.AgentInfo {
	out := make([]v1.AgentInfo, 0, len(agents))
	for _, a := range agents {
		if a.Satisfies(needed) {
			out = append(out, a)
		}
	}
	return out
}

// pickAgentFor prefers the agent colocated with the chosen endpoint.
func pickAgentFor(agents []v1.AgentInfo, endpointHost string) string {
	if endpointHost != "" {
		for _, a := range agents {
			if a.OllamaURL != "" && strings.Contains(a.OllamaURL, endpointHost) {
				return a.AgentID
			}
		}
	}
	return agents[0].AgentID
}

type scoredEndpoint struct {
	ID    string
	Host  string
	Score float64
}

// rankEndpoints scores the healthy endpoints serving the default model.
func rankEndpoints(in RouteInput, repo string) []scoredEndpoint {
	var ranked []scoredEndpoint
	for _, ep := range in.Endpoints {
		if ep.Status != v1.EndpointHealthy {
			continue
		}
		if !hasModel(ep.Models, in.DefaultModel) {
			continue
		}
		ranked = append(ranked, scoredEndpoint{
			ID:    ep.ID,
			Host:  ep.Host,
			Score: Score(in.Resources[ep.ID], in.DefaultModel, repo, in.RecentRepos[ep.ID]),
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	return ranked
}

// Score rates one endpoint for the standard tier. Monotone in load factor;
// the warm-model bonus only separates otherwise-tied candidates.
func Score(res *v1.ResourceSnapshot, model, repo string, recentRepos []string) float64 {
	score := 1.0

	if res != nil {
		load := 1.0 - res.CPUPercent/100.0
		if load < 0 {
			load = 0
		}
		score *= load

		if res.RAMTotalMB > 0 {
			capacity := float64(res.RAMTotalMB) / float64(capacityBaselineMB)
			if capacity > 1.5 {
				capacity = 1.5
			}
			score *= capacity
		}

		if res.VRAMTotalMB > 0 {
			free := 1.0 - float64(res.VRAMUsedMB)/float64(res.VRAMTotalMB)
			score *= 0.8 + 0.2*free
		} else {
			score *= 0.9
		}

		if res.HasModelRunning(model) {
			score *= 1.15
		}
	} else {
		score *= 0.9
	}

	if repo != "" {
		for _, r := range recentRepos {
			if r == repo {
				score *= 1.05
				break
			}
		}
	}

	return score
}

func hasModel(models []string, model string) bool {
	for _, m := range models {
		if m == model {
			return true
		}
	}
	return false
}

// repoOf extracts the task's repo designation, if any.
func repoOf(task *v1.Task) string {
	if task.Metadata == nil {
		return ""
	}
	repo, _ := task.Metadata["repo"].(string)
	return repo
}
