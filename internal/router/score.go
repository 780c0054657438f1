package router

import (
	"context"
	"math"
	"sort"

	"github.com/nulpointcorp/model-gateway/internal/breaker"
	"github.com/nulpointcorp/model-gateway/internal/configstore"
	"github.com/nulpointcorp/model-gateway/internal/providers"
)

// candidate is a (provider, model) pair under consideration for one request.
type candidate struct {
	provider string
	model    string
	mc       configstore.ModelConfig
	pcfg     configstore.ProviderConfig

	// prefIndex is the provider's position in providerPreferenceOrder,
	// used as the score tie-breaker.
	prefIndex int
	pinned    bool
	score     float64
}

// buildCandidates assembles the ordered candidate list for req: the pinned
// preferred provider first when present and active, then every remaining
// active provider from the preference order, each bound to its resolved
// model. Candidates whose resolved model is missing or inactive are dropped.
// The unpinned tail is ordered by weighted score, ties broken by preference
// order.
func (r *Router) buildCandidates(ctx context.Context, cfg *configstore.ServiceConfig, req *providers.Request, region string) []candidate {
	prefIndex := make(map[string]int, len(cfg.Routing.ProviderPreferenceOrder))
	for i, name := range cfg.Routing.ProviderPreferenceOrder {
		prefIndex[name] = i
	}

	names := make([]string, 0, len(cfg.Routing.ProviderPreferenceOrder)+1)
	seen := make(map[string]bool)

	pinned := ""
	if p := req.PreferredProvider; p != "" {
		if pc, ok := cfg.Providers[p]; ok && pc.Active {
			pinned = p
			names = append(names, p)
			seen[p] = true
		}
	}
	for _, name := range cfg.Routing.ProviderPreferenceOrder {
		if seen[name] {
			continue
		}
		pc, ok := cfg.Providers[name]
		if !ok || !pc.Active {
			continue
		}
		names = append(names, name)
		seen[name] = true
	}

	cands := make([]candidate, 0, len(names))
	for _, name := range names {
		pc := cfg.Providers[name]

		model, mc, ok := resolveModel(pc, req)
		if !ok {
			continue
		}

		idx, has := prefIndex[name]
		if !has {
			idx = math.MaxInt32
		}

		cands = append(cands, candidate{
			provider:  name,
			model:     model,
			mc:        mc,
			pcfg:      pc,
			prefIndex: idx,
			pinned:    name == pinned,
		})
	}

	for i := range cands {
		if cands[i].pinned {
			continue
		}
		cands[i].score = r.score(ctx, &cands[i], req, region, cfg.Routing.Weights)
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.pinned != b.pinned {
			return a.pinned
		}
		if a.pinned {
			return false
		}
		if a.score != b.score {
			return a.score < b.score
		}
		return a.prefIndex < b.prefIndex
	})

	return cands
}

// resolveModel mirrors the adapter-side resolution so the router never
// selects a candidate its adapter would reject as missing.
func resolveModel(pc configstore.ProviderConfig, req *providers.Request) (string, configstore.ModelConfig, bool) {
	if req.PreferredModel != "" {
		if mc, ok := pc.Models[req.PreferredModel]; ok && mc.Active {
			return req.PreferredModel, mc, true
		}
	}
	mc, ok := pc.Models[pc.DefaultModel]
	if !ok || !mc.Active {
		return pc.DefaultModel, configstore.ModelConfig{}, false
	}
	return pc.DefaultModel, mc, true
}

// score computes the weighted objective for one candidate; lower wins.
//
// Cost is the precise term: estimated tokens priced at the model's
// per-million rates. Quality, latency and availability are softer penalties:
// quality shrinks with the model's advertised capability count, latency is
// the circuit's average call latency in seconds, and availability is the
// circuit's lifetime failure ratio. With fresh circuits and equal capability
// sets the ordering reduces to pure cost.
func (r *Router) score(ctx context.Context, c *candidate, req *providers.Request, region string, w configstore.Weights) float64 {
	inTok := float64(providers.EstimateInputTokens(req))
	outTok := float64(providers.EstimateOutputTokens(req))

	cost := inTok/1e6*c.mc.CostPerMillionInputTokens +
		outTok/1e6*c.mc.CostPerMillionOutputTokens

	quality := 1.0 / float64(1+len(c.mc.Capabilities))

	latency := 0.0
	availability := 0.0
	if st, found := r.circuit.State(ctx, breaker.Key(c.provider, region)); found {
		latency = st.AvgLatencyMs / 1000.0
		if n := st.TotalFailures + st.TotalSuccesses; n > 0 {
			availability = float64(st.TotalFailures) / float64(n)
		}
	}

	return w.Cost*cost + w.Quality*quality + w.Latency*latency + w.Availability*availability
}
