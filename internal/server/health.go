package server

import (
	"context"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/model-gateway/internal/breaker"
)

const healthProbeTimeout = 2 * time.Second

// HealthSnapshot is the GET /health payload.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	ConfigVersion string            `json:"configVersion,omitempty"`
	Redis         string            `json:"redis"`
	Circuits      map[string]string `json:"circuits"`
}

// handleHealth reports overall status: degraded when Redis is unreachable or
// any provider circuit in the default region is not closed.
func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	snap := s.healthSnapshot(ctx)
	if snap.Status != "ok" {
		ctx.SetStatusCode(fasthttp.StatusOK) // degraded is still serving
	}
	writeJSON(ctx, snap)
}

// handleReadiness gates orchestrator traffic on Redis reachability.
func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.redisOK(ctx) {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func (s *Server) healthSnapshot(ctx context.Context) HealthSnapshot {
	snap := HealthSnapshot{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Redis:         "ok",
		Circuits:      make(map[string]string),
	}

	if !s.redisOK(ctx) {
		snap.Redis = "down"
		snap.Status = "degraded"
	}

	cfg := s.store.Get(ctx)
	snap.ConfigVersion = cfg.ConfigVersion

	for name, pc := range cfg.Providers {
		if !pc.Active {
			continue
		}
		key := breaker.Key(name, s.defaultRegion)
		st, _ := s.circuit.State(ctx, key)
		snap.Circuits[key] = breaker.Label(st.Status)
		if st.Status != breaker.StatusClosed {
			snap.Status = "degraded"
		}
		s.metrics.SetCircuitState(key, circuitGaugeValue(st.Status))
	}

	return snap
}

func (s *Server) redisOK(ctx context.Context) bool {
	if s.rdb == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	return s.rdb.Ping(ctx).Err() == nil
}

func circuitGaugeValue(st breaker.Status) int64 {
	switch st {
	case breaker.StatusOpen:
		return 1
	case breaker.StatusHalfOpen:
		return 2
	default:
		return 0
	}
}
