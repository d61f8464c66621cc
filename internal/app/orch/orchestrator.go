package orch

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/app/rooms"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/metrics"
)

// Orchestrator ties the hosted store to client identities and room policy.
type Orchestrator struct {
	Registry *app.Registry
	Rooms    *rooms.Controller
	Store    core.DocumentStore
	Policy   app.Policy
	Metrics  metrics.Collector
}

// OnBackpressure applies the policy to a client whose send buffer is full.
func (o *Orchestrator) OnBackpressure(conn app.ConnID, queued int) {
	action := app.KickMember
	if o.Policy != nil {
		action = o.Policy.OnBackPressure(conn, queued)
	}
	if action == app.KickMember {
		log.Warn().Str("module", "app.orch").Str("conn", string(conn)).Int("queued", queued).Msg("send buffer full")
		o.Kick(conn, "backpressure")
	}
}

func (o *Orchestrator) Kick(conn app.ConnID, reason string) {
	if !o.Registry.Cancel(conn) {
		return
	}
	if o.Metrics != nil {
		o.Metrics.ClientKicked(reason)
	}
	log.Info().Str("module", "app.orch").Str("conn", string(conn)).Str("reason", reason).Msg("kicked client")
}
