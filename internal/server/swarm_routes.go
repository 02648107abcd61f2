package server

import (
	"github.com/go-chi/chi/v5"
)

// setupSwarmRoutes mounts the multi-agent orchestration API. Most paths
// match the boundary literally (/task/stream, /sessions, /intervention,
// /relay/{sessionID}/*, /health, /stats, /subscribers/stats); the session
// detail reads share the {sessionID} node the chat-session routes already
// registered in setupRoutes, adding only sub-paths that node didn't already
// own (agents, relay-history, interventions, live-state, subscribe,
// subscribers). The bare GET/DELETE on that node belong to the chat-session
// API already mounted there, so a swarm session's one-shot state and close
// operations are served from /task/{sessionID}/state and
// /session/{sessionID}/close instead — see DESIGN.md.
func (s *Server) setupSwarmRoutes() {
	r := s.router

	r.Route("/task", func(r chi.Router) {
		r.Post("/stream", s.swarmTaskStream)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/stream", s.swarmTaskStateStream)
			r.Get("/state", s.swarmTaskState)
		})
	})

	r.Get("/sessions", s.swarmListSessions)

	r.Route("/session/{sessionID}", func(r chi.Router) {
		r.Get("/agents", s.swarmSessionAgents)
		r.Get("/relay-history", s.swarmRelayHistory)
		r.Get("/interventions", s.swarmSessionInterventions)
		r.Get("/live-state", s.swarmSessionLiveState)
		r.Get("/subscribe", s.swarmSessionSubscribe)
		r.Get("/subscribers", s.swarmSessionSubscribers)
		r.Post("/close", s.swarmSessionClose)
		r.Post("/share", s.swarmSessionShare)
		r.Delete("/share", s.swarmSessionUnshare)
	})

	r.Get("/share/{token}", s.swarmShareResolve)

	r.Post("/intervention", s.swarmIntervention)
	r.Post("/intervention/broadcast", s.swarmInterventionBroadcast)

	r.Route("/relay/{sessionID}", func(r chi.Router) {
		r.Get("/history", s.swarmRelayHistory)
		r.Get("/message/{messageID}", s.swarmRelayMessage)
		r.Get("/interventions", s.swarmSessionInterventions)
	})

	r.Get("/health", s.swarmHealth)
	r.Get("/stats", s.swarmStats)
	r.Get("/subscribers/stats", s.swarmSubscriberStats)
}
