// Package httpapi exposes the dispatcher's REST surface over the Store,
// Matcher, Reservation Service, broadcast Hub and cluster Registry, using
// plain http.ServeMux routing and jsoniter request/response bodies rather
// than a router framework.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package httpapi

import (
	"net/http"

	"github.com/kiwix/zimfarm-go/internal/broadcast"
	"github.com/kiwix/zimfarm-go/internal/cluster"
	"github.com/kiwix/zimfarm-go/internal/match"
	"github.com/kiwix/zimfarm-go/internal/reserve"
	"github.com/kiwix/zimfarm-go/internal/store"
)

// Server wires the core components behind the HTTP API. It holds no
// state of its own beyond its dependencies.
type Server struct {
	store   *store.Store
	matcher *match.Matcher
	reserve *reserve.Service
	hub     *broadcast.Hub
	cluster *cluster.Registry
	auth    Authenticator
}

func NewServer(s *store.Store, m *match.Matcher, r *reserve.Service, hub *broadcast.Hub, cl *cluster.Registry, auth Authenticator) *Server {
	return &Server{store: s, matcher: m, reserve: r, hub: hub, cluster: cl, auth: auth}
}

// Handler builds the routed http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/requested-tasks/worker", s.auth.Middleware(s.handleWorkerPoll))
	mux.HandleFunc("/requested-tasks/", s.auth.Middleware(s.handleRequestedTasks))
	mux.HandleFunc("/tasks/", s.auth.Middleware(s.handleTasks))

	return mux
}
