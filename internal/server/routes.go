// Package server wires HTTP handlers into a ServeMux via routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application routes.
func (s *Server) SetupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/health", HealthHandler)
	mux.Handle("/tunnel", s.Gateway)
	mux.HandleFunc("/message", s.API.SubmitHandler)
	mux.HandleFunc("/message/sync", s.API.SyncHandler)
	mux.Handle("/metrics", s.Metrics.Handler())
	return mux
}
