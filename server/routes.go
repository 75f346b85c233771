package server

import "net/http"

// Routes builds the HTTP mux. Each Server owns its own mux so multiple
// daemons can coexist in one process (tests, embedded relays).
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /publish", s.handlePublish)
	mux.HandleFunc("POST /verify", s.handleVerify)
	mux.HandleFunc("GET /ku/{cid}", s.handleGetKU)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /live", s.handleLive)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /admin/consistency", s.handleConsistency)
	mux.HandleFunc("POST /trust/reload", s.handleTrustReload)
	mux.HandleFunc("GET /events", s.handleEvents)

	return mux
}
