package service

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ledgertail/ledgertail/bootstrap"
)

// Service exposes the orchestrator's projections over a plain JSON API. It
// owns its own mux so that an embedding application can mount it wherever it
// wants, or let Serve bind it directly.
type Service struct {
	sync.Mutex

	bindAddress string
	orch        *bootstrap.Orchestrator
	mux         *http.ServeMux
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, orch *bootstrap.Orchestrator, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		orch:        orch,
		mux:         http.NewServeMux(),
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

func (s *Service) registerHandlers() {
	s.logger.Debug("Registering API handlers")
	s.mux.HandleFunc("/bootstrap", s.makeHandler(s.GetBootstrap))
	s.mux.HandleFunc("/circle/", s.makeHandler(s.GetCircle))
	s.mux.HandleFunc("/recognition/", s.makeHandler(s.GetRecognition))
	s.mux.HandleFunc("/topics", s.makeHandler(s.GetTopics))
	s.mux.HandleFunc("/stats", s.makeHandler(s.GetStats))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// ServeHTTP makes the service mountable as a plain http.Handler.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Serve calls ListenAndServe. This is a blocking call.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving API")

	err := http.ListenAndServe(s.bindAddress, s.mux)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetBootstrap returns the hydrated signal feed and resolved topics as last
// produced by the orchestrator, plus live phase information.
func (s *Service) GetBootstrap(w http.ResponseWriter, r *http.Request) {
	res := map[string]interface{}{
		"phase":      s.orch.Phase().String(),
		"refreshing": s.orch.Refreshing(),
		"topics":     s.orch.Topics(),
		"signals":    s.orch.Signals(),
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(res)
}

// GetCircle returns the first-degree subgraph of one account.
func (s *Service) GetCircle(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Path[len("/circle/"):]

	if accountID == "" {
		http.Error(w, "missing account id", http.StatusBadRequest)

		return
	}

	sub := s.orch.Circle().QueryCircle(accountID)

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(sub)
}

// GetRecognition returns the resolved recognition instances of one owner.
func (s *Service) GetRecognition(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Path[len("/recognition/"):]

	if ownerID == "" {
		http.Error(w, "missing owner id", http.StatusBadRequest)

		return
	}

	resolved := s.orch.Recognition().ResolvedForOwner(ownerID)

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(resolved)
}

// GetTopics returns the topic mapping resolved by the last bootstrap.
func (s *Service) GetTopics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(s.orch.Topics())
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := s.orch.Stats()

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(stats)
}
