package service

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/trellis-network/trellis/src/node"
)

// Service exposes the node's introspection endpoints over HTTP.
type Service struct {
	sync.Mutex

	bindAddress string
	node        *node.Node
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers with the DefaultServerMux of
// the http package. It is possible that another server in the same process
// is simultaneously using the DefaultServerMux. In which case, the handlers
// will be accessible from both servers.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering Trellis API handlers")
	http.HandleFunc("/stats", s.makeHandler(s.GetStats))
	http.HandleFunc("/containers", s.makeHandler(s.GetContainers))
	http.HandleFunc("/confirmation_history", s.makeHandler(s.GetConfirmationHistory))
	http.HandleFunc("/peers", s.makeHandler(s.GetPeers))
	http.Handle("/metrics", promhttp.Handler())
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

// Serve calls ListenAndServe. This is a blocking call. It is not necessary
// to call Serve when another server has already been started with the
// DefaultServerMux and the same address:port combination.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving Trellis API")

	// Use the DefaultServerMux
	err := http.ListenAndServe(s.bindAddress, nil)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := s.node.GetStats()

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(stats)
}

// GetContainers returns the container-info tree of every component
func (s *Service) GetContainers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(s.node.ContainerInfos())
}

// GetConfirmationHistory returns the recently cemented election statuses
func (s *Service) GetConfirmationHistory(w http.ResponseWriter, r *http.Request) {
	type record struct {
		Winner               string `json:"winner"`
		Tally                uint64 `json:"tally"`
		BlockCount           int    `json:"block_count"`
		VoterCount           int    `json:"voter_count"`
		ConfirmationRequests int    `json:"confirmation_requests"`
		DurationMs           int64  `json:"duration_ms"`
		Type                 string `json:"type"`
	}

	history := s.node.RecentlyCemented()
	records := make([]record, 0, len(history))
	for _, status := range history {
		rec := record{
			Tally:                uint64(status.Tally),
			BlockCount:           status.BlockCount,
			VoterCount:           status.VoterCount,
			ConfirmationRequests: status.ConfirmationRequests,
			DurationMs:           status.Duration.Milliseconds(),
			Type:                 status.Type.String(),
		}
		if status.Winner != nil {
			rec.Winner = status.Winner.Hash().String()
		}
		records = append(records, rec)
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(records)
}

// GetPeers returns the endpoints of the connected channels
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	type peer struct {
		Endpoint string `json:"endpoint"`
		NodeID   string `json:"node_id"`
		Version  uint8  `json:"version"`
	}

	channels := s.node.Channels().All()
	peers := make([]peer, 0, len(channels))
	for _, channel := range channels {
		peers = append(peers, peer{
			Endpoint: channel.Endpoint(),
			NodeID:   channel.NodeID().String(),
			Version:  channel.NetworkVersion(),
		})
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(peers)
}
