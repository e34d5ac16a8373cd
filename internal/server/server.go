// File: internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/eas-logbook/internal/config"
	"github.com/smartdevs17/eas-logbook/internal/mapview"
	"github.com/smartdevs17/eas-logbook/internal/metrics"
	"github.com/smartdevs17/eas-logbook/internal/notification"
	"github.com/smartdevs17/eas-logbook/internal/session"
	"github.com/smartdevs17/eas-logbook/internal/storage"
	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

// maxMultipartMemory is the part of a multipart form kept in memory
const maxMultipartMemory = 32 << 20

// Dependencies are the components served over HTTP. Everything except
// Sessions is optional.
type Dependencies struct {
	Sessions     *session.Registry
	Storage      storage.Storage
	Notification *notification.Manager
	Metrics      *metrics.Manager
	Version      string
}

// HTTPServer represents the HTTP server
type HTTPServer struct {
	config         *config.ServerConfig
	server         *http.Server
	router         *mux.Router
	sessions       *session.Registry
	storage        storage.Storage
	notification   *notification.Manager
	metricsManager *metrics.Manager
	version        string
	startedAt      time.Time
	logger         *logrus.Entry

	done     chan struct{}
	stopOnce sync.Once

	refreshMu     sync.Mutex
	refreshGuards map[string]*mapview.NavigationGuard
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg *config.ServerConfig, deps Dependencies) (*HTTPServer, error) {
	if deps.Sessions == nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "HTTP server needs a session registry")
	}

	s := &HTTPServer{
		config:         cfg,
		sessions:       deps.Sessions,
		storage:        deps.Storage,
		notification:   deps.Notification,
		metricsManager: deps.Metrics,
		version:        deps.Version,
		startedAt:      time.Now(),
		logger:         utils.ComponentLogger("http"),
		done:           make(chan struct{}),
		refreshGuards:  make(map[string]*mapview.NavigationGuard),
	}

	s.setupRouter()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Handler returns the routed handler, for tests and embedding
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// setupRouter sets up the HTTP routes
func (s *HTTPServer) setupRouter() {
	s.router = mux.NewRouter()

	// Middleware
	s.router.Use(s.recoverMiddleware)
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)
	if s.metricsManager != nil {
		s.router.Use(s.metricsMiddleware)
	}

	// Upload route kept at its original path
	s.router.HandleFunc("/api/files", s.uploadHandler).Methods(http.MethodPost, http.MethodOptions)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	if s.config.EnableHealth {
		api.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
		api.HandleFunc("/health/detailed", s.detailedHealthHandler).Methods(http.MethodGet)
	}

	if s.config.EnableMetrics && s.metricsManager != nil {
		s.router.Handle("/metrics", s.metricsManager.Handler())
		api.HandleFunc("/stats", s.statsHandler).Methods(http.MethodGet)
	}

	// Attestations
	api.HandleFunc("/attestations", s.submitHandler).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/attestations/status", s.submissionStatusHandler).Methods(http.MethodGet)
	api.HandleFunc("/attestations/{uid}", s.getAttestationHandler).Methods(http.MethodGet)
	api.HandleFunc("/attestations/{uid}/refresh", s.refreshAttestationHandler).Methods(http.MethodPost, http.MethodOptions)

	// Entries and map
	api.HandleFunc("/entries", s.listEntriesHandler).Methods(http.MethodGet)
	api.HandleFunc("/entries/map", s.mapEntriesHandler).Methods(http.MethodGet)
	api.HandleFunc("/map/viewport", s.viewportHandler).Methods(http.MethodGet)

	// Networks
	api.HandleFunc("/networks", s.listNetworksHandler).Methods(http.MethodGet)
	api.HandleFunc("/networks/active", s.setActiveNetworkHandler).Methods(http.MethodPut, http.MethodOptions)
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.WithFields(logrus.Fields{
		"address":         s.server.Addr,
		"metrics_enabled": s.config.EnableMetrics,
	}).Info("Starting HTTP server")

	if s.metricsManager != nil {
		s.updateHealthMetrics()
		go s.systemMetricsUpdater()
	}

	errChan := make(chan error, 1)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server error")
			errChan <- err
		}
	}()

	// Give the server a moment to surface binding errors
	select {
	case err := <-errChan:
		return fmt.Errorf("failed to start HTTP server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// systemMetricsUpdater updates system metrics periodically until Stop
func (s *HTTPServer) systemMetricsUpdater() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.updateHealthMetrics()
		case <-s.done:
			return
		}
	}
}

func (s *HTTPServer) updateHealthMetrics() {
	s.metricsManager.UpdateSystemMetrics()
	prom := s.metricsManager.GetPrometheusMetrics()
	prom.UpdateApplicationUptime(s.startedAt)
	if s.storage != nil {
		prom.UpdateComponentHealth("storage", s.storage.GetHealth().Healthy)
	}
}

// Stop stops the HTTP server
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	s.stopOnce.Do(func() { close(s.done) })
	s.closeRefreshGuards()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Health Handlers

// healthHandler returns basic health status
func (s *HTTPServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "healthy",
		"timestamp":       time.Now().UTC().Format(time.RFC3339Nano),
		"version":         s.version,
		"active_network":  s.sessions.ActiveID(),
		"metrics_enabled": s.config.EnableMetrics,
	})
}

// detailedHealthHandler returns the health of every component
func (s *HTTPServer) detailedHealthHandler(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	components := map[string]interface{}{}

	if s.storage != nil {
		health := s.storage.GetHealth()
		components["storage"] = health
		if !health.Healthy {
			status = "degraded"
		}
	}
	if s.notification != nil {
		components["notification"] = s.notification.GetStats()
	}
	if stats, ok := s.sessions.WatcherStats(); ok {
		components["watcher"] = stats
	}

	if sess, err := s.sessions.Active(r.Context()); err == nil {
		chain := map[string]interface{}{
			"network":          sess.Network.Name,
			"wallet_connected": sess.Wallet.Connected(),
			"submission_state": sess.Flow.State(),
			"cached":           sess.Retriever.Cached(),
		}
		if _, err := sess.EAS.ChainID(r.Context()); err != nil {
			chain["error"] = err.Error()
			status = "degraded"
		}
		components["chain"] = chain
	} else {
		components["chain"] = map[string]string{"error": err.Error()}
		status = "degraded"
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"timestamp":  time.Now().UTC(),
		"version":    s.version,
		"components": components,
	})
}

// statsHandler returns journal statistics
func (s *HTTPServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.startedAt).String(),
	}
	if s.storage != nil {
		storageStats, err := s.storage.GetStorageStats()
		if err != nil {
			s.writeError(w, err)
			return
		}
		stats["storage"] = storageStats
	}
	if s.notification != nil {
		stats["notification"] = s.notification.GetStats()
	}
	if watcherStats, ok := s.sessions.WatcherStats(); ok {
		stats["watcher"] = watcherStats
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// Utility Methods

// writeJSON writes a JSON response
func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// errorBody is the body of every error response
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeError renders err with the status of its error code. The message is
// the user-facing one; causes are logged, not returned.
func (s *HTTPServer) writeError(w http.ResponseWriter, err error) {
	status := utils.HTTPStatus(err)
	body := errorBody{Error: userMessage(err), Code: utils.ErrorCode(err)}

	entry := s.logger.WithError(err).WithFields(logrus.Fields{
		"status": status,
		"code":   body.Code,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("HTTP error")
	} else {
		entry.Debug("HTTP client error")
	}

	s.writeJSON(w, status, body)
}
