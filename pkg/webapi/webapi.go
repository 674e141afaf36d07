// This file is to handle things such as metrics/health/deployments, etc

package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbase/stellar-stream/deploy"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// DeploymentLister is the read-only view of the local deployment table.
type DeploymentLister interface {
	Deployments() []deploy.DeploymentStatus
}

type WebServerOptions struct {
	Logger        *zap.Logger
	LogLevel      *zap.AtomicLevel
	ListenAddress string
	Deployments   DeploymentLister
}

type WebServer struct {
	logger        *zap.Logger
	logLevel      *zap.AtomicLevel
	listenAddress string
	deployments   atomic.Pointer[DeploymentLister]
	healthy       atomic.Bool

	lock       sync.Mutex
	httpServer *http.Server
}

func NewWebServer(opts WebServerOptions) *WebServer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &WebServer{
		logger:        logger,
		logLevel:      opts.LogLevel,
		listenAddress: opts.ListenAddress,
	}
	if opts.Deployments != nil {
		w.SetDeployments(opts.Deployments)
	}
	return w
}

// SetHealthy controls whether /health reports the node as able to serve.
func (w *WebServer) SetHealthy(healthy bool) {
	w.healthy.Store(healthy)
}

// SetDeployments attaches the deployment table once the node has built it.
func (w *WebServer) SetDeployments(lister DeploymentLister) {
	w.deployments.Store(&lister)
}

func (w *WebServer) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(200)
	_, err := rw.Write([]byte("Welcome to the stellar stream internal webapi"))
	if err != nil {
		w.logger.Debug("failed to write generic root response", zap.Error(err))
	}
}

func (w *WebServer) handleHealth(rw http.ResponseWriter, r *http.Request) {
	if !w.healthy.Load() {
		rw.WriteHeader(http.StatusServiceUnavailable)
		_, _ = rw.Write([]byte("starting"))
		return
	}

	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte("ok"))
}

func (w *WebServer) handleDeployments(rw http.ResponseWriter, r *http.Request) {
	statuses := []deploy.DeploymentStatus{}
	if lister := w.deployments.Load(); lister != nil {
		statuses = (*lister).Deployments()
	}

	rw.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(rw).Encode(statuses)
	if err != nil {
		w.logger.Debug("failed to write deployments response", zap.Error(err))
	}
}

func (w *WebServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/", w.handleRoot)
	r.HandleFunc("/health", w.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/deployments", w.handleDeployments).Methods(http.MethodGet)
	if w.logLevel != nil {
		// zap.AtomicLevel serves GET and PUT of the current level
		r.Handle("/log-level", w.logLevel).Methods(http.MethodGet, http.MethodPut)
	}

	return r
}

// Serve blocks serving on lis until Shutdown is called.
func (w *WebServer) Serve(lis net.Listener) error {
	w.lock.Lock()
	w.httpServer = &http.Server{
		Handler:      w.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	httpServer := w.httpServer
	w.lock.Unlock()

	err := httpServer.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (w *WebServer) ListenAndServe() error {
	lis, err := net.Listen("tcp", w.listenAddress)
	if err != nil {
		return err
	}

	return w.Serve(lis)
}

func (w *WebServer) Shutdown(ctx context.Context) error {
	w.lock.Lock()
	httpServer := w.httpServer
	w.lock.Unlock()

	if httpServer == nil {
		return nil
	}

	return httpServer.Shutdown(ctx)
}

var globalWebLock sync.Mutex
var globalWebServer *WebServer = nil

// InitializeWebServer starts the process wide web server once, returning it
// on every call.
func InitializeWebServer(opts WebServerOptions) *WebServer {
	globalWebLock.Lock()
	if globalWebServer != nil {
		globalWebLock.Unlock()
		return globalWebServer
	}

	webServer := NewWebServer(opts)
	globalWebServer = webServer
	globalWebLock.Unlock()

	go func() {
		err := webServer.ListenAndServe()
		if err != nil {
			webServer.logger.Error("Failed to listen and serve web server", zap.Error(err))
		}
	}()

	return webServer
}
