// Package bundleserver exposes a directory of application bundles over HTTP
// so nodes can fetch them with an http bundle uri.
package bundleserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const PathPrefix = "/s4/"

type ServerOptions struct {
	Logger *zap.Logger
	Dir    string
}

type Server struct {
	logger *zap.Logger
	dir    string

	lock       sync.Mutex
	httpServer *http.Server
}

func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		logger: logger,
		dir:    opts.Dir,
	}
}

// URL returns the uri a node would use to fetch name from a server
// listening at addr.
func URL(addr string, name string) string {
	return "http://" + addr + PathPrefix + name
}

func (s *Server) handleBundle(rw http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		http.NotFound(rw, r)
		return
	}

	path := filepath.Join(s.dir, name)
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to open bundle", zap.String("path", path), zap.Error(err))
		}
		http.NotFound(rw, r)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil || stat.IsDir() {
		http.NotFound(rw, r)
		return
	}

	s.logger.Debug("serving bundle",
		zap.String("name", name),
		zap.Int64("size", stat.Size()))

	rw.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(rw, r, name, stat.ModTime(), f)
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(PathPrefix+"{name}", s.handleBundle).Methods(http.MethodGet, http.MethodHead)
	return r
}

func (s *Server) Serve(lis net.Listener) error {
	s.lock.Lock()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpServer := s.httpServer
	s.lock.Unlock()

	s.logger.Info("serving bundles",
		zap.String("dir", s.dir),
		zap.String("address", lis.Addr().String()))

	err := httpServer.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.lock.Lock()
	httpServer := s.httpServer
	s.lock.Unlock()

	if httpServer == nil {
		return nil
	}

	return httpServer.Shutdown(ctx)
}
