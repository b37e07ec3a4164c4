package filetransfer

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thin-edge/tedge-agent-go/pkg/entities"
	"github.com/thin-edge/tedge-agent-go/pkg/tedge"
)

// EntityLister is the read side of the entity store used by the HTTP API
type EntityLister interface {
	List() []entities.Entity
}

// Publisher creates commands requested through the HTTP API
type Publisher interface {
	PublishRetained(topic string, payload []byte) error
}

// ServerConfig wires the HTTP service of the agent: file transfer for
// child devices and scripts, the entity listing, and command creation
type ServerConfig struct {
	BindAddress string
	Port        uint16

	Cache     *Cache
	Entities  EntityLister
	Publisher Publisher

	// Target of commands created via POST /te/v1/cmd/<op>
	DeviceTarget tedge.Target

	EnableMetrics bool

	// Mutual TLS for off-loopback exposure. Leave empty for cleartext
	// on a trusted local interface
	CertFile string
	KeyFile  string
	CAFile   string
}

type Server struct {
	config *ServerConfig
	router chi.Router
}

func NewServer(config *ServerConfig) *Server {
	s := &Server{config: config}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Route("/te/v1", func(r chi.Router) {
		r.Get("/entities", s.handleListEntities)
		r.Put("/files/*", s.handlePutFile)
		r.Get("/files/*", s.handleGetFile)
		r.Delete("/files/*", s.handleDeleteFile)
		r.Post("/cmd/{operation}", s.handleCreateCommand)
	})
	if config.EnableMetrics {
		router.Handle("/metrics", promhttp.Handler())
	}

	s.router = router
	return s
}

func (s *Server) Router() http.Handler {
	return s.router
}

// Run serves until the listener fails or is closed by Shutdown
func (s *Server) Run() error {
	addr := net.JoinHostPort(s.config.BindAddress, fmt.Sprintf("%d", s.config.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.config.CertFile != "" && s.config.KeyFile != "" {
		tlsConfig := &tls.Config{
			ClientAuth: tls.RequireAndVerifyClientCert,
			MinVersion: tls.VersionTLS12,
		}
		if s.config.CAFile != "" {
			data, err := os.ReadFile(s.config.CAFile)
			if err != nil {
				return errors.Wrap(err, "failed to read client CA")
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(data) {
				return errors.New("no usable certificates in client CA file")
			}
			tlsConfig.ClientCAs = pool
		}
		server.TLSConfig = tlsConfig
		slog.Info("File transfer service listening with mutual TLS.", "addr", addr)
		return server.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
	}

	slog.Info("File transfer service listening.", "addr", addr)
	return server.ListenAndServe()
}

func filePath(r *http.Request) string {
	return strings.Trim(chi.URLParam(r, "*"), "/")
}

func (s *Server) handlePutFile(w http.ResponseWriter, r *http.Request) {
	path := filePath(r)
	if path == "" {
		http.Error(w, "missing file path", http.StatusBadRequest)
		return
	}
	digest, size, err := s.config.Cache.Put(path, r.Body)
	if err != nil {
		slog.Warn("Failed to store file.", "path", path, "err", err)
		http.Error(w, "failed to store file", http.StatusInternalServerError)
		return
	}
	slog.Info("Stored file.", "path", path, "digest", digest, "size", size)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	path := filePath(r)
	file, modTime, err := s.config.Cache.Open(path)
	if err != nil {
		if errors.Is(err, ErrNoSuchFile) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "failed to read file", http.StatusInternalServerError)
		return
	}
	defer file.Close()
	// ServeContent implements Range requests for resumable downloads
	http.ServeContent(w, r, path, modTime, file)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	path := filePath(r)
	if err := s.config.Cache.Delete(path); err != nil {
		if errors.Is(err, ErrNoSuchFile) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "failed to delete file", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	list := s.config.Entities.List()

	if kind := r.URL.Query().Get("type"); kind != "" {
		filtered := make([]entities.Entity, 0, len(list))
		for _, entity := range list {
			if entity.Kind == kind {
				filtered = append(filtered, entity)
			}
		}
		list = filtered
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(list); err != nil {
		slog.Warn("Failed to encode entity list.", "err", err)
	}
}

func (s *Server) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	operation := chi.URLParam(r, "operation")

	params := make(map[string]any)
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid command payload", http.StatusBadRequest)
			return
		}
	}

	command := tedge.NewCommandPayload(tedge.StatusInit)
	command.Params = params
	payload, err := json.Marshal(command)
	if err != nil {
		http.Error(w, "invalid command payload", http.StatusBadRequest)
		return
	}

	id := "local-" + uuid.NewString()
	topic := tedge.GetCommandTopic(s.config.DeviceTarget, operation, id)
	if err := s.config.Publisher.PublishRetained(topic, payload); err != nil {
		http.Error(w, "failed to publish command", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":    id,
		"topic": topic,
	})
}
