// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

// Package server wires the HTTP surface: routing, CORS, request
// logging, the health endpoint and graceful shutdown.
package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"haex.io/vaultsync/auth"
	"haex.io/vaultsync/gateway"
	"haex.io/vaultsync/identity"
	"haex.io/vaultsync/server/syncapi"
	"haex.io/vaultsync/sync"
)

var (
	mon = monkit.Package()

	// Error is the default server errs class.
	Error = errs.Class("server")
)

// Config holds the HTTP server settings.
type Config struct {
	Address     string
	CORSOrigin  string
	Name        string
	Version     string
	Environment string

	ShutdownTimeout time.Duration
}

// Services aggregates everything the router serves. Gateway, Creds and
// Quotas may be nil-valued when storage is unconfigured; the routes then
// degrade per their contracts.
type Services struct {
	Sync     *sync.Service
	Identity *identity.Client
	Gateway  *gateway.Gateway
	Auth     *syncapi.Auth

	ServiceKey        string
	StorageConfigured bool
}

// Server is the process's HTTP front.
type Server struct {
	log      *zap.Logger
	config   Config
	services Services
	http     http.Server
}

// New creates the server and builds its router.
func New(log *zap.Logger, config Config, services Services) *Server {
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 15 * time.Second
	}

	server := &Server{log: log, config: config, services: services}

	router := mux.NewRouter()
	router.HandleFunc("/", server.health).Methods(http.MethodGet)

	authMiddleware := auth.NewMiddleware(log.Named("auth"), services.Identity)

	authRouter := router.PathPrefix("/auth").Subrouter()
	authRouter.HandleFunc("/login", services.Auth.Login).Methods(http.MethodPost)
	authRouter.HandleFunc("/refresh", services.Auth.Refresh).Methods(http.MethodPost)
	authRouter.Handle("/storage-credentials",
		authMiddleware.Wrap(http.HandlerFunc(services.Auth.StorageCredentials))).Methods(http.MethodGet)
	authRouter.Handle("/admin/create-user",
		auth.RequireService(services.ServiceKey, http.HandlerFunc(services.Auth.AdminCreateUser))).Methods(http.MethodPost)

	vaults := syncapi.NewVaults(log.Named("vaults"), services.Sync)
	syncController := syncapi.NewSync(log.Named("sync"), services.Sync)

	syncRouter := router.PathPrefix("/sync").Subrouter()
	syncRouter.Use(authMiddleware.Wrap)
	syncRouter.HandleFunc("/vault-key", vaults.Create).Methods(http.MethodPost)
	syncRouter.HandleFunc("/vaults", vaults.List).Methods(http.MethodGet)
	syncRouter.HandleFunc("/vault-key/{vaultId}", vaults.Get).Methods(http.MethodGet)
	syncRouter.HandleFunc("/vault-key/{vaultId}", vaults.Rename).Methods(http.MethodPatch)
	syncRouter.HandleFunc("/vault/{vaultId}", vaults.Delete).Methods(http.MethodDelete)
	syncRouter.HandleFunc("/push", syncController.Push).Methods(http.MethodPost)
	syncRouter.HandleFunc("/pull", syncController.Pull).Methods(http.MethodGet)

	// the gateway runs its own auth discrimination, no middleware here
	services.Gateway.Register(router.PathPrefix("/storage").Subrouter())

	// preflight requests match no method-constrained route above
	router.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(server.preflight)

	router.Use(server.withCORS, server.logRequests)

	server.http = http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server
}

// Handler exposes the routed handler, mostly for tests.
func (server *Server) Handler() http.Handler { return server.http.Handler }

// Run serves until the context is canceled, then drains with a bounded
// timeout.
func (server *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	listener, err := net.Listen("tcp", server.config.Address)
	if err != nil {
		return Error.Wrap(err)
	}
	server.log.Info("server started", zap.String("address", listener.Addr().String()))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.config.ShutdownTimeout)
		defer cancel()
		return Error.Wrap(server.http.Shutdown(shutdownCtx))
	})
	group.Go(func() error {
		err := server.http.Serve(listener)
		if err == http.ErrServerClosed {
			return nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// health reports the process identity and which collaborators are
// configured; deploys smoke-check this before routing traffic.
func (server *Server) health(w http.ResponseWriter, r *http.Request) {
	syncapi.ServeHealth(server.log, w, syncapi.Health{
		Name:        server.config.Name,
		Version:     server.config.Version,
		Environment: server.config.Environment,
		Database:    true,
		Identity:    server.services.Identity != nil,
		Storage:     server.services.StorageConfigured,
	})
}

func (server *Server) preflight(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// withCORS answers cross-origin requests per the configured origin list:
// "*", or a comma-separated set matched against the request origin.
func (server *Server) withCORS(next http.Handler) http.Handler {
	allowed := strings.Split(server.config.CORSOrigin, ",")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && server.config.CORSOrigin != "" {
			if server.config.CORSOrigin == "*" {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				for _, candidate := range allowed {
					if strings.TrimSpace(candidate) == origin {
						w.Header().Set("Access-Control-Allow-Origin", origin)
						w.Header().Set("Vary", "Origin")
						break
					}
				}
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, HEAD, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Amz-Date, X-Amz-Content-Sha256, Range")
		}
		next.ServeHTTP(w, r)
	})
}

// logRequests writes one debug line per request.
func (server *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		server.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", recorder.status),
			zap.Duration("duration", time.Since(start)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
