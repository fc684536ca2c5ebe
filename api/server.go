// Package api serves the local HTTP API used by end users and the CLI, and
// the peer API other nodes fetch content from.
package api

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/opd-ai/permastore/dht"
	"github.com/opd-ai/permastore/limits"
	"github.com/opd-ai/permastore/metadata"
	"github.com/opd-ai/permastore/storage"
	"github.com/opd-ai/permastore/transfer"
	"github.com/opd-ai/permastore/zkp"
	"github.com/sirupsen/logrus"
)

// Version is reported by the info endpoint.
const Version = "1.0.0"

// multipartOverhead is added to the upload cap for form boundaries and headers.
const multipartOverhead = 1 << 20

// Deps are the components the API serves.
type Deps struct {
	Transfer *transfer.Orchestrator
	DHT      *dht.DHT
	Metadata metadata.Store
	Blobs    storage.BlobStore
	// Prover is nil when proofs are disabled.
	Prover zkp.Prover

	MaxUploadSize int64
	// AccessLog enables the request logger middleware.
	AccessLog bool
}

// Server is the node's HTTP surface.
type Server struct {
	app      *fiber.App
	transfer *transfer.Orchestrator
	dht      *dht.DHT
	meta     metadata.Store
	blobs    storage.BlobStore
	prover   zkp.Prover
	started  time.Time
}

// New builds the fiber app and registers every route.
func New(deps Deps) (*Server, error) {
	if deps.Transfer == nil || deps.DHT == nil || deps.Metadata == nil || deps.Blobs == nil {
		return nil, errors.New("api: transfer, dht, metadata and blobs are required")
	}
	maxUpload := deps.MaxUploadSize
	if maxUpload <= 0 {
		maxUpload = limits.DefaultMaxUploadSize
	}

	app := fiber.New(fiber.Config{
		AppName:               "PermaStore " + Version,
		BodyLimit:             int(maxUpload) + multipartOverhead,
		DisableStartupMessage: true,
		ErrorHandler:          fiberErrorHandler,
		// Params and form values outlive the handler: downloads cache
		// records keyed by the hash and announce it in the background.
		Immutable:             true,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))
	if deps.AccessLog {
		app.Use(logger.New())
	}

	s := &Server{
		app:      app,
		transfer: deps.Transfer,
		dht:      deps.DHT,
		meta:     deps.Metadata,
		blobs:    deps.Blobs,
		prover:   deps.Prover,
		started:  time.Now(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.app.Get("/", s.handleInfo)
	s.app.Get("/status", s.handleStatus)
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/peers", s.handlePeers)

	s.app.Post("/upload", s.handleUpload)
	s.app.Get("/download/:hash", s.handleDownload)
	s.app.Get("/files", s.handleList)
	s.app.Get("/file-info/:hash", s.handleFileInfo)
	s.app.Get("/search", s.handleSearch)
	s.app.Get("/zk-proof/:hash", s.handleProof)

	// Peer API.
	s.app.Get("/file/:hash", s.handlePeerFile)
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"address":  addr,
	}).Info("HTTP API listening")
	return s.app.Listen(addr)
}

// Serve serves on an already bound listener until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	logrus.WithFields(logrus.Fields{
		"function": "Serve",
		"address":  ln.Addr().String(),
	}).Info("HTTP API listening")
	return s.app.Listener(ln)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
