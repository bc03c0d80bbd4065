// Package server provides the HTTP server for the OpenCode API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/parlorhq/parlor/internal/command"
	"github.com/parlorhq/parlor/internal/config"
	"github.com/parlorhq/parlor/internal/event"
	"github.com/parlorhq/parlor/internal/formatter"
	"github.com/parlorhq/parlor/internal/mcp"
	"github.com/parlorhq/parlor/internal/metrics"
	"github.com/parlorhq/parlor/internal/provider"
	"github.com/parlorhq/parlor/internal/session"
	"github.com/parlorhq/parlor/internal/storage"
	"github.com/parlorhq/parlor/internal/store"
	"github.com/parlorhq/parlor/internal/tool"
	"github.com/parlorhq/parlor/pkg/types"
)

// channelDBName identifies this server's conversation store in the
// change-log's cross-process channel routing (see internal/event.ChannelBus).
const channelDBName = "default"

// changeLogRetention is how long a change-log row survives before the
// periodic sweep (startChangeLogSweep) deletes it.
const changeLogRetention = 24 * time.Hour

// Config holds server configuration.
type Config struct {
	Port         int
	Directory    string
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:         8080,
		Directory:    "",
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No write timeout for SSE
	}
}

// Server is the HTTP server.
type Server struct {
	config           *Config
	router           *chi.Mux
	httpSrv          *http.Server
	appConfig        *types.Config
	storage          *storage.Storage
	sessionService   *session.Service
	providerReg      *provider.Registry
	toolReg          *tool.Registry
	bus              *event.Bus
	channelBus       *event.ChannelBus
	conversationDB   *store.Store
	changeLogSweep   *cron.Cron
	mcpClient        *mcp.Client
	commandExecutor  *command.Executor
	formatterManager *formatter.Manager
}

// New creates a new Server instance.
func New(cfg *Config, appConfig *types.Config, store *storage.Storage, providerReg *provider.Registry, toolReg *tool.Registry) *Server {
	r := chi.NewRouter()

	// Parse default provider and model from config
	// Format: "provider/model" (e.g., "ark/ep-xxx" or "anthropic/claude-sonnet-4-20250514")
	var defaultProviderID, defaultModelID string
	if appConfig != nil && appConfig.Model != "" {
		parts := strings.SplitN(appConfig.Model, "/", 2)
		if len(parts) == 2 {
			defaultProviderID = parts[0]
			defaultModelID = parts[1]
		}
	}

	// Create MCP client
	mcpClient := mcp.NewClient()

	// Create command executor
	cmdExecutor := command.NewExecutor(cfg.Directory, appConfig)

	// Create formatter manager
	fmtManager := formatter.NewManager(cfg.Directory, appConfig)

	sessionService := session.NewServiceWithProcessor(store, providerReg, toolReg, nil, defaultProviderID, defaultModelID)

	s := &Server{
		config:           cfg,
		router:           r,
		appConfig:        appConfig,
		storage:          store,
		sessionService:   sessionService,
		providerReg:      providerReg,
		toolReg:          toolReg,
		bus:              event.NewBus(),
		mcpClient:        mcpClient,
		commandExecutor:  cmdExecutor,
		formatterManager: fmtManager,
	}

	s.initTimelineBus()

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// initTimelineBus opens this server's conversation database, enrolls it
// into a fresh ChannelBus for the canonical turn-timeline events
// (SPEC_FULL.md §4.6), and starts cross-process polling. Failure is
// logged, not fatal: the turn engine's Timeline is nil-safe, so a server
// can still run with only the teacher's event.Bus vocabulary.
func (s *Server) initTimelineBus() {
	dbPath := filepath.Join(config.GetPaths().Data, "conversations.db")
	db, err := store.Open(dbPath, channelDBName)
	if err != nil {
		log.Warn().Err(err).Msg("failed to open conversation store; turn-timeline events disabled")
		return
	}

	bus := event.NewChannelBus()
	if err := bus.EnrollStore(context.Background(), channelDBName, db); err != nil {
		log.Warn().Err(err).Msg("failed to enroll conversation store; turn-timeline events disabled")
		db.Close()
		return
	}
	bus.StartPolling(context.Background())

	s.conversationDB = db
	s.channelBus = bus
	s.sessionService.GetProcessor().SetTimelineBus(bus, channelDBName)

	// Hand the same store to the turn engine so conversations, messages, and
	// tool calls are persisted relationally (SPEC_FULL.md §4.1/§4.6),
	// alongside the teacher's flat-file JSON storage.
	s.sessionService.GetProcessor().SetConversationStore(db)

	s.startChangeLogSweep(db)
}

// startChangeLogSweep schedules a periodic sweep of the change-log table
// (internal/store) that backs cross-process event delivery, so stale rows
// don't accumulate once every subscriber has caught up. Runs on the same
// cron mechanism as the approval broker's expiry sweep.
func (s *Server) startChangeLogSweep(db *store.Store) {
	c := cron.New()
	if _, err := c.AddFunc("@every 5m", func() {
		cutoff := time.Now().Add(-changeLogRetention).UnixMilli()
		n, err := db.SweepChangeLog(context.Background(), cutoff)
		outcome := "success"
		if err != nil {
			outcome = "error"
			log.Warn().Err(err).Msg("change-log sweep failed")
		}
		metrics.ChangeLogSweeps.WithLabelValues(outcome).Inc()
		if err == nil && n > 0 {
			log.Debug().Int64("swept", n).Msg("change-log sweep")
		}
	}); err != nil {
		log.Warn().Err(err).Msg("failed to schedule change-log sweep")
		return
	}
	c.Start()
	s.changeLogSweep = c
}

// InitializeMCP initializes MCP servers from configuration.
func (s *Server) InitializeMCP(ctx context.Context) error {
	if s.appConfig == nil || s.appConfig.MCP == nil {
		return nil
	}

	for name, cfg := range s.appConfig.MCP {
		enabled := cfg.Enabled == nil || *cfg.Enabled
		mcpCfg := &mcp.Config{
			Enabled:     enabled,
			Type:        mcp.TransportType(cfg.Type),
			URL:         cfg.URL,
			Headers:     cfg.Headers,
			Command:     cfg.Command,
			Environment: cfg.Environment,
			Timeout:     cfg.Timeout,
		}
		if err := s.mcpClient.AddServer(ctx, name, mcpCfg); err != nil {
			// Log but don't fail on individual server errors
			continue
		}
	}

	return nil
}

// CloseMCP closes all MCP server connections.
func (s *Server) CloseMCP() error {
	if s.mcpClient != nil {
		return s.mcpClient.Close()
	}
	return nil
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	// Request ID
	s.router.Use(middleware.RequestID)

	// Logging
	s.router.Use(middleware.Logger)

	// Recover from panics
	s.router.Use(middleware.Recoverer)

	// Real IP
	s.router.Use(middleware.RealIP)

	// CORS
	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"Link", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// Instance context
	s.router.Use(s.instanceContext)
}

// instanceContext middleware injects directory into context.
func (s *Server) instanceContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Get directory from query or use default
		dir := r.URL.Query().Get("directory")
		if dir == "" {
			dir = s.config.Directory
		}

		ctx := context.WithValue(r.Context(), contextKeyDirectory, dir)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.channelBus != nil {
		s.channelBus.StopPolling()
	}
	if s.changeLogSweep != nil {
		<-s.changeLogSweep.Stop().Done()
	}
	if s.conversationDB != nil {
		if err := s.conversationDB.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close conversation store")
		}
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Context keys
type contextKey string

const (
	contextKeyDirectory contextKey = "directory"
)

// getDirectory returns the directory from context.
func getDirectory(ctx context.Context) string {
	if dir, ok := ctx.Value(contextKeyDirectory).(string); ok {
		return dir
	}
	return ""
}
