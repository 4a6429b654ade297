// ABOUTME: Gateway orchestrator that wires the dialogue engine behind an HTTP server
// ABOUTME: Manages store, model provider, auth, and listener lifecycle

package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/tsnet"

	"github.com/2389/deepstudy/internal/auth"
	"github.com/2389/deepstudy/internal/config"
	"github.com/2389/deepstudy/internal/conversation"
	"github.com/2389/deepstudy/internal/dedupe"
	"github.com/2389/deepstudy/internal/fragment"
	"github.com/2389/deepstudy/internal/llm"
	"github.com/2389/deepstudy/internal/mindmap"
	"github.com/2389/deepstudy/internal/store"
)

// Version is set by the main package at startup (goreleaser build info).
var Version = "dev"

// Gateway orchestrates the DeepStudy server components. It owns the HTTP
// server and the conversation, mind map, and account services behind it.
type Gateway struct {
	config       *config.Config
	store        store.Store
	conversation *conversation.Service
	mindmap      *mindmap.Builder
	accounts     *auth.Accounts
	verifier     *auth.JWTVerifier
	broadcaster  *conversation.Broadcaster
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	// serverID identifies this gateway instance
	serverID string

	// dedupe guards against rapid duplicate question submissions
	dedupe *dedupe.Guard
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("DEEPSTUDY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// buildGenerator constructs the model provider stack from config. With an
// API key the Gemini provider plus intent routing and knowledge extraction
// are wired up; without one the offline canned-answer provider is used and
// intent routing and extraction are skipped.
func buildGenerator(cfg *config.Config, prompts *llm.Catalog, logger *slog.Logger) (llm.Generator, conversation.IntentClassifier, conversation.TripleExtractor, error) {
	if cfg.Model.APIKey == "" {
		logger.Warn("model.api_key not configured - serving canned offline answers")
		return &llm.Static{}, nil, nil, nil
	}

	gem, err := llm.NewGemini(context.Background(), llm.GeminiConfig{
		APIKey:          cfg.Model.APIKey,
		Model:           cfg.Model.Model,
		CoderModel:      cfg.Model.CoderModel,
		Temperature:     cfg.Model.Temperature,
		MaxOutputTokens: cfg.Model.MaxOutputTokens,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating model provider: %w", err)
	}

	return gem, llm.NewRouter(gem, prompts), llm.NewExtractor(gem, prompts), nil
}

// New builds the full service stack from config: store, model provider,
// conversation service, and the HTTP surface in front of them.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	prompts, err := llm.LoadCatalog(cfg.Prompts.Path)
	if err != nil {
		return nil, fmt.Errorf("loading prompt catalog: %w", err)
	}

	generator, router, extractor, err := buildGenerator(cfg, prompts, logger)
	if err != nil {
		return nil, err
	}

	broadcaster := conversation.NewBroadcaster(logger.With("component", "broadcaster"))
	convService := conversation.New(conversation.Deps{
		Store:     s,
		Generator: generator,
		Router:    router,
		Extractor: extractor,
		Indexer:   fragment.NewIndexer(fragment.NewMarkdownFinder()),
		Events:    broadcaster,
		Prompts:   prompts,
		Options: conversation.Options{
			CoderModel:      cfg.Model.CoderModel,
			MaxContextNodes: cfg.Limits.MaxContextNodes,
			MaxTreeDepth:    cfg.Limits.MaxTreeDepth,
			RequestTimeout:  cfg.Model.RequestTimeout,
		},
		Logger: logger,
	})

	gw := &Gateway{
		config:       cfg,
		store:        s,
		conversation: convService,
		mindmap:      mindmap.NewBuilder(s),
		broadcaster:  broadcaster,
		logger:       logger.With("component", "gateway"),
		serverID:     generateServerID(),
		dedupe:       dedupe.New(cfg.Limits.DedupeTTL, cfg.Limits.DedupeSize),
	}

	if !cfg.Auth.Disabled {
		verifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret)
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		gw.verifier = verifier
		gw.accounts = auth.NewAccounts(s, verifier, cfg.Auth.TokenTTL, logger)
	}

	mux := http.NewServeMux()

	// Health and root endpoints - no auth required
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/", gw.handleRoot)

	gw.registerHTTPAPIRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           corsMiddleware(cfg.CORS.Origins)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// registerHTTPAPIRoutes registers API routes on the mux with or without auth
// middleware depending on configuration.
func (g *Gateway) registerHTTPAPIRoutes(mux *http.ServeMux) {
	var protect func(http.Handler) http.Handler
	if g.config.Auth.Disabled {
		protect = auth.AllowAnonymous()
		g.logger.Warn("auth disabled - every request runs as the local user")
	} else {
		protect = auth.Middleware(g.store, g.verifier, g.logger)
		mux.HandleFunc("/api/auth/register", g.handleRegister)
		mux.HandleFunc("/api/auth/login", g.handleLogin)
		g.logger.Info("HTTP auth middleware enabled")
	}

	mux.Handle("/api/chat", protect(http.HandlerFunc(g.handleAsk)))
	mux.Handle("/api/chat/stream", protect(http.HandlerFunc(g.handleAskStream)))
	mux.Handle("/api/fragments/resolve", protect(http.HandlerFunc(g.handleResolveFragment)))
	mux.Handle("/api/conversation/", protect(http.HandlerFunc(g.handleConversation)))
	mux.Handle("/api/mindmap/", protect(http.HandlerFunc(g.handleMindmap)))
	mux.Handle("/api/events", protect(http.HandlerFunc(g.handleEvents)))
	mux.Handle("/api/me", protect(http.HandlerFunc(g.handleMe)))
}

// corsMiddleware adds CORS headers for the configured browser origins.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				switch {
				case allowAll:
					w.Header().Set("Access-Control-Allow-Origin", "*")
				case allowed[origin]:
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Run starts the gateway and blocks until the context is canceled or the
// server fails. Shutdown is always attempted; a serve failure takes
// precedence over any drain error.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.listen(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		g.logger.Info("shutdown requested")
	case serveErr = <-errCh:
		g.logger.Error("server failed", "error", serveErr)
	}

	// The run context is already canceled here, so the drain gets a fresh
	// deadline.
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(drainCtx)

	if serveErr != nil {
		return serveErr
	}
	return shutdownErr
}

// listen opens the serving socket: a tailnet listener when tailscale is
// enabled, plain TCP on the configured address otherwise.
func (g *Gateway) listen(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr,
			)
		}
		return g.tailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}
	return ln, nil
}

// tailscaleStateDir picks the tsnet state directory, defaulting under the
// user's data dir when config leaves it empty.
func tailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home for tailscale state (set tailscale.state_dir): %w", err)
	}
	return filepath.Join(home, ".local", "share", "deepstudy", "tailscale"), nil
}

// tailscaleAuthKey picks the tailnet auth key from config, falling back to
// the TS_AUTHKEY environment variable.
func tailscaleAuthKey(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if env := os.Getenv("TS_AUTHKEY"); env != "" {
		return env, nil
	}
	return "", errors.New("tailscale auth key missing: set tailscale.auth_key or export TS_AUTHKEY")
}

// joinTailnet brings up the embedded tsnet node and logs its identity.
func (g *Gateway) joinTailnet(ctx context.Context) error {
	tsCfg := g.config.Tailscale

	stateDir, err := tailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := tailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("joining tailnet", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		g.tsnetServer = nil
		return fmt.Errorf("starting tailscale: %w", err)
	}

	ips := make([]string, 0, len(status.TailscaleIPs))
	for _, ip := range status.TailscaleIPs {
		ips = append(ips, ip.String())
	}
	var dnsName string
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailnet node ready", "hostname", tsCfg.Hostname, "ips", ips, "dns_name", dnsName)
	return nil
}

// tailscaleListener joins the tailnet and opens the configured listener.
// Funnel exposes public HTTPS, the https flag serves HTTPS inside the
// tailnet with Tailscale-provisioned certs, and the default is plain :80.
func (g *Gateway) tailscaleListener(ctx context.Context) (net.Listener, error) {
	if err := g.joinTailnet(ctx); err != nil {
		return nil, err
	}
	closeNode := func() { _ = g.tsnetServer.Close() }

	tsCfg := g.config.Tailscale
	switch {
	case tsCfg.Funnel:
		g.logger.Info("serving public funnel HTTPS on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			closeNode()
			return nil, fmt.Errorf("funnel listener: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		g.logger.Info("serving HTTPS with tailscale certs on :443")
		ln, err := g.tsnetServer.Listen("tcp", ":443")
		if err != nil {
			closeNode()
			return nil, fmt.Errorf("tailscale HTTPS listener: %w", err)
		}
		lc, err := g.tsnetServer.LocalClient()
		if err != nil {
			_ = ln.Close()
			closeNode()
			return nil, fmt.Errorf("tailscale local client: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			closeNode()
			return nil, fmt.Errorf("tailscale listener: %w", err)
		}
		return ln, nil
	}
}

// Shutdown stops the HTTP server and releases gateway resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	if g.broadcaster != nil {
		g.broadcaster.Close()
	}
	return errors.Join(errs...)
}

// handleHealth returns the liveness status.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// handleRoot identifies the service on the bare path.
func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		g.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"message": "DeepStudy API",
		"version": Version,
	})
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("deepstudy-gateway-%d", time.Now().UnixNano()%1000000)
}
