// ABOUTME: Entry point for the deepstudy-gateway server
// ABOUTME: Serves the recursive dialogue engine over HTTP and manages first-run setup

package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/deepstudy/internal/auth"
	"github.com/2389/deepstudy/internal/config"
	"github.com/2389/deepstudy/internal/gateway"
	"github.com/2389/deepstudy/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
     _                     _             _
  __| | ___  ___ _ __  ___| |_ _   _  __| |_   _
 / _' |/ _ \/ _ \ '_ \/ __| __| | | |/ _' | | | |
| (_| |  __/  __/ |_) \__ \ |_| |_| | (_| | |_| |
 \__,_|\___|\___| .__/|___/\__|\__,_|\__,_|\__, |
                |_|                        |___/
`

// getConfigPath locates gateway.yaml. A DEEPSTUDY_CONFIG override wins;
// otherwise the file lives under the XDG config home.
func getConfigPath() string {
	if p := os.Getenv("DEEPSTUDY_CONFIG"); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "deepstudy", "gateway.yaml")
}

// getDataPath locates the directory holding the database and tailscale
// state, under the XDG data home.
func getDataPath() string {
	if base := os.Getenv("XDG_DATA_HOME"); base != "" {
		return filepath.Join(base, "deepstudy")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "data"
	}
	return filepath.Join(home, ".local", "share", "deepstudy")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: deepstudy-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                  Run the gateway")
		fmt.Println("  init                   Write a config file interactively")
		fmt.Println("  bootstrap --user NAME  One-shot setup: config, first user, token")
		fmt.Println("  health                 Probe a running gateway")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd := os.Args[1]; cmd {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "bootstrap":
		err = runBootstrap(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	// item prints one "▶ Label: " startup line; the value follows on the
	// same line so callers can color it.
	item := func(label string) {
		green.Print("    ▶ ")
		fmt.Printf("%-11s", label+":")
	}

	item("Config")
	fmt.Println(configPath)
	item("HTTP")
	fmt.Println(cfg.Server.HTTPAddr)

	item("Model")
	if cfg.Model.APIKey == "" {
		yellow.Println("offline (no api_key configured)")
	} else {
		fmt.Println(cfg.Model.Model)
	}

	if cfg.Auth.Disabled {
		item("Auth")
		yellow.Println("disabled (single-user mode)")
	}

	if cfg.Tailscale.Enabled {
		item("Tailscale")
		cyan.Print(cfg.Tailscale.Hostname)
		switch {
		case cfg.Tailscale.Funnel:
			yellow.Print(" [funnel]")
		case cfg.Tailscale.HTTPS:
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting deepstudy-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gateway.Version = version
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("building gateway: %w", err)
	}
	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(newColorHandler(os.Stdout, level))
}

// colorHandler renders one colored line per record for terminal use. The
// JSON format for machine consumers goes through slog's stock handler.
type colorHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func newColorHandler(out io.Writer, level slog.Level) *colorHandler {
	return &colorHandler{mu: &sync.Mutex{}, out: out, level: level}
}

// clone copies the handler with freshly owned attr and group slices. The
// mutex and writer stay shared so derived loggers serialize their writes.
func (h *colorHandler) clone() *colorHandler {
	return &colorHandler{
		mu:     h.mu,
		out:    h.out,
		level:  h.level,
		attrs:  append([]slog.Attr{}, h.attrs...),
		groups: append([]string{}, h.groups...),
	}
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func levelTag(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return color.MagentaString("DBG")
	case l < slog.LevelWarn:
		return color.CyanString("INF")
	case l < slog.LevelError:
		return color.YellowString("WRN")
	default:
		return color.New(color.FgRed, color.Bold).Sprint("ERR")
	}
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var line strings.Builder
	line.WriteString(color.HiBlackString(r.Time.Format("15:04:05")))
	line.WriteByte(' ')
	line.WriteString(levelTag(r.Level))
	line.WriteByte(' ')
	line.WriteString(r.Message)

	for _, a := range h.attrs {
		h.writeAttr(&line, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.writeAttr(&line, a)
		return true
	})
	line.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, line.String())
	return err
}

// writeAttr appends one key=value pair, qualifying the key with the open
// group path.
func (h *colorHandler) writeAttr(line *strings.Builder, a slog.Attr) {
	key := a.Key
	if len(h.groups) > 0 {
		key = strings.Join(h.groups, ".") + "." + key
	}
	line.WriteString(color.HiBlackString(" " + key + "="))
	line.WriteString(a.Value.String())
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h.clone()
	next.attrs = append(next.attrs, attrs...)
	return next
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	next := h.clone()
	next.groups = append(next.groups, name)
	return next
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health probe failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: HTTP %d", resp.StatusCode)
	}
	fmt.Println("healthy")
	return nil
}

// runBootstrap is the one-command first-run path: it lays down a config
// with a fresh JWT secret if none exists, opens the database, registers
// the first user, and writes their token where the CLI tools look for it.
//
//	deepstudy-gateway bootstrap --user ada
func runBootstrap(ctx context.Context) error {
	username, err := bootstrapUsername(os.Args[2:])
	if err != nil {
		return err
	}

	configPath := getConfigPath()
	dataPath := getDataPath()

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		if err := writeStarterConfig(configPath, dataPath); err != nil {
			return err
		}
		green.Printf("  ✓ Created config: %s\n", configPath)
	} else {
		cyan.Printf("  Using existing config: %s\n", configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret not configured in %s (required for bootstrap)", configPath)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	green.Printf("  ✓ Database: %s\n", cfg.Database.Path)

	// The password is random and printed exactly once below.
	password, err := randomString(18, base64.RawURLEncoding)
	if err != nil {
		return fmt.Errorf("generating password: %w", err)
	}

	verifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret)
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}

	// Token TTL for the bootstrap token is fixed at 30 days.
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	accounts := auth.NewAccounts(s, verifier, 30*24*time.Hour, quiet)

	creds, err := accounts.Register(ctx, username, password)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateUser) {
			return fmt.Errorf("bootstrap already complete: user %q exists", username)
		}
		return fmt.Errorf("creating user: %w", err)
	}
	green.Printf("  ✓ Created user: %s\n", username)

	tokenPath := filepath.Join(filepath.Dir(configPath), "token")
	if err := os.WriteFile(tokenPath, []byte(creds.Token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	green.Printf("  ✓ Saved token: %s\n", tokenPath)

	fmt.Println()
	green.Println("  Bootstrap complete!")
	fmt.Println()
	cyan.Println("  First User")
	cyan.Println("  ----------")
	for _, row := range [][2]string{
		{"ID", creds.UserID},
		{"Username", creds.Username},
		{"Password", password},
		{"Token", fmt.Sprintf("%s (expires %s)", tokenPath, creds.ExpiresAt.Format("Jan 02, 2006"))},
	} {
		fmt.Printf("  %-10s%s\n", row[0]+":", row[1])
	}
	fmt.Println()
	yellow.Println("  The password is not stored in plain text and will not be shown again.")
	fmt.Println()

	yellow.Println("  Ready to go:")
	fmt.Println("    deepstudy-gateway serve    # start the gateway")
	fmt.Println("    deepstudy-tui              # start asking questions")
	fmt.Println()

	return nil
}

// bootstrapUsername extracts --user from the bootstrap arguments. Both
// "--user value" and "--user=value" spellings work, as does -u.
func bootstrapUsername(args []string) (string, error) {
	var username string
	for i := 0; i < len(args); i++ {
		switch arg := args[i]; {
		case arg == "--user" || arg == "-u":
			i++
			if i == len(args) {
				return "", fmt.Errorf("--user requires a value")
			}
			username = args[i]
		case strings.HasPrefix(arg, "--user="):
			username = strings.TrimPrefix(arg, "--user=")
		case strings.HasPrefix(arg, "-u="):
			username = strings.TrimPrefix(arg, "-u=")
		default:
			return "", fmt.Errorf("unexpected argument %q (try --user NAME)", arg)
		}
	}

	username = strings.TrimSpace(username)
	if username == "" {
		return "", fmt.Errorf("--user flag is required")
	}
	return username, nil
}

// writeStarterConfig lays down a minimal gateway.yaml next to a fresh
// data directory. The model key is written as ${GEMINI_API_KEY} so the
// gateway picks it up from the environment without a config edit.
func writeStarterConfig(configPath, dataPath string) error {
	secret, err := randomString(32, base64.StdEncoding)
	if err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}

	for _, dir := range []string{filepath.Dir(configPath), dataPath} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	content := fmt.Sprintf(`# deepstudy-gateway configuration
# Generated by deepstudy-gateway bootstrap

server:
  http_addr: "localhost:8080"

database:
  path: %q

auth:
  jwt_secret: %q

model:
  api_key: "${GEMINI_API_KEY}"

logging:
  level: "info"
  format: "text"
`, filepath.Join(dataPath, "gateway.db"), secret)

	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func randomString(n int, enc *base64.Encoding) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return enc.EncodeToString(raw), nil
}

// runInit walks through every config section interactively and writes
// the result as gateway.yaml.
func runInit() error {
	reader := bufio.NewReader(os.Stdin)
	section := func(name string) { fmt.Printf("\n--- %s ---\n", name) }

	fmt.Println("deepstudy-gateway configuration setup")
	fmt.Println("=====================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !promptBool(reader, "File exists. Overwrite?", false) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	section("Server")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	section("Database")
	dbPath := prompt(reader, "SQLite database path", filepath.Join(getDataPath(), "gateway.db"))

	section("Model")
	apiKey := prompt(reader, "Gemini API key (leave empty for offline mode)", "")
	modelName := prompt(reader, "Model", "gemini-2.5-flash")
	coderModel := prompt(reader, "Coder model (used for code questions)", "")

	section("Auth")
	multiUser := promptBool(reader, "Enable multi-user auth?", true)

	var jwtSecret string
	if multiUser {
		var err error
		jwtSecret, err = randomString(32, base64.StdEncoding)
		if err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		fmt.Println("Generated a random JWT secret.")
	}

	section("Tailscale")
	tsEnabled := promptBool(reader, "Enable Tailscale?", false)

	var tsHostname, tsAuthKey string
	var tsEphemeral, tsHTTPS, tsFunnel bool
	if tsEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "deepstudy")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for TS_AUTHKEY)", "")
		tsEphemeral = promptBool(reader, "Ephemeral node?", false)
		tsHTTPS = promptBool(reader, "Serve HTTPS with Tailscale certs?", false)
		tsFunnel = promptBool(reader, "Enable Funnel (public HTTPS)?", false)
	}

	section("Logging")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var out bytes.Buffer
	out.WriteString("# deepstudy-gateway configuration\n# Generated by deepstudy-gateway init\n\n")
	fmt.Fprintf(&out, "server:\n  http_addr: %q\n\n", httpAddr)
	fmt.Fprintf(&out, "database:\n  path: %q\n\n", dbPath)

	if multiUser {
		fmt.Fprintf(&out, "auth:\n  jwt_secret: %q\n\n", jwtSecret)
	} else {
		out.WriteString("auth:\n  disabled: true\n\n")
	}

	fmt.Fprintf(&out, "model:\n  api_key: %q\n  model: %q\n", apiKey, modelName)
	if coderModel != "" {
		fmt.Fprintf(&out, "  coder_model: %q\n", coderModel)
	}
	out.WriteByte('\n')

	fmt.Fprintf(&out, "tailscale:\n  enabled: %t\n", tsEnabled)
	if tsEnabled {
		fmt.Fprintf(&out, "  hostname: %q\n", tsHostname)
		if tsAuthKey != "" {
			fmt.Fprintf(&out, "  auth_key: %q\n", tsAuthKey)
		}
		fmt.Fprintf(&out, "  ephemeral: %t\n  https: %t\n  funnel: %t\n", tsEphemeral, tsHTTPS, tsFunnel)
	}
	out.WriteByte('\n')

	fmt.Fprintf(&out, "logging:\n  level: %q\n  format: %q\n", logLevel, logFormat)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, out.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nWrote %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nStart the gateway with:")
	fmt.Println("  deepstudy-gateway serve")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal == "" {
		fmt.Printf("%s: ", question)
	} else {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	}

	line, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	if line = strings.TrimSpace(line); line == "" {
		return defaultVal
	}
	return line
}

func promptBool(reader *bufio.Reader, question string, defaultVal bool) bool {
	def := "no"
	if defaultVal {
		def = "yes"
	}
	switch strings.ToLower(prompt(reader, question, def)) {
	case "yes", "y":
		return true
	default:
		return false
	}
}
