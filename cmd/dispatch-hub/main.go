// ABOUTME: Entry point for the dispatch hub
// ABOUTME: Serves the task queue to connected agents and the operator HTTP API

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-dispatch/internal/agent"
	"github.com/2389/coven-dispatch/internal/auth"
	"github.com/2389/coven-dispatch/internal/config"
	"github.com/2389/coven-dispatch/internal/gateway"
	"github.com/2389/coven-dispatch/internal/logging"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
     _ _               _       _           _           _
  __| (_)___ _ __  __ _| |_ ___| |__       | |__  _   _| |__
 / _' | / __| '_ \/ _' | __/ __| '_ \ _____| '_ \| | | | '_ \
| (_| | \__ \ |_) | (_| | || (__| | | |_____| | | | |_| | |_) |
 \__,_|_|___/ .__/\__,_|\__\___|_| |_|     |_| |_|\__,_|_.__/
            |_|
`

// defaultTokenTTL is the lifetime of tokens minted by "token" without --ttl.
const defaultTokenTTL = 30 * 24 * time.Hour

// getDataPath returns the path to the coven-dispatch data directory.
// Priority: XDG_DATA_HOME/coven-dispatch > ~/.local/share/coven-dispatch
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven-dispatch")
}

// getTokenPath returns where "token --save" writes and CLI commands read.
func getTokenPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "token")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: dispatch-hub <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                          Start the hub")
		fmt.Println("  init                           Create a new config file interactively")
		fmt.Println("  token [--subject S] [--ttl D]  Mint a bearer token (--save writes it next to the config)")
		fmt.Println("  health                         Check hub health")
		fmt.Println("  agents                         List connected agents")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}

	if cfg.Auth.JWTSecret == "" {
		yellow.Print("    ! ")
		fmt.Println("Auth:      disabled (no jwt_secret)")
	}

	fmt.Println()

	logger.Info("starting dispatch-hub",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"lease_ttl", cfg.Queue.LeaseTTL,
		"max_in_flight", cfg.Queue.MaxInFlight,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runToken mints a bearer token signed with the configured secret.
// Supports "--flag value" and "--flag=value".
func runToken(args []string) error {
	subject := "operator"
	ttl := defaultTokenTTL
	save := false

	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "--subject", "--ttl":
			if !hasValue {
				if i+1 >= len(args) {
					return fmt.Errorf("%s requires a value", name)
				}
				value = args[i+1]
				i++
			}
			if name == "--subject" {
				subject = strings.TrimSpace(value)
				continue
			}
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid --ttl %q: %w", value, err)
			}
			if d < 0 {
				return errors.New("--ttl must not be negative")
			}
			ttl = d
		case "--save":
			save = true
		default:
			if strings.HasPrefix(arg, "-") {
				return fmt.Errorf("unknown flag: %s", arg)
			}
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}
	if subject == "" {
		return errors.New("--subject cannot be empty")
	}

	configPath := config.DefaultPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret not configured in %s", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(subject, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	if save {
		tokenPath := getTokenPath(configPath)
		if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
			return fmt.Errorf("writing token file: %w", err)
		}
		color.New(color.FgGreen).Fprintf(os.Stderr, "  ✓ Saved token: %s\n", tokenPath)
	}
	fmt.Println(token)
	return nil
}

// hubURL builds an operator URL from the configured listen address.
func hubURL(cfg *config.Config, path string) (string, error) {
	if cfg.Server.HTTPAddr == "" {
		return "", errors.New("server.http_addr not set; reach a tailscale hub by its tailnet name")
	}
	return "http://" + cfg.Server.HTTPAddr + path, nil
}

// readToken returns DISPATCH_TOKEN or the saved token file, if any.
func readToken(configPath string) string {
	if token := os.Getenv("DISPATCH_TOKEN"); token != "" {
		return token
	}
	data, err := os.ReadFile(getTokenPath(configPath))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url, err := hubURL(cfg, "/health/ready")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		color.New(color.FgYellow).Printf("not ready: %s\n", strings.TrimSpace(string(body)))
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	color.New(color.FgGreen).Println(strings.TrimSpace(string(body)))
	return nil
}

func runAgents(ctx context.Context) error {
	configPath := config.DefaultPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url, err := hubURL(cfg, "/api/agents")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if token := readToken(configPath); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("listing agents failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("listing agents: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var agents []agent.AgentInfo
	if err := json.NewDecoder(resp.Body).Decode(&agents); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if len(agents) == 0 {
		fmt.Println("no agents connected")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCAPABILITIES\tIN FLIGHT\tREPOS\tLAST SEEN")
	for _, a := range agents {
		caps := strings.Join(a.Capabilities, ",")
		if caps == "" {
			caps = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s ago\n",
			a.ID, a.Name, caps, len(a.InFlight), len(a.Repositories),
			time.Since(a.LastSeen).Round(time.Second))
	}
	return w.Flush()
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("dispatch-hub configuration setup")
	fmt.Println("================================")
	fmt.Println()

	defaultDbPath := filepath.Join(getDataPath(), "dispatch.db")

	outputFile := prompt(reader, "Config file path", config.DefaultPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", config.DefaultHTTPAddr)

	fmt.Println("\n--- Database Configuration ---")
	driver := prompt(reader, "SQLite driver (sqlite/sqlite3)", config.DefaultDatabaseDriver)
	dbPath := prompt(reader, "Database path", defaultDbPath)

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := isYes(prompt(reader, "Enable Tailscale?", "no"))

	var tsHostname, tsAuthKey string
	var tsEphemeral bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "dispatch-hub")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		tsEphemeral = isYes(prompt(reader, "Ephemeral node?", "no"))
	}

	fmt.Println("\n--- Auth Configuration ---")
	enableAuth := isYes(prompt(reader, "Require bearer tokens?", "yes"))
	var jwtSecret string
	if enableAuth {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret = base64.StdEncoding.EncodeToString(secretBytes)
	}

	fmt.Println("\n--- Queue Configuration ---")
	leaseTTL := prompt(reader, "Lease TTL", config.DefaultLeaseTTL.String())
	maxInFlight := prompt(reader, "Max in-flight tasks per agent (0 = unlimited)", "0")

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# dispatch-hub configuration\n")
	cfg.WriteString("# Generated by dispatch-hub init\n\n")

	if !tailscaleEnabled {
		cfg.WriteString("server:\n")
		cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
		cfg.WriteString("\n")
	}

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  driver: %q\n", driver))
	cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
	}
	cfg.WriteString("\n")

	if jwtSecret != "" {
		cfg.WriteString("auth:\n")
		cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", jwtSecret))
		cfg.WriteString("\n")
	}

	cfg.WriteString("queue:\n")
	cfg.WriteString(fmt.Sprintf("  lease_ttl: %q\n", leaseTTL))
	cfg.WriteString(fmt.Sprintf("  max_in_flight: %s\n", maxInFlight))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	// Catch typos before anything is written.
	if _, err := config.Parse([]byte(cfg.String())); err != nil {
		return err
	}

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	perm := os.FileMode(0644)
	if jwtSecret != "" {
		perm = 0600
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), perm); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the hub:")
	fmt.Printf("  dispatch-hub serve\n")
	if jwtSecret != "" {
		fmt.Println("\nTo mint a token for agents and operators:")
		fmt.Printf("  dispatch-hub token --subject <name> --save\n")
	}

	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
