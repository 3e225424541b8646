// ABOUTME: Entry point for dispatch-agent, the worker that runs hub tasks on this machine
// ABOUTME: Keeps one websocket session to the hub and reports local repository state

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/2389/coven-dispatch/internal/config"
	"github.com/2389/coven-dispatch/internal/executor"
	"github.com/2389/coven-dispatch/internal/logging"
	"github.com/2389/coven-dispatch/internal/protocol"
	"github.com/2389/coven-dispatch/internal/repomon"
	"github.com/2389/coven-dispatch/internal/session"
)

// Version is set by goreleaser at build time.
var version = "dev"

// connectPath is appended to hub_url when it names no path.
const connectPath = "/agent/connect"

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: dispatch-agent <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  run      Connect to the hub and execute tasks")
		fmt.Println("  check    Validate the config file and print the effective settings")
		fmt.Println("  repos    Print the status of monitored repositories")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "run":
		err = runAgent(ctx)
	case "check":
		err = runCheck()
	case "repos":
		err = runRepos(ctx)
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

func loadConfig() (*config.AgentConfig, string, error) {
	configPath := config.DefaultAgentPath()
	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

// connectURL turns hub_url into the agent websocket endpoint.
func connectURL(hubURL string) (string, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return "", fmt.Errorf("parsing hub_url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = connectPath
	}
	return u.String(), nil
}

func runAgent(ctx context.Context) error {
	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Logging)

	wsURL, err := connectURL(cfg.HubURL)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)
	gray.Printf("dispatch-agent %s\n", version)
	green.Print("  ▶ ")
	fmt.Printf("Agent:  %s (%s)\n", cfg.Agent.ID, cfg.Agent.Name)
	green.Print("  ▶ ")
	fmt.Printf("Hub:    %s\n", wsURL)
	green.Print("  ▶ ")
	fmt.Printf("Repos:  %d\n", len(cfg.Monitor.Repositories))
	fmt.Println()

	logger.Info("starting dispatch-agent",
		"config", configPath,
		"agent_id", cfg.Agent.ID,
		"hub", wsURL,
		"capabilities", cfg.Agent.Capabilities,
	)

	var monitor session.RepoMonitor
	if len(cfg.Monitor.Repositories) > 0 {
		monitor = repomon.New(cfg.Monitor.Repositories, repomon.CLIRunner{}, logger)
	}

	mgr := session.New(session.Params{
		Agent: protocol.AgentDescriptor{
			ID:           cfg.Agent.ID,
			Name:         cfg.Agent.Name,
			Capabilities: cfg.Agent.Capabilities,
		},
		Transport: &session.WebsocketTransport{URL: wsURL, Token: cfg.Token},
		Executor: executor.New(executor.Config{
			Timeout:   cfg.Executor.Timeout,
			Shell:     cfg.Executor.Shell,
			WorkDir:   cfg.Executor.WorkDir,
			MaxOutput: cfg.Executor.MaxOutputBytes,
		}, logger),
		Monitor:      monitor,
		PollInterval: cfg.Monitor.PollInterval,
		Backoff: session.NewBackOff(session.ReconnectPolicy{
			Delay:       cfg.Reconnect.Delay,
			MaxDelay:    cfg.Reconnect.MaxDelay,
			Jitter:      cfg.Reconnect.Jitter,
			Exponential: cfg.Reconnect.Exponential,
		}),
		Logger: logger,
	})

	return mgr.Run(ctx)
}

func runCheck() error {
	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	wsURL, err := connectURL(cfg.HubURL)
	if err != nil {
		return err
	}

	poll := cfg.Monitor.PollInterval.String()
	if cfg.Monitor.PollInterval < 0 {
		poll = config.PollDisabled
	}
	reconnect := fmt.Sprintf("constant %s", cfg.Reconnect.Delay)
	if cfg.Reconnect.Exponential {
		reconnect = fmt.Sprintf("exponential %s..%s (jitter %.2f)", cfg.Reconnect.Delay, cfg.Reconnect.MaxDelay, cfg.Reconnect.Jitter)
	}
	caps := strings.Join(cfg.Agent.Capabilities, ", ")
	if caps == "" {
		caps = "* (all task types)"
	}

	color.New(color.FgGreen).Printf("✓ %s is valid\n\n", configPath)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "hub\t%s\n", wsURL)
	fmt.Fprintf(w, "token\t%t\n", cfg.Token != "")
	fmt.Fprintf(w, "agent id\t%s\n", cfg.Agent.ID)
	fmt.Fprintf(w, "agent name\t%s\n", cfg.Agent.Name)
	fmt.Fprintf(w, "capabilities\t%s\n", caps)
	fmt.Fprintf(w, "shell\t%s\n", cfg.Executor.Shell)
	fmt.Fprintf(w, "timeout\t%s\n", cfg.Executor.Timeout)
	fmt.Fprintf(w, "repositories\t%d\n", len(cfg.Monitor.Repositories))
	fmt.Fprintf(w, "poll interval\t%s\n", poll)
	fmt.Fprintf(w, "reconnect\t%s\n", reconnect)
	return w.Flush()
}

func runRepos(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.Monitor.Repositories) == 0 {
		fmt.Println("no repositories configured")
		return nil
	}

	// Unreadable repositories are reported through warnings on stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	monitor := repomon.New(cfg.Monitor.Repositories, repomon.CLIRunner{}, logger)

	yellow := color.New(color.FgYellow)
	statuses := monitor.Snapshot(ctx)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tBRANCH\tAHEAD\tBEHIND\tMODIFIED\tCREATED\tDELETED\tCONFLICTED")
	for _, st := range statuses {
		branch := st.Branch
		if !st.Dirty {
			branch += " (clean)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			st.Path, branch, st.Ahead, st.Behind,
			len(st.Modified), len(st.Created), len(st.Deleted), len(st.Conflicted))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if n := len(cfg.Monitor.Repositories) - len(statuses); n > 0 {
		yellow.Printf("%d configured path(s) could not be read\n", n)
	}
	return nil
}
