// ABOUTME: Entry point for the aetherbus session bridge daemon
// ABOUTME: Serves an agent inbox through interactive session processes

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/aetherbus/internal/auth"
	"github.com/2389/aetherbus/internal/config"
	"github.com/2389/aetherbus/internal/logging"
	"github.com/2389/aetherbus/internal/server"
	"github.com/2389/aetherbus/internal/session"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
            _   _               _
  __ _  ___| |_| |__   ___ _ __| |__  _   _ ___
 / _' |/ _ \ __| '_ \ / _ \ '__| '_ \| | | / __|
| (_| |  __/ |_| | | |  __/ |  | |_) | |_| \__ \
 \__,_|\___|\__|_| |_|\___|_|  |_.__/ \__,_|___/
`

// getDataPath returns the path to the aetherbus data directory.
// Priority: XDG_DATA_HOME/aetherbus > ~/.local/share/aetherbus
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "aetherbus")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: aetherbus-bridge <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                  Start the bridge")
		fmt.Println("  init                   Create a new config file interactively")
		fmt.Println("  token [--ttl 720h]     Issue an operator token for the control endpoints")
		fmt.Println("  health                 Check bridge readiness")
		fmt.Println("  sessions               List live sessions")
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
	case "sessions":
		err = runSessions(ctx)
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
	fmt.Printf("Agent:     %s\n", cfg.Agents.Self)
	green.Print("    ▶ ")
	fmt.Printf("Log:       %s\n", redactURL(cfg.Log.URL))
	green.Print("    ▶ ")
	fmt.Printf("Command:   %s %s\n", cfg.Bridge.Command, strings.Join(cfg.Bridge.Args, " "))
	if cfg.Server.HTTPAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	if cfg.Auth.SigningSecret != "" {
		green.Print("    ▶ ")
		fmt.Print("Signing:   ")
		if cfg.Auth.RequireSignatures {
			yellow.Println("required")
		} else {
			fmt.Println("enabled")
		}
	}
	fmt.Println()

	logger.Info("starting aetherbus-bridge",
		"config", configPath,
		"agent", cfg.Agents.Self,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	srv, err := server.Open(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	return srv.Run(ctx)
}

// redactURL hides a password in a log URL.
func redactURL(raw string) string {
	at := strings.LastIndex(raw, "@")
	scheme := strings.Index(raw, "://")
	if at < 0 || scheme < 0 {
		return raw
	}
	return raw[:scheme+3] + "***" + raw[at:]
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	subject := fs.String("subject", "", "operator name (defaults to $USER)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		*subject = os.Getenv("USER")
	}
	if *subject == "" {
		return fmt.Errorf("--subject is required")
	}

	configPath := config.DefaultPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret not configured in %s", configPath)
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(*subject, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	tokenPath := filepath.Join(filepath.Dir(configPath), "token")
	if err := os.WriteFile(tokenPath, []byte(token), 0o600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	color.New(color.FgGreen).Fprintf(os.Stderr, "  ✓ Saved token: %s (expires %s)\n", tokenPath, time.Now().Add(*ttl).Format("Jan 02, 2006"))
	fmt.Println(token)
	return nil
}

func getJSON(ctx context.Context, url string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func httpAddr() (string, error) {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.HTTPAddr == "" {
		return "", fmt.Errorf("server.http_addr is not configured")
	}
	return cfg.Server.HTTPAddr, nil
}

func runHealth(ctx context.Context) error {
	addr, err := httpAddr()
	if err != nil {
		return err
	}
	var body map[string]any
	status, err := getJSON(ctx, fmt.Sprintf("http://%s/readyz", addr), &body)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("not ready: status %d: %v", status, body["error"])
	}
	fmt.Println("ready")
	return nil
}

func runSessions(ctx context.Context) error {
	addr, err := httpAddr()
	if err != nil {
		return err
	}
	var body struct {
		Sessions []session.Info `json:"sessions"`
		Counts   map[string]int `json:"counts"`
	}
	status, err := getJSON(ctx, fmt.Sprintf("http://%s/sessions", addr), &body)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("listing sessions: status %d", status)
	}

	if len(body.Sessions) == 0 {
		fmt.Println("no live sessions")
		return nil
	}
	bold := color.New(color.Bold)
	bold.Printf("%-20s %-12s %-8s %s\n", "CODE", "STATE", "PID", "LAST ACTIVE")
	for _, s := range body.Sessions {
		fmt.Printf("%-20s %-12s %-8d %s\n", s.Code, stateColor(s.State), s.Pid, s.LastActive.Local().Format(time.DateTime))
	}
	return nil
}

func stateColor(state string) string {
	switch state {
	case session.StateRunning.String():
		return color.GreenString("%-12s", state)
	case session.StateDegraded.String():
		return color.YellowString("%-12s", state)
	case session.StateTerminated.String():
		return color.HiBlackString("%-12s", state)
	default:
		return fmt.Sprintf("%-12s", state)
	}
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("aetherbus-bridge configuration setup")
	fmt.Println("====================================")
	fmt.Println()

	dataPath := getDataPath()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !yes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Log ---")
	logURL := prompt(reader, "Log URL", "redis://localhost:6379/0")
	prefix := prompt(reader, "Stream prefix", "AG1")

	fmt.Println("\n--- Agent ---")
	self := prompt(reader, "Agent name", "claude")
	command := prompt(reader, "Session command", "claude")
	transcripts := prompt(reader, "Transcript directory", filepath.Join(dataPath, "transcripts"))

	fmt.Println("\n--- Server ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8090")
	grpcAddr := prompt(reader, "gRPC health address (empty to disable)", "")
	dbPath := prompt(reader, "SQLite database path", filepath.Join(dataPath, "bridge.db"))

	fmt.Println("\n--- Security ---")
	var signingSecret string
	if yes(prompt(reader, "Sign envelopes?", "yes")) {
		s, err := randomSecret()
		if err != nil {
			return fmt.Errorf("generating signing secret: %w", err)
		}
		signingSecret = s
	}
	jwtSecret, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}

	fmt.Println("\n--- Logging ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# aetherbus-bridge configuration\n")
	cfg.WriteString("# Generated by aetherbus-bridge init\n\n")

	cfg.WriteString("log:\n")
	cfg.WriteString(fmt.Sprintf("  url: %q\n", logURL))
	cfg.WriteString("  stream_maxlen: 10000\n\n")

	cfg.WriteString("namespace:\n")
	cfg.WriteString(fmt.Sprintf("  prefix: %q\n\n", prefix))

	cfg.WriteString("agents:\n")
	cfg.WriteString(fmt.Sprintf("  self: %q\n\n", self))

	cfg.WriteString("bridge:\n")
	cfg.WriteString(fmt.Sprintf("  command: %q\n", command))
	cfg.WriteString(fmt.Sprintf("  transcript_dir: %q\n", transcripts))
	cfg.WriteString("  turn_timeout: \"120s\"\n")
	cfg.WriteString("  idle_timeout: \"30m\"\n")
	cfg.WriteString("  allowed_roles: [\"user\"]\n\n")

	cfg.WriteString("consumer:\n")
	cfg.WriteString("  workers: 4\n")
	cfg.WriteString("  max_deliveries: 3\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	if grpcAddr != "" {
		cfg.WriteString(fmt.Sprintf("  grpc_addr: %q\n", grpcAddr))
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n\n", dbPath))

	cfg.WriteString("auth:\n")
	if signingSecret != "" {
		cfg.WriteString(fmt.Sprintf("  signing_secret: %q\n", signingSecret))
	}
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n\n", jwtSecret))

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	if _, err := config.Parse([]byte(cfg.String())); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// Secrets inside: owner-only.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	for _, dir := range []string{filepath.Dir(dbPath), transcripts} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nNext:")
	fmt.Println("  aetherbus-bridge serve    # start the bridge")
	fmt.Println("  aetherbus-bridge token    # issue an operator token")
	return nil
}

func yes(s string) bool {
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
