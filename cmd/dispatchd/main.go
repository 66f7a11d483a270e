package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/dispatchd/internal/client"
	"github.com/mattjoyce/dispatchd/internal/config"
	"github.com/mattjoyce/dispatchd/internal/tui"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "task":
		return runTaskNoun(args)
	case "worker":
		return runWorkerNoun(args)

	case "start":
		return runStart(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: dispatchd version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("dispatchd %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`dispatchd - asynchronous remote command dispatcher

Usage:
  dispatchd <noun> <action> [flags]

System Commands:
  system start      Run the dispatcher, scheduler and API in the foreground
  system status     Show server health and queue depths
  system watch      Live task monitor (TUI)

Config Commands:
  config check      Load and validate the configuration

Task Commands:
  task submit       Submit a command
  task status <id>  Show a task's status and result
  task cancel <id>  Cancel a pending or running task

Worker Commands:
  worker run        Claim and execute tasks from the configured queues

General:
  version           Show version information
  help              Show this help message

Use 'dispatchd <noun> help' for action lists and '<action> -h' for flags.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: dispatchd system <start|status|lock|watch>")
		return 1
	}
	if isHelpToken(args[0]) {
		fmt.Println("Usage: dispatchd system <start|status|lock|watch>")
		return 0
	}

	switch action, actionArgs := args[0], args[1:]; action {
	case "start":
		return runStart(actionArgs)
	case "status":
		return runSystemStatus(actionArgs)
	case "lock":
		return runSystemLock(actionArgs)
	case "watch":
		return runWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: dispatchd config <check>")
		return 1
	}
	if isHelpToken(args[0]) {
		fmt.Println("Usage: dispatchd config <check>")
		return 0
	}

	switch action, actionArgs := args[0], args[1:]; action {
	case "check":
		return runConfigCheck(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runTaskNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: dispatchd task <submit|status|cancel>")
		return 1
	}
	if isHelpToken(args[0]) {
		fmt.Println("Usage: dispatchd task <submit|status|cancel>")
		return 0
	}

	switch action, actionArgs := args[0], args[1:]; action {
	case "submit":
		return runTaskSubmit(actionArgs)
	case "status":
		return runTaskStatus(actionArgs)
	case "cancel":
		return runTaskCancel(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown task action: %s\n", action)
		return 1
	}
}

func runWorkerNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: dispatchd worker <run>")
		return 1
	}
	if isHelpToken(args[0]) {
		fmt.Println("Usage: dispatchd worker <run>")
		return 0
	}

	switch action, actionArgs := args[0], args[1:]; action {
	case "run":
		return runWorker(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown worker action: %s\n", action)
		return 1
	}
}

// --- CONFIG ---

// loadConfig loads path, or discovers the config when path is empty.
func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		discovered, err := config.DiscoverConfig()
		if err != nil {
			return nil, "", err
		}
		path = discovered
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration check FAILED: %v\n", err)
		return 1
	}

	fmt.Printf("Config: %s\n", path)
	fmt.Printf("State: %s\n", cfg.State.Path)
	fmt.Printf("Broker: %s  Cache: %s\n", cfg.Broker.Backend, cfg.Cache.Backend)
	if cfg.API.Enabled {
		fmt.Printf("API: %s\n", cfg.API.Listen)
	}
	if cfg.Worker.Enabled {
		fmt.Printf("Worker: %s queues=%s\n", cfg.Worker.Name, strings.Join(cfg.Worker.Queues, ","))
	}
	fmt.Printf("Callbacks: %s\n", strings.Join(newCallbacks(nil).Names(), ", "))
	fmt.Println("Status: Configuration check PASSED.")
	return 0
}

// --- REMOTE COMMANDS ---

// remoteFlags registers the connection flags shared by every command that
// talks to a running server.
type remoteFlags struct {
	apiURL     *string
	apiKey     *string
	configPath *string
}

func addRemoteFlags(fs *flag.FlagSet) remoteFlags {
	return remoteFlags{
		apiURL:     fs.String("api-url", os.Getenv("DISPATCHD_API_URL"), "Dispatcher API URL (default from config)"),
		apiKey:     fs.String("api-key", os.Getenv("DISPATCHD_API_KEY"), "API bearer token (default from config)"),
		configPath: fs.String("config", "", "Path to configuration file or directory"),
	}
}

// dial builds an API client. Missing URL or key fall back to the config
// file when one can be found.
func (r remoteFlags) dial() (*client.Client, error) {
	url, key := *r.apiURL, *r.apiKey
	if url == "" || key == "" {
		if cfg, _, err := loadConfig(*r.configPath); err == nil {
			if url == "" {
				url = "http://" + cfg.API.Listen
			}
			if key == "" {
				key = cfg.API.APIKey
			}
		} else if *r.configPath != "" {
			return nil, err
		}
	}
	if url == "" {
		url = "http://127.0.0.1:8480"
	}
	if key == "" {
		return nil, fmt.Errorf("API key required: use --api-key or DISPATCHD_API_KEY")
	}
	return client.New(url, key), nil
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	remote := addRemoteFlags(fs)
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	c, err := remote.dial()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := c.Health(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	queues, err := c.Queues(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Queue listing failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		return printJSON(map[string]any{"health": health, "queues": queues})
	}
	fmt.Printf("Status: %s\n", health.Status)
	fmt.Printf("Uptime: %s\n", time.Duration(health.UptimeSeconds)*time.Second)
	fmt.Printf("Queued: %d\n", health.QueueDepth)
	fmt.Printf("Subscribers: %d\n", health.Subscribers)
	if health.Pressure != nil {
		fmt.Printf("Locks held: %d\n", health.Pressure.LocksHeld)
		fmt.Printf("Dependency waits: %d\n", health.Pressure.DependencyWaits)
	}
	if len(health.Tasks) > 0 {
		phases := make([]string, 0, len(health.Tasks))
		for p := range health.Tasks {
			phases = append(phases, p)
		}
		sort.Strings(phases)
		fmt.Println("Tasks:")
		for _, p := range phases {
			fmt.Printf("  %-24s %d\n", p, health.Tasks[p])
		}
	}
	fmt.Println("Queues:")
	for _, q := range queues {
		fmt.Printf("  %-24s %d\n", q.Queue, q.Depth)
	}
	return 0
}

func runSystemLock(args []string) int {
	key, rest := splitID(args)
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	remote := addRemoteFlags(fs)
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if key == "" {
		fmt.Fprintln(os.Stderr, "Usage: dispatchd system lock <key> [--json]")
		return 1
	}
	c, err := remote.dial()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	view, err := c.Lock(ctx, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock lookup failed: %v\n", err)
		return 1
	}
	if *jsonOut {
		return printJSON(view)
	}
	if view.Holder == "" {
		fmt.Printf("Lock %s is free\n", view.Key)
		return 0
	}
	fmt.Printf("Lock: %s\n", view.Key)
	fmt.Printf("Holder: %s\n", view.Holder)
	for i, w := range view.Waiters {
		fmt.Printf("  %d. %s\n", i+1, w)
	}
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	remote := addRemoteFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	c, err := remote.dial()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := tea.NewProgram(tui.NewMonitor(ctx, c))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}
