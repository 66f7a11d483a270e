package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/dispatchd/internal/api"
	"github.com/mattjoyce/dispatchd/internal/callback"
	"github.com/mattjoyce/dispatchd/internal/client"
	"github.com/mattjoyce/dispatchd/internal/config"
	"github.com/mattjoyce/dispatchd/internal/dispatch"
	"github.com/mattjoyce/dispatchd/internal/log"
	"github.com/mattjoyce/dispatchd/internal/retry"
	"github.com/mattjoyce/dispatchd/internal/state"
	"github.com/mattjoyce/dispatchd/internal/worker"
)

const requestTimeout = 30 * time.Second

func runTaskSubmit(args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	remote := addRemoteFlags(fs)
	var req api.SubmitTaskRequest
	fs.StringVar(&req.ID, "id", "", "Explicit task id (resubmission returns the existing task)")
	fs.StringVar(&req.Owner, "owner", os.Getenv("USER"), "Requesting owner")
	fs.StringVar(&req.Tenant, "tenant", "", "Tenant")
	fs.StringVar(&req.Kind, "kind", "", "Task kind")
	fs.StringVar(&req.Scope, "scope", "", "Task scope")
	fs.StringVar(&req.Command, "command", "", "Shell command to run (required)")
	fs.StringVar(&req.Node, "node", "", "Target node")
	fs.StringVar(&req.Class, "class", "", "Queue class: mgmt, fast, slow, image, backup")
	fs.StringVar(&req.LockKey, "lock-key", "", "Exclusive lock key")
	fs.StringVar(&req.LockPolicy, "lock-policy", "", "On conflict: reject, queue or join")
	fs.StringVar(&req.BlockOn, "block-on", "", "Task id that must finish first")
	fs.StringVar(&req.CacheKey, "cache-key", "", "Result cache key")
	fs.StringVar(&req.CacheTTL, "cache-ttl", "", "Result cache lifetime, e.g. 5m")
	fs.StringVar(&req.Deadline, "deadline", "", "Time to wait for a worker, e.g. 10m or an RFC 3339 time")
	fs.StringVar(&req.LeaseTTL, "lease-ttl", "", "Worker lease length")
	stdinFile := fs.String("stdin-file", "", "File fed to the command's stdin ('-' for this stdin)")
	callbackName := fs.String("callback", "", "Completion callback name")
	callbackArgs := fs.String("callback-args", "", "Callback kwargs as a JSON object")
	output := fs.String("output", "", "Output mapping as a JSON object")
	wait := fs.Bool("wait", false, "Poll until the task finishes")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if req.Command == "" {
		fmt.Fprintln(os.Stderr, "Usage: dispatchd task submit --command <cmd> [flags]")
		return 1
	}

	if *stdinFile != "" {
		data, err := readInput(*stdinFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read stdin file: %v\n", err)
			return 1
		}
		req.Stdin = data
	}
	if *callbackName != "" {
		req.Callback = &callback.Spec{Name: *callbackName}
		if *callbackArgs != "" {
			if err := json.Unmarshal([]byte(*callbackArgs), &req.Callback.Kwargs); err != nil {
				fmt.Fprintf(os.Stderr, "Invalid --callback-args: %v\n", err)
				return 1
			}
		}
	}
	if *output != "" {
		if !json.Valid([]byte(*output)) {
			fmt.Fprintln(os.Stderr, "Invalid --output: not JSON")
			return 1
		}
		req.Output = json.RawMessage(*output)
	}

	c, err := remote.dial()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	receipt, err := c.Submit(ctx, req)
	if err != nil {
		return reportError("Submit failed", err)
	}

	if !*wait {
		if *jsonOut {
			return printJSON(receipt)
		}
		fmt.Println(receipt.ID)
		switch {
		case receipt.Joined:
			fmt.Fprintln(os.Stderr, "Joined the running holder of the lock.")
		case receipt.Cached:
			fmt.Fprintln(os.Stderr, "Answered from the result cache.")
		case receipt.Existing:
			fmt.Fprintln(os.Stderr, "Task id already known.")
		}
		return 0
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	view, err := waitForTask(sigCtx, c, receipt.ID, time.Second)
	if err != nil {
		return reportError("Wait failed", err)
	}
	return printStatus(view, *jsonOut)
}

func waitForTask(ctx context.Context, c *client.Client, id string, every time.Duration) (dispatch.StatusView, error) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		view, err := c.Status(ctx, id)
		if err != nil && !retry.IsRetryable(err) {
			return view, err
		}
		if err == nil && view.Status.Done() {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-t.C:
		}
	}
}

func runTaskStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	remote := addRemoteFlags(fs)
	jsonOut := fs.Bool("json", false, "Output as JSON")
	id, rest := splitID(args)
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "Usage: dispatchd task status <id> [--json]")
		return 1
	}
	c, err := remote.dial()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	view, err := c.Status(ctx, id)
	if err != nil {
		return reportError("Status failed", err)
	}
	return printStatus(view, *jsonOut)
}

func runTaskCancel(args []string) int {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	remote := addRemoteFlags(fs)
	reason := fs.String("reason", "", "Recorded cancel reason")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	id, rest := splitID(args)
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "Usage: dispatchd task cancel <id> [--reason text]")
		return 1
	}
	c, err := remote.dial()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	view, err := c.Cancel(ctx, id, *reason)
	if err != nil {
		return reportError("Cancel failed", err)
	}
	return printStatus(view, *jsonOut)
}

func runWorker(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	apiURL := fs.String("api-url", "", "Dispatcher API URL (overrides worker.api_url)")
	apiKey := fs.String("api-key", os.Getenv("DISPATCHD_WORKER_KEY"), "Worker token (overrides worker.api_key)")
	name := fs.String("name", "", "Worker name (overrides worker.name)")
	queues := fs.String("queues", "", "Comma-separated queues (overrides worker.queues)")
	concurrency := fs.Int("concurrency", 0, "Parallel commands (overrides worker.concurrency)")
	logLevel := fs.String("log-level", "", "Log level (overrides service.log_level)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	wc := config.Defaults().Worker
	level := "info"
	if cfg, _, err := loadConfig(*configPath); err == nil {
		wc = cfg.Worker
		level = cfg.Service.LogLevel
	} else if *configPath != "" {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *apiURL != "" {
		wc.APIURL = *apiURL
	}
	if *apiKey != "" {
		wc.APIKey = *apiKey
	}
	if *name != "" {
		wc.Name = *name
	}
	if wc.Name == "" {
		wc.Name, _ = os.Hostname()
	}
	if *queues != "" {
		wc.Queues = splitList(*queues)
	}
	if *concurrency > 0 {
		wc.Concurrency = *concurrency
	}
	if *logLevel != "" {
		level = *logLevel
	}
	if err := config.ValidateWorker(wc); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid worker settings: %v\n", err)
		return 1
	}
	if wc.APIKey == "" {
		fmt.Fprintln(os.Stderr, "Error: worker token required. Use --api-key, DISPATCHD_WORKER_KEY or worker.api_key.")
		return 1
	}

	log.SetupWriter(level, os.Stderr)
	logger := log.WithComponent("worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := worker.New(client.New(wc.APIURL, wc.APIKey), workerOptions(wc), logger)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker failed", "error", err)
		return 1
	}
	logger.Info("worker stopped")
	return 0
}

func printStatus(view dispatch.StatusView, jsonOut bool) int {
	if jsonOut {
		return printJSON(view)
	}
	fmt.Printf("ID: %s\n", view.ID)
	fmt.Printf("Status: %s\n", view.Status)
	if view.Queue != "" {
		fmt.Printf("Queue: %s\n", view.Queue)
	}
	if view.LockKey != "" {
		fmt.Printf("Lock: %s\n", view.LockKey)
	}
	if view.BlockOn != "" {
		fmt.Printf("Blocked on: %s\n", view.BlockOn)
	}
	if view.Worker != "" {
		fmt.Printf("Worker: %s\n", view.Worker)
	}
	if view.Reason != "" {
		fmt.Printf("Reason: %s\n", view.Reason)
	}
	fmt.Printf("Created: %s\n", view.CreatedAt.Local().Format(time.RFC3339))
	if view.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", view.CompletedAt.Local().Format(time.RFC3339))
	}
	if len(view.Result) > 0 {
		fmt.Printf("Result: %s\n", string(view.Result))
	}
	if view.Status == state.StatusFailure || view.Status == state.StatusExpired {
		return 2
	}
	return 0
}

// reportError prints err with its dispatcher code and holder, if any.
func reportError(prefix string, err error) int {
	msg := fmt.Sprintf("%s: %v", prefix, err)
	if holder := retry.HolderOf(err); holder != "" {
		msg += fmt.Sprintf(" (held by %s)", holder)
	}
	fmt.Fprintln(os.Stderr, msg)
	return 1
}

// splitID pulls a leading positional id off args so flags may follow it.
func splitID(args []string) (string, []string) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return args[0], args[1:]
	}
	return "", args
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
