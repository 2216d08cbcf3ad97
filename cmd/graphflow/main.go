package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mkondo/graphflow/internal/daemon"
	"github.com/mkondo/graphflow/internal/events"
	"github.com/mkondo/graphflow/internal/model"
	"github.com/mkondo/graphflow/internal/uds"
	yamlutil "github.com/mkondo/graphflow/internal/yaml"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "daemon":
		runDaemon(os.Args[2:])
	case "init":
		runInit(os.Args[2:])
	case "goal":
		runGoal(os.Args[2:])
	case "events":
		runEvents(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "metrics":
		runMetrics(os.Args[2:])
	case "shutdown":
		runShutdown(os.Args[2:])
	case "version":
		fmt.Printf("graphflow %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runDaemon(_ []string) {
	dataDir := findDataDir()
	if dataDir == "" {
		fmt.Fprintln(os.Stderr, "error: .graphflow/ directory not found. Run 'graphflow init <dir>' first.")
		os.Exit(1)
	}

	cfg, err := loadConfig(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(dataDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}

	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runInit(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: graphflow init <project_dir>")
		os.Exit(1)
	}

	dataDir := filepath.Join(args[0], ".graphflow")
	for _, sub := range []string{"", "intake", "journal", "events", "logs", "locks", "rejected"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0755); err != nil {
			fmt.Fprintf(os.Stderr, "init: %v\n", err)
			os.Exit(1)
		}
	}

	configPath := filepath.Join(dataDir, "config.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := yamlutil.AtomicWrite(configPath, []byte(defaultConfig)); err != nil {
			fmt.Fprintf(os.Stderr, "init: write config: %v\n", err)
			os.Exit(1)
		}
	}

	absDir, _ := filepath.Abs(args[0])
	fmt.Printf("Initialized .graphflow/ in %s\n", absDir)
}

func runGoal(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: graphflow goal <submit> [options]")
		os.Exit(1)
	}
	switch args[0] {
	case "submit":
		runGoalSubmit(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown goal subcommand: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "usage: graphflow goal submit --intent <text> --thread <id> [options]")
		os.Exit(1)
	}
}

func runGoalSubmit(args []string) {
	var intent, threadID, graphID, name string
	loop := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--intent":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--intent requires a value")
				os.Exit(1)
			}
			i++
			intent = args[i]
		case "--thread":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--thread requires a value")
				os.Exit(1)
			}
			i++
			threadID = args[i]
		case "--graph":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--graph requires a value")
				os.Exit(1)
			}
			i++
			graphID = args[i]
		case "--name":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--name requires a value")
				os.Exit(1)
			}
			i++
			name = args[i]
		case "--loop":
			loop = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			fmt.Fprintln(os.Stderr, "usage: graphflow goal submit --intent <text> --thread <id> [--graph <id>] [--name <text>] [--loop]")
			os.Exit(1)
		}
	}

	if intent == "" || threadID == "" {
		fmt.Fprintln(os.Stderr, "usage: graphflow goal submit --intent <text> --thread <id> [--graph <id>] [--name <text>] [--loop]")
		os.Exit(1)
	}

	goal := model.Goal{
		Name:     name,
		Intent:   intent,
		ThreadID: threadID,
		GraphID:  graphID,
	}
	if loop {
		goal.Metadata = model.GoalMeta{Iteration: 1, ContinuationLoop: true}
	}

	result, err := newClient().SubmitGoal(goal)
	exitOn("goal submit", err)
	fmt.Printf("goal %s queued (item %s)\n", result.GoalID, result.ItemID)
}

func runEvents(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: graphflow events <tail|verify>")
		os.Exit(1)
	}

	dataDir := findDataDir()
	if dataDir == "" {
		fmt.Fprintln(os.Stderr, "error: .graphflow/ directory not found. Run 'graphflow init <dir>' first.")
		os.Exit(1)
	}
	logPath := filepath.Join(dataDir, "events", "events.jsonl")

	switch args[0] {
	case "tail":
		records, err := events.ReadAll(logPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "events: %v\n", err)
			os.Exit(1)
		}
		n := 20
		if len(records) < n {
			n = len(records)
		}
		for _, rec := range records[len(records)-n:] {
			out, _ := json.Marshal(rec)
			fmt.Println(string(out))
		}
	case "verify":
		total, valid, err := events.VerifyIntegrity(logPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "events verify: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%d record(s), %d checksum failure(s)\n", total, total-valid)
		if valid < total {
			os.Exit(2)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown events subcommand: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "usage: graphflow events <tail|verify>")
		os.Exit(1)
	}
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: graphflow status [--json]\n", a)
			os.Exit(1)
		}
	}

	status, err := newClient().Status()
	exitOn("status", err)
	if jsonOutput {
		printJSON(status)
		return
	}

	fmt.Printf("daemon:   running (pid %d, up %ds)\n", status.PID, status.UptimeSecs)
	if status.Project != "" {
		fmt.Printf("project:  %s\n", status.Project)
	}
	fmt.Printf("applied:  %d commit(s)\n", status.AppliedCount)
	for _, ev := range status.RecentEvents {
		line := fmt.Sprintf("recent:   %s %s", ev.Timestamp.Format(time.RFC3339), ev.Type)
		if ev.GraphID != "" {
			line += " graph=" + ev.GraphID
		}
		if ev.Reason != "" {
			line += " reason=" + ev.Reason
		}
		fmt.Println(line)
	}
}

func runMetrics(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: graphflow metrics [--json]\n", a)
			os.Exit(1)
		}
	}

	metrics, err := newClient().Metrics()
	exitOn("metrics", err)
	if jsonOutput {
		printJSON(metrics)
		return
	}

	for _, q := range metrics.Queues {
		fmt.Printf("%-8s depth=%d inflight=%d enqueued=%d leased=%d acked=%d nacked=%d\n",
			q.Queue, q.Depth, q.Inflight, q.Enqueued, q.Leased, q.Acked, q.Nacked)
	}
}

func runShutdown(_ []string) {
	exitOn("shutdown", newClient().Shutdown())
	fmt.Println("shutdown_accepted")
}

// newClient dials the daemon socket of the enclosing project.
func newClient() *uds.Client {
	dataDir := findDataDir()
	if dataDir == "" {
		fmt.Fprintln(os.Stderr, "error: .graphflow/ directory not found. Run 'graphflow init <dir>' first.")
		os.Exit(1)
	}
	return uds.NewClient(filepath.Join(dataDir, uds.DefaultSocketName))
}

func exitOn(command string, err error) {
	if err == nil {
		return
	}
	var ce *uds.CommandError
	if errors.As(err, &ce) {
		fmt.Fprintf(os.Stderr, "%s failed [%s]: %s\n", command, ce.Code, ce.Message)
	} else {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
	}
	os.Exit(1)
}

func printJSON(v any) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

// findDataDir searches for .graphflow/ in the current directory and ancestors.
func findDataDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".graphflow")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func loadConfig(dataDir string) (model.Config, error) {
	path := filepath.Join(dataDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	cfg, err := parseConfig(data)
	if err == nil {
		return cfg, nil
	}

	// A half-written config may be recoverable from the .bak its last
	// atomic write left behind.
	if restoreErr := yamlutil.RestoreFromBackup(path); restoreErr != nil {
		return model.Config{}, err
	}
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		return model.Config{}, fmt.Errorf("read restored config.yaml: %w", readErr)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (model.Config, error) {
	if err := yamlutil.ValidateSchemaHeaderFromBytes(data, yamlutil.FileTypeConfig); err != nil {
		return model.Config{}, fmt.Errorf("config.yaml header: %w", err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	return cfg, nil
}

const defaultConfig = `schema_version: 1
file_type: config

project:
  name: ""
  description: ""

daemon:
  tick_interval_ms: 100
  shutdown_timeout_sec: 30

queue:
  coalesce_window_ms: 500
  batch_max: 64

executor:
  similarity_threshold: 0.8

continuation:
  max_iterations: 5

bridge:
  apply_url: "http://127.0.0.1:8920"
  planner_url: "http://127.0.0.1:8921"
  timeout_sec: 10

events:
  max_log_size: 10485760
  checksum: false

logging:
  level: info
`

func printUsage() {
	fmt.Fprintf(os.Stderr, `graphflow %s — durable goal execution pipeline for graph documents

Usage: graphflow <command> [options]

Project:
  init <dir>        Initialize .graphflow/ directory
  daemon            Run daemon process
  status [--json]   Show daemon status
  metrics [--json]  Show queue metrics
  events <tail|verify>  Inspect the event log
  shutdown          Graceful daemon shutdown

Goals:
  goal submit --intent <text> --thread <id> [--graph <id>] [--name <text>] [--loop]
                    Submit a goal to the pipeline

Utilities:
  version           Show version
  help              Show this help

Goals can also be submitted by dropping goal YAML files into
.graphflow/intake/.

`, version)
}
