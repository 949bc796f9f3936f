// Command dispatchd runs the ticket-dispatch daemon: it polls (or is pushed,
// via webhook) actionable tickets, routes them to a typed worker pool, and
// drives an external agent runtime session per ticket inside an isolated git
// worktree. See cmd/main.go in the example pack this was grounded on for the
// CLI/lifecycle idiom this mirrors.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/fsnotify/fsnotify"
	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"

	"dispatchd/core"
	"dispatchd/core/log"
	"dispatchd/internal/agentruntime"
	"dispatchd/internal/config"
	"dispatchd/internal/controlplane"
	"dispatchd/internal/dispatcher"
	"dispatchd/internal/pool"
	"dispatchd/internal/tracker"
	"dispatchd/internal/worktree"
	"dispatchd/utils"
)

// Options is the CLI surface, parsed with jessevdk/go-flags exactly as the
// teacher's cmd.Options does.
type Options struct {
	ProjectDir   string `long:"project-dir" description:"Project directory to dispatch tickets against" default:"."`
	Config       string `long:"config" description:"Path to the daemon JSON config file; defaults are used if omitted"`
	ControlPort  int    `long:"control-port" description:"Port for the control-plane HTTP server (0 uses the config/default value)"`
	PollInterval int    `long:"poll-interval" description:"Polling interval in seconds (0 uses the config/default value)"`
	Status       bool   `long:"status" description:"Query a running daemon's control plane and print a worker/pool status table, instead of starting a daemon"`
	Version      bool   `long:"version" short:"v" description:"Show version information"`
}

func main() {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if opts.Version {
		fmt.Printf("dispatchd %s\n", core.GetVersion())
		os.Exit(0)
	}

	log.SetLevel(slog.LevelInfo)

	projectDir, err := filepath.Abs(opts.ProjectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving project directory: %v\n", err)
		os.Exit(1)
	}

	if opts.Status {
		port := opts.ControlPort
		if port == 0 {
			port = config.Default().ControlPort
		}
		if err := printStatus(port); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	os.Exit(run(projectDir, opts))
}

// run contains the full daemon lifecycle and returns the process exit code,
// keeping main itself a thin flag-parsing shell.
func run(projectDir string, opts Options) int {
	log.Info("🚀 dispatchd starting - version %s", core.GetVersion())
	log.Info("📁 project directory: %s", projectDir)

	dirLock, err := utils.NewDirLock(projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating directory lock: %v\n", err)
		return 1
	}
	if err := dirLock.TryLock(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() {
		if unlockErr := dirLock.Unlock(); unlockErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to release directory lock: %v\n", unlockErr)
		}
	}()

	logPath, err := setupLogging(projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		return 1
	}
	log.Info("📝 logging to: %s", logPath)

	loadDotEnv(projectDir, opts.Config)

	if err := ensureProjectInitialized(projectDir); err != nil {
		log.Error("project initialization failed: %v", err)
		return 1
	}

	cfg, err := loadConfig(opts.Config)
	if err != nil {
		log.Error("failed to load config: %v", err)
		return 1
	}
	if opts.ControlPort != 0 {
		cfg.ControlPort = opts.ControlPort
	}
	if opts.PollInterval != 0 {
		cfg.PollInterval = opts.PollInterval
	}

	pools := pool.NewManager(time.Duration(cfg.LeaseTTL) * time.Second)
	pools.InitializePools(cfg.PoolConfigs())

	worktrees := worktree.NewManager(projectDir)

	d := dispatcher.New(
		projectDir,
		pools,
		worktrees,
		tracker.Unavailable{},
		agentruntime.Unavailable{},
		cfg.Rules(),
		totalMaxWorkers(cfg),
	)
	d.UpdateSettings(dispatcher.Settings{
		PollInterval:         time.Duration(cfg.PollInterval) * time.Second,
		SyntheticPollEnabled: cfg.SyntheticPollEnabledOrDefault(),
	})

	cp := controlplane.New(pools, d.Queue())
	cp.SetLockInfo(dirLock.HolderInfo())
	if err := cp.Start(cfg.ControlPort); err != nil {
		log.Error("control plane failed to start: %v", err)
	}

	reload := newReloader(&cfg, opts.Config, pools, d)
	stopWatch := watchConfigFile(opts.Config, reload)
	defer stopWatch()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	runDone := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(runDone)
	}()

	interrupted := false
signalLoop:
	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			reload()
		default:
			log.Info("🔌 received %s, shutting down", sig)
			interrupted = true
			break signalLoop
		}
	}

	_ = cp.Stop()
	d.Shutdown()
	cancel()
	<-runDone

	if removed, err := worktrees.CleanupStaleWorktrees(context.Background()); err != nil {
		log.Warn("stale worktree cleanup failed: %v", err)
	} else if removed > 0 {
		log.Info("🧹 removed %d stale worktree(s)", removed)
	}

	stats := d.Stats()
	log.Info("📊 final counters: tickets_processed=%d polls=%d uptime=%s",
		stats.TotalTicketsProcessed, stats.PollCount, stats.Uptime.Round(time.Second))

	if interrupted {
		return 130
	}
	return 0
}

func totalMaxWorkers(cfg config.Daemon) int {
	total := 0
	for _, pc := range cfg.Pools {
		total += pc.MaxWorkers
	}
	if total < 1 {
		total = 1
	}
	return total
}

func loadConfig(path string) (config.Daemon, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.FromFile(path)
}

func loadDotEnv(projectDir, configPath string) {
	candidates := []string{filepath.Join(projectDir, ".env")}
	if configPath != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(configPath), ".env"))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			log.Warn("failed to load %s: %v", p, err)
			continue
		}
		log.Info("loaded environment from %s", p)
	}
}

// ensureProjectInitialized verifies the project directory is usable and
// creates the daemon's on-disk state directory, standing in for the
// out-of-scope project-initialization routine spec.md defers to an external
// setup step.
func ensureProjectInitialized(projectDir string) error {
	info, err := os.Stat(projectDir)
	if err != nil {
		return fmt.Errorf("project directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("project directory %s is not a directory", projectDir)
	}
	if err := os.MkdirAll(filepath.Join(projectDir, ".dispatchd"), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	return nil
}

func setupLogging(projectDir string) (string, error) {
	logsDir := filepath.Join(projectDir, ".dispatchd", "logs")
	rw, err := log.NewRotatingWriter(log.RotatingWriterConfig{
		LogDir:      logsDir,
		MaxFileSize: 10 * 1024 * 1024,
		FilePrefix:  "dispatchd",
		Stdout:      os.Stdout,
		MaxFiles:    20,
	})
	if err != nil {
		return "", fmt.Errorf("create rotating writer: %w", err)
	}
	log.SetWriterWithLevel(rw, slog.LevelInfo)
	return rw.GetCurrentLogPath(), nil
}

// newReloader returns the single reload path both SIGHUP and the config-file
// watcher funnel through: re-read the config, resize existing pools, and
// replace the router. Pool manager mutation is already serialized by its own
// mutex; reload itself is additionally serialized so SIGHUP racing a
// simultaneous fsnotify event can't interleave two reloads.
func newReloader(cfg *config.Daemon, configPath string, pools *pool.Manager, d *dispatcher.Dispatcher) func() {
	reloading := make(chan struct{}, 1)
	reloading <- struct{}{}

	return func() {
		select {
		case <-reloading:
		default:
			log.Warn("reload already in progress, skipping")
			return
		}
		defer func() { reloading <- struct{}{} }()

		if configPath == "" {
			log.Info("reload requested but no --config was given, nothing to reload")
			return
		}

		next, err := config.FromFile(configPath)
		if err != nil {
			log.Error("reload: failed to read %s: %v", configPath, err)
			return
		}

		for pt, pc := range next.PoolConfigs() {
			if info, ok := pools.Pool(pt); ok && info.Config.MaxWorkers != pc.MaxWorkers {
				if err := pools.ResizePool(pt, pc.MaxWorkers); err != nil {
					log.Warn("reload: failed to resize pool %s: %v", pt, err)
					continue
				}
				log.Info("reload: resized pool %s to max_workers=%d", pt, pc.MaxWorkers)
			}
		}

		d.ReloadRules(next.Rules())
		d.UpdateSettings(dispatcher.Settings{
			PollInterval:         time.Duration(next.PollInterval) * time.Second,
			SyntheticPollEnabled: next.SyntheticPollEnabledOrDefault(),
		})

		*cfg = next
		log.Info("reload: config reloaded from %s", configPath)
	}
}

// watchConfigFile starts an fsnotify watcher on the config file's directory
// (fsnotify cannot watch a single file reliably across editors that
// write-then-rename) and invokes reload whenever the config path itself is
// written or renamed into place. Returns a no-op stopper if no config path
// was given.
func watchConfigFile(configPath string, reload func()) func() {
	if configPath == "" {
		return func() {}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("config file watcher disabled: %v", err)
		return func() {}
	}

	dir := filepath.Dir(configPath)
	if err := watcher.Add(dir); err != nil {
		log.Warn("config file watcher disabled: %v", err)
		_ = watcher.Close()
		return func() {}
	}

	abs, _ := filepath.Abs(configPath)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				eventAbs, _ := filepath.Abs(event.Name)
				if eventAbs != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					log.Info("config file changed on disk, reloading")
					reload()
				}
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config file watcher error: %v", watchErr)
			}
		}
	}()

	return func() { _ = watcher.Close() }
}

// printStatus implements --status: a read-only snapshot of a running
// daemon's pools and workers, rendered as a colorized table.
func printStatus(controlPort int) error {
	poolsResp, err := getJSON(controlPort, "/pools")
	if err != nil {
		return fmt.Errorf("fetch /pools: %w", err)
	}
	workersResp, err := getJSON(controlPort, "/workers")
	if err != nil {
		return fmt.Errorf("fetch /workers: %w", err)
	}

	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)

	bold.Printf("dispatchd status (127.0.0.1:%d)\n", controlPort)

	if pools, ok := poolsResp["pools"].(map[string]any); ok {
		names := make([]string, 0, len(pools))
		for name := range pools {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			p, _ := pools[name].(map[string]any)
			cyan.Printf("  %-8s", name)
			fmt.Printf(" workers=%v idle=", p["worker_count"])
			green.Printf("%v", p["idle"])
			fmt.Print(" busy=")
			yellow.Printf("%v", p["busy"])
			fmt.Printf(" max=%v model=%v\n", p["max_workers"], p["default_model"])
		}
	}
	fmt.Printf("  active_leases=%v\n", poolsResp["active_leases"])

	if workers, ok := workersResp["workers"].([]any); ok {
		bold.Println("workers:")
		for _, w := range workers {
			wm, _ := w.(map[string]any)
			status := fmt.Sprintf("%v", wm["status"])
			statusColor := green
			if status == "executing" {
				statusColor = yellow
			}
			fmt.Printf("  %-10v pool=%-8v ", wm["worker_id"], wm["pool"])
			statusColor.Printf("%-10s", status)
			fmt.Printf(" completed=%v errors=%v\n", wm["tickets_completed"], wm["consecutive_errors"])
		}
	}

	return nil
}

func getJSON(port int, path string) (map[string]any, error) {
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d%s", port, path))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}
