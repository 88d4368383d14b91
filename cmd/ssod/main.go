package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sevlyar/go-daemon"
	"golang.org/x/term"

	"github.com/roelfdiedericks/ssod/internal/acl"
	"github.com/roelfdiedericks/ssod/internal/authservice"
	"github.com/roelfdiedericks/ssod/internal/config"
	"github.com/roelfdiedericks/ssod/internal/credentials"
	"github.com/roelfdiedericks/ssod/internal/eventloop"
	"github.com/roelfdiedericks/ssod/internal/ipcserver"
	. "github.com/roelfdiedericks/ssod/internal/logging"
	"github.com/roelfdiedericks/ssod/internal/paths"
	"github.com/roelfdiedericks/ssod/internal/pluginconfig"
	"github.com/roelfdiedericks/ssod/internal/pluginhost"
	"github.com/roelfdiedericks/ssod/internal/supervisor"
)

// version is set by goreleaser via ldflags: -X main.version=...
var version = "dev"

// RuntimePaths holds derived paths for daemon operation.
type RuntimePaths struct {
	DataDir string
	PidFile string
	LogFile string
}

// loadRuntimePaths loads config and derives runtime paths from Storage/Path.
func loadRuntimePaths() (*RuntimePaths, error) {
	loadResult, err := config.Load()
	if err != nil {
		return nil, err
	}

	dataDir := loadResult.Config.Storage.Path
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return &RuntimePaths{
		DataDir: dataDir,
		PidFile: filepath.Join(dataDir, "ssod.pid"),
		LogFile: filepath.Join(dataDir, "ssod.log"),
	}, nil
}

// CLI defines the command-line interface.
type CLI struct {
	Debug  bool   `help:"Enable debug logging" short:"d"`
	Trace  bool   `help:"Enable trace logging" short:"t"`
	Config string `help:"Config file path (not passed to the loader, which reads ./ssod.json or ~/.config/ssod/ssod.json)" short:"c" type:"path"`

	Serve   ServeCmd   `cmd:"" help:"Run the daemon (foreground)"`
	Start   StartCmd   `cmd:"" help:"Start daemon as a supervised background process"`
	Stop    StopCmd    `cmd:"" help:"Stop the background daemon"`
	Status  StatusCmd  `cmd:"" help:"Show daemon status"`
	Version VersionCmd `cmd:"" help:"Show version"`
}

// Context is passed to all commands.
type Context struct {
	Debug  bool
	Trace  bool
	Config string
}

// ServeCmd runs the daemon in the foreground.
type ServeCmd struct{}

func (s *ServeCmd) Run(ctx *Context) error {
	return runServe(ctx)
}

func runServe(ctx *Context) error {
	L_info("starting ssod", "version", version)

	loadResult, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := loadResult.Config
	L_info("config loaded", "path", loadResult.SourcePath, "created", loadResult.Created)

	if err := paths.EnsureDir(cfg.Storage.Path); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	securePath := filepath.Join(cfg.Storage.Path, cfg.Storage.SecureDir)
	if err := paths.EnsureSecureDir(securePath); err != nil {
		return fmt.Errorf("create secure dir: %w", err)
	}
	if err := paths.EnsureDir(cfg.General.PluginsDir); err != nil {
		return fmt.Errorf("create plugins dir: %w", err)
	}

	loop := eventloop.New(256)
	defer loop.Stop()

	var watcher *config.Watcher
	if loadResult.SourcePath != "" {
		watcher, err = config.WatchFiles(loadResult.SourcePath, cfg.General.PluginsDir,
			func() { L_info("config file changed on disk, restart to pick up changes") },
			func() { L_info("plugins directory changed") },
		)
		if err != nil {
			L_warn("config: failed to start watcher", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	db, err := credentials.Open(
		filepath.Join(cfg.Storage.Path, "metadata.db"),
		filepath.Join(securePath, "secret.db"),
		cfg.Db.MaxDataStorage,
	)
	if err != nil {
		return fmt.Errorf("open credentials database: %w", err)
	}
	defer db.Close()

	keychain := acl.SecurityContext{SystemCtx: cfg.General.Keychain.SystemContext, AppCtx: cfg.General.Keychain.AppID}
	manager, err := acl.Build(cfg.General.Extension, keychain)
	if err != nil {
		return fmt.Errorf("build access control manager: %w", err)
	}

	host := pluginhost.New(loop)
	manifests, err := pluginconfig.LoadDir(cfg.General.PluginsDir)
	if err != nil {
		L_warn("pluginconfig: could not scan plugins directory", "dir", cfg.General.PluginsDir, "err", err)
	}
	pluginIdleTimeout := time.Duration(cfg.Plugin.TimeoutSeconds) * time.Second
	for _, m := range manifests {
		host.RegisterMethod(m.Method, methodSpecFromManifest(m, cfg.Plugin.Sandbox, pluginIdleTimeout))
		L_info("pluginhost: registered method", "method", m.Method, "binary", m.Binary, "mechanisms", m.Mechanisms)
	}
	stopSweep := host.StartSweep(time.Minute)
	defer stopSweep()
	defer host.Shutdown()

	svc := authservice.New(db, manager,
		host,
		loop,
		time.Duration(cfg.Identity.TimeoutSeconds)*time.Second,
		time.Duration(cfg.AuthSession.TimeoutSeconds)*time.Second,
	)
	ipc := ipcserver.New(svc.Handler(), nil)

	sockPath := filepath.Join(cfg.Storage.Path, "ssod.sock")
	os.Remove(sockPath)
	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", sockPath, err)
	}
	if err := os.Chmod(sockPath, 0600); err != nil {
		L_warn("could not restrict socket permissions", "path", sockPath, "err", err)
	}

	httpServer := &http.Server{Handler: http.HandlerFunc(ipc.ServeHTTP)}
	go func() {
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			L_error("ipcserver: serve failed", "err", err)
		}
	}()
	defer httpServer.Close()

	L_info("ssod ready", "storagePath", cfg.Storage.Path, "pluginsDir", cfg.General.PluginsDir, "socket", sockPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	L_info("ssod: shutting down")
	return nil
}

// methodSpecFromManifest derives a pluginhost.MethodSpec from a loaded
// plugin manifest, falling back to the daemon's default sandbox policy
// and idle timeout where the manifest leaves them unset.
func methodSpecFromManifest(m pluginconfig.Manifest, defaultSandbox bool, defaultIdleTimeout time.Duration) pluginhost.MethodSpec {
	sandbox := defaultSandbox
	if m.Sandbox != nil {
		sandbox = *m.Sandbox
	}
	idleTimeout := defaultIdleTimeout
	if m.Timeout > 0 {
		idleTimeout = time.Duration(m.Timeout) * time.Second
	}
	return pluginhost.MethodSpec{
		Mechanisms: m.Mechanisms,
		Spawn: pluginhost.WorkerConfig{
			Method:     m.Method,
			Binary:     m.Binary,
			Args:       m.Args,
			Sandbox:    sandbox,
			SandboxNet: m.SandboxNet,
		},
		IdleTimeout: idleTimeout,
	}
}

// StartCmd daemonizes ssod with supervision.
type StartCmd struct{}

func (s *StartCmd) Run(ctx *Context) error {
	rp, err := loadRuntimePaths()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}

	if isRunningAt(rp.PidFile) {
		L_error("ssod already running")
		return fmt.Errorf("already running")
	}

	cntxt := &daemon.Context{
		PidFileName: rp.PidFile,
		PidFilePerm: 0644,
		LogFileName: rp.LogFile,
		LogFilePerm: 0640,
		WorkDir:     "./",
		Umask:       027,
	}

	d, err := cntxt.Reborn()
	if err != nil {
		L_fatal("daemonize failed", "error", err)
	}
	if d != nil {
		L_info("ssod started", "pid", d.Pid, "dataDir", rp.DataDir)
		return nil
	}
	defer cntxt.Release() //nolint:errcheck // daemon cleanup

	L_info("supervisor: started", "pid", os.Getpid(), "dataDir", rp.DataDir)

	sup := supervisor.New(rp.DataDir)
	return sup.Run()
}

// StopCmd stops the background daemon.
type StopCmd struct{}

func (s *StopCmd) Run(ctx *Context) error {
	rp, err := loadRuntimePaths()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}

	pid, running := getPidFromFile(rp.PidFile)
	if !running {
		L_info("ssod not running")
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("process not found: %w", err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop: %w", err)
	}

	L_info("ssod stopped", "pid", pid)
	os.Remove(rp.PidFile)
	return nil
}

// StatusCmd shows daemon status.
type StatusCmd struct{}

func (s *StatusCmd) Run(ctx *Context) error {
	rp, err := loadRuntimePaths()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}

	pid, running := getPidFromFile(rp.PidFile)
	if !running {
		L_info("ssod not running")
		return nil
	}

	state, err := supervisor.LoadState(rp.DataDir)
	if err != nil {
		L_info("ssod running", "pid", pid)
		return nil
	}

	uptime := time.Since(state.StartedAt).Round(time.Second)

	fmt.Println("ssod:     running")
	if state.ServePID > 0 {
		fmt.Printf("PID:      %d (supervisor), %d (serve)\n", state.PID, state.ServePID)
	} else {
		fmt.Printf("PID:      %d (supervisor)\n", state.PID)
	}
	fmt.Printf("Uptime:   %s\n", formatDuration(uptime))

	if state.CrashCount > 0 {
		lastCrash := "unknown"
		if state.LastCrashAt != nil {
			lastCrash = formatTimeAgo(*state.LastCrashAt)
		}
		fmt.Printf("Crashes:  %d this session (last: %s)\n", state.CrashCount, lastCrash)
	} else {
		fmt.Println("Crashes:  0 this session")
	}

	return nil
}

// VersionCmd shows version info.
type VersionCmd struct{}

func (v *VersionCmd) Run(ctx *Context) error {
	fmt.Printf("ssod %s\n", version)
	return nil
}

// formatDuration formats a duration in human-readable form.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	if hours >= 24 {
		days := hours / 24
		hours = hours % 24
		return fmt.Sprintf("%dd%dh%dm", days, hours, mins)
	}
	return fmt.Sprintf("%dh%dm", hours, mins)
}

// formatTimeAgo formats a time as "X ago".
func formatTimeAgo(t time.Time) string {
	d := time.Since(t)
	if d < time.Minute {
		return "just now"
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}

// getPidFromFile returns the pid and whether the process is running.
func getPidFromFile(pidFile string) (int, bool) {
	pidBytes, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		return 0, false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}

	if err := process.Signal(syscall.Signal(0)); err != nil {
		os.Remove(pidFile)
		return pid, false
	}

	return pid, true
}

// isRunningAt checks if ssod is already running using the given pid file.
func isRunningAt(pidFile string) bool {
	_, running := getPidFromFile(pidFile)
	return running
}

// readPassword reads a password from stdin without echoing it. No command
// in this file calls it.
func readPassword() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		return term.ReadPassword(fd)
	}
	var password string
	if _, err := fmt.Scanln(&password); err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return []byte(password), nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("ssod"),
		kong.Description("Single sign-on credential and plugin-auth daemon"),
		kong.UsageOnError(),
	)

	level := LevelInfo
	if cli.Trace {
		level = LevelTrace
	} else if cli.Debug {
		level = LevelDebug
	}

	Init(&Config{
		Level:      level,
		ShowCaller: true,
	})

	err := ctx.Run(&Context{
		Debug:  cli.Debug,
		Trace:  cli.Trace,
		Config: cli.Config,
	})
	if err != nil {
		errMsg := err.Error()
		if strings.Contains(errMsg, "already running") {
			fmt.Fprintln(os.Stderr, errMsg)
			os.Exit(1)
		}
		L_fatal("command failed", "error", err)
	}
}
