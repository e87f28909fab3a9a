// Package main is Hydra's entry point: a local multi-tenant server that
// runs parallel instances of an interactive coding agent, each pinned to
// its own git worktree and branch.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/hydra/internal/common/appctx"
	"github.com/kandev/hydra/internal/common/config"
	"github.com/kandev/hydra/internal/common/httpmw"
	"github.com/kandev/hydra/internal/common/logger"
	"github.com/kandev/hydra/internal/common/portutil"
	"github.com/kandev/hydra/internal/registry"
)

// cliArgs holds the parsed flags and positional repository paths.
type cliArgs struct {
	repoPaths []string
	port      int
	headless  bool
	dev       bool
	dir       string
}

func main() {
	os.Exit(run())
}

func run() int {
	args, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}
	if args.port != 0 {
		cfg.Server.Port = args.port
	}
	if args.headless {
		cfg.Server.Headless = true
	}
	if args.dev {
		cfg.Server.Dev = true
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting hydra")

	if !cfg.Server.Dev {
		if _, err := exec.LookPath(cfg.Agent.ExecutableName); err != nil {
			fmt.Fprintf(os.Stderr, "agent executable %q not found on PATH\n", cfg.Agent.ExecutableName)
			return 1
		}
		if staticAssetsDir() == "" {
			fmt.Fprintf(os.Stderr, "web UI build artifact not found next to the executable; build it or pass --dev\n")
			return 1
		}
	}

	repoPaths := args.repoPaths
	if args.dir != "" {
		repoPaths = append(repoPaths, args.dir)
	}
	if len(repoPaths) == 0 {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "resolve working directory: %v\n", err)
			return 1
		}
		repoPaths = []string{cwd}
	}

	for _, p := range repoPaths {
		info, err := os.Stat(p)
		if err != nil || !info.IsDir() {
			fmt.Fprintf(os.Stderr, "%q is not a directory\n", p)
			return 1
		}
	}

	if cfg.History.Path == "" {
		cfg.History.Path = filepath.Join(homeOrCwd(), cfg.Worktree.ProductDirName, "history.db")
	}
	if cfg.History.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.History.Path), 0o755); err != nil {
			log.Warn("create history directory failed, disabling history", zap.Error(err))
			cfg.History.Enabled = false
		}
	}

	reg := registry.New(*cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var servers []*boundServer
	for _, repoPath := range repoPaths {
		entry, port, err := openRepository(reg, cfg, repoPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open %q: %v\n", repoPath, err)
			return 1
		}

		bound, err := startListeners(entry, cfg, log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to bind listeners for %q: %v\n", repoPath, err)
			return 1
		}
		servers = append(servers, bound)

		log.Info("repository opened",
			zap.String("repo_path", repoPath),
			zap.Int("http_port", port),
			zap.Int("ws_port", port+1),
			zap.Int("management_port", port+2))

		if !cfg.Server.Headless {
			url := fmt.Sprintf("http://127.0.0.1:%d", port)
			if err := openBrowser(url); err != nil {
				log.Warn("open browser failed", zap.String("url", url), zap.Error(err))
			}
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	<-quit

	log.Info("shutting down hydra")
	cancel()

	forceQuit := make(chan struct{})
	go func() {
		<-quit // a second signal forces an immediate shutdown
		close(forceQuit)
	}()

	// Detached since ctx is already canceled by the signal handler above;
	// shutdown must still run to completion, bounded by forceQuit or the
	// timeout, whichever comes first.
	shutdownCtx, shutdownCancel := appctx.Detached(ctx, forceQuit, 30*time.Second)
	defer shutdownCancel()

	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func(s *boundServer) {
			defer wg.Done()
			s.shutdown(shutdownCtx, log)
		}(s)
	}
	wg.Wait()

	if err := reg.CloseAll(shutdownCtx); err != nil {
		log.Error("close all repositories error", zap.Error(err))
	}

	log.Info("hydra stopped")
	return 0
}

func homeOrCwd() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home
	}
	cwd, _ := os.Getwd()
	return cwd
}

// openRepository resolves the repository's port triple and registers it
// with the Registry.
func openRepository(reg *registry.Registry, cfg *config.Config, repoPath string) (*registry.Entry, int, error) {
	portFn := func() (int, error) {
		if pinned, ok := portutil.ReadPinnedPort(repoPath); ok && portutil.TripleFree(pinned) {
			return pinned, nil
		}
		if cfg.Server.Port != 0 {
			if !portutil.TripleFree(cfg.Server.Port) {
				return 0, fmt.Errorf("configured port %d is not free", cfg.Server.Port)
			}
			return cfg.Server.Port, nil
		}
		return portutil.FindFreeTriple(3000)
	}

	entry, err := reg.GetOrCreate(repoPath, portFn)
	if err != nil {
		return nil, 0, err
	}
	return entry, entry.Port, nil
}

// boundServer holds the three net/http.Server instances for one repository.
type boundServer struct {
	static     *http.Server
	session    *http.Server
	management *http.Server
}

func (b *boundServer) shutdown(ctx context.Context, log *logger.Logger) {
	for name, srv := range map[string]*http.Server{"static": b.static, "session": b.session, "management": b.management} {
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("server shutdown error", zap.String("server", name), zap.Error(err))
		}
	}
}

func startListeners(entry *registry.Entry, cfg *config.Config, log *logger.Logger) (*boundServer, error) {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	staticRouter := gin.New()
	staticRouter.Use(gin.Recovery(), httpmw.RequestLogger(log, "static"))
	staticRouter.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "repo_hash": entry.RepoHash})
	})
	if webDir := staticAssetsDir(); webDir != "" {
		staticRouter.Static("/assets", filepath.Join(webDir, "assets"))
		staticRouter.StaticFile("/", filepath.Join(webDir, "index.html"))
	}

	sessionRouter := gin.New()
	sessionRouter.Use(gin.Recovery(), httpmw.RequestLogger(log, "session_socket"))
	sessionRouter.GET("/ws", entry.Dispatcher.ServeSessionSocket)

	managementRouter := gin.New()
	managementRouter.Use(gin.Recovery(), httpmw.RequestLogger(log, "management"))
	managementRouter.GET("/ws", entry.Dispatcher.ServeManagementSocket)
	managementRouter.Any("/set-state/:branchName", gin.WrapH(entry.HookServer.Handler()))
	managementRouter.Any("/ch/*path", gin.WrapH(entry.HookServer.Handler()))

	staticSrv := &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", entry.Port),
		Handler:      staticRouter,
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
	}
	sessionSrv := &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", entry.Port+1),
		Handler:      sessionRouter,
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
	}
	managementSrv := &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", entry.Port+2),
		Handler:      managementRouter,
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
	}

	listeners := make([]net.Listener, 3)
	var err error
	listeners[0], err = net.Listen("tcp", staticSrv.Addr)
	if err != nil {
		return nil, fmt.Errorf("bind static listener: %w", err)
	}
	listeners[1], err = net.Listen("tcp", sessionSrv.Addr)
	if err != nil {
		_ = listeners[0].Close()
		return nil, fmt.Errorf("bind session listener: %w", err)
	}
	listeners[2], err = net.Listen("tcp", managementSrv.Addr)
	if err != nil {
		_ = listeners[0].Close()
		_ = listeners[1].Close()
		return nil, fmt.Errorf("bind management listener: %w", err)
	}

	go serveOrLog(staticSrv, listeners[0], log, "static")
	go serveOrLog(sessionSrv, listeners[1], log, "session_socket")
	go serveOrLog(managementSrv, listeners[2], log, "management")

	entry.AddCloser(func() error { return staticSrv.Shutdown(context.Background()) })
	entry.AddCloser(func() error { return sessionSrv.Shutdown(context.Background()) })
	entry.AddCloser(func() error { return managementSrv.Shutdown(context.Background()) })

	return &boundServer{static: staticSrv, session: sessionSrv, management: managementSrv}, nil
}

func serveOrLog(srv *http.Server, ln net.Listener, log *logger.Logger, name string) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server stopped unexpectedly", zap.String("server", name), zap.Error(err))
	}
}

// staticAssetsDir returns the built frontend's directory if one is present
// next to the executable, or empty if none was built. Outside --dev this
// makes run() exit 1 before any listener binds; in --dev mode an empty
// result is tolerated and "/" 404s until the frontend is built.
func staticAssetsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	candidate := filepath.Join(filepath.Dir(exe), "web", "dist")
	if info, err := os.Stat(candidate); err == nil && info.IsDir() {
		return candidate
	}
	return ""
}

func parseArgs(argv []string) (cliArgs, error) {
	fs := flag.NewFlagSet("hydra", flag.ContinueOnError)

	var port int
	fs.IntVar(&port, "port", 0, "explicit HTTP port")
	fs.IntVar(&port, "p", 0, "explicit HTTP port (shorthand)")

	var headless bool
	fs.BoolVar(&headless, "headless", false, "skip browser launch")
	fs.BoolVar(&headless, "hl", false, "skip browser launch (shorthand)")

	var dev bool
	fs.BoolVar(&dev, "dev", false, "development mode (bypass build artifact check)")

	var dir string
	fs.StringVar(&dir, "dir", "", "explicit working directory")
	fs.StringVar(&dir, "d", "", "explicit working directory (shorthand)")

	if err := fs.Parse(argv); err != nil {
		return cliArgs{}, err
	}

	if port != 0 && (port < portutil.MinPort || port > portutil.MaxPort) {
		return cliArgs{}, fmt.Errorf("port must be in [%d, %d]", portutil.MinPort, portutil.MaxPort)
	}

	return cliArgs{
		repoPaths: fs.Args(),
		port:      port,
		headless:  headless,
		dev:       dev,
		dir:       dir,
	}, nil
}
