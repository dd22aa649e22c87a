package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"keepsake.gg/internal/config"
	"keepsake.gg/internal/game"
	"keepsake.gg/internal/persistence/autosave"
	"keepsake.gg/internal/persistence/manager"
	"keepsake.gg/internal/transport/admin"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/keepsake.yaml", "path to keepsake.yaml (empty for defaults)")
		addr       = flag.String("addr", "", "admin http listen address (default: admin.listen from config)")
		dataDir    = flag.String("data", "", "data root (overrides persistence.data_dir)")
		profile    = flag.String("profile", "", "profile to select at startup (default: most recently saved)")
		coins      = flag.String("coins", "coin-1,coin-2,coin-3,coin-42", "comma separated coin ids in the world")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite profile index")
		watchCfg   = flag.Bool("watch_config", true, "reload autosave_interval_seconds when the config file changes")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := applyOverrides(&cfg, *dataDir, *addr, *disableDB); err != nil {
		logger.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("config: %v", err)
	}

	rt, err := openRuntime(cfg, logger)
	if err != nil {
		logger.Fatalf("open runtime: %v", err)
	}
	defer rt.Close()

	world, err := game.NewWorld(splitList(*coins)...)
	if err != nil {
		logger.Fatalf("world: %v", err)
	}

	mcfg := cfg.ManagerConfig()
	mcfg.ProfileID = strings.TrimSpace(*profile)
	mgr, err := manager.New(rt.store, world.Contributors(), mcfg, logger)
	if err != nil {
		logger.Fatalf("manager: %v", err)
	}
	rt.observe(mgr)

	if err := startGame(mgr, world, logger); err != nil {
		logger.Fatalf("start game: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	sched, err := autosave.New(mgr.AutoSaveInterval(), mgr, logger)
	if err != nil {
		logger.Fatalf("autosave: %v", err)
	}
	sched.Skip = func(err error) bool { return errors.Is(err, manager.ErrNoGameData) }
	if *watchCfg && strings.TrimSpace(*configPath) != "" {
		updates, err := config.Watch(ctx, *configPath, logger)
		if err != nil {
			logger.Printf("config watch disabled: %v", err)
		} else {
			go func() {
				for next := range updates {
					reloadAutosave(sched, next, logger)
				}
			}()
		}
	}
	autosaveDone := make(chan struct{})
	go func() {
		defer close(autosaveDone)
		_ = sched.Run(ctx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", rt.metrics.Handler(rt.index))

	enableAdminHTTP := envBool("KS_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("KS_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		adm := admin.NewServer(mgr, rt.profileIndex(), logger)
		mgr.AddObserver(adm)
		adm.Routes(mux)
	} else {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) })
		logger.Printf("admin endpoints disabled (KS_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              cfg.Admin.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("profile=%s autosave=%s listening on %s", mgr.SelectedProfileID(), mgr.AutoSaveInterval(), cfg.Admin.Listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("ListenAndServe: %v", err)
		cancel()
	}

	<-autosaveDone
	finalSave(mgr, mgr.SelectedProfileID(), logger)
}

func finalSave(s autosave.Saver, profile string, logger *log.Logger) {
	err := s.SaveGame()
	switch {
	case errors.Is(err, manager.ErrNoGameData):
		logger.Printf("final save skipped: no game data (profile=%s)", profile)
	case err != nil:
		logger.Printf("final save: %v", err)
	default:
		logger.Printf("final save done (profile=%s)", profile)
	}
}

// startGame loads the selected profile. A missing save starts a new game so
// the server always has a document to autosave.
func startGame(mgr *manager.Manager, world *game.World, logger *log.Logger) error {
	res, err := mgr.LoadGame()
	switch {
	case errors.Is(err, manager.ErrNotFound):
		logger.Printf("no save for profile %s; starting a new game", res.Profile)
		mgr.NewGame()
	case err != nil:
		return err
	case res.Disabled:
		logger.Printf("persistence disabled; starting a new game")
		mgr.NewGame()
	case res.Recovered:
		logger.Printf("WARNING: profile %s recovered from backup", res.Profile)
	}
	world.Plays.Add(1)
	if d := mgr.Current(); d != nil {
		logger.Printf("profile %s: completion %d%%, deaths %d", res.Profile, world.CompletionPercent(d), d.DeathCount)
	}
	return nil
}

// reloadAutosave applies a changed config file to the running scheduler.
// Environment overrides still win. Other settings need a restart.
func reloadAutosave(sched *autosave.Scheduler, next config.Config, logger *log.Logger) {
	if err := next.ApplyEnv(); err != nil {
		logger.Printf("config reload: %v", err)
		return
	}
	if err := sched.SetInterval(next.AutoSaveInterval()); err != nil {
		logger.Printf("config reload: %v", err)
	}
}

func applyOverrides(cfg *config.Config, dataDir, addr string, disableDB bool) error {
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	if v := strings.TrimSpace(dataDir); v != "" {
		cfg.SetDataDir(v)
	}
	if v := strings.TrimSpace(addr); v != "" {
		cfg.Admin.Listen = v
	}
	if disableDB {
		cfg.Index.Enabled = false
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
