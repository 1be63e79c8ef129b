// Command osjudge starts a http server that accepts kernel submissions and
// evaluates them one at a time by running the build tool inside the emulator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/osjudge/osjudge/cmd/osjudge/config"
	"github.com/osjudge/osjudge/cmd/osjudge/restapi"
	"github.com/osjudge/osjudge/cmd/osjudge/version"
	"github.com/osjudge/osjudge/cmd/osjudge/wsstream"
	"github.com/osjudge/osjudge/ingest"
	"github.com/osjudge/osjudge/runner"
	"github.com/osjudge/osjudge/store"
	"github.com/osjudge/osjudge/store/memstore"
	"github.com/osjudge/osjudge/store/sqlstore"
	"github.com/osjudge/osjudge/supervisor"
	"github.com/osjudge/osjudge/taskqueue"
	"github.com/osjudge/osjudge/taskqueue/channel"
	"github.com/osjudge/osjudge/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var logger *zap.Logger

func main() {
	conf := loadConf()
	if conf.Version {
		fmt.Println(version.Version)
		return
	}
	initLogger(conf)
	defer logger.Sync()
	if ce := logger.Check(zap.InfoLevel, "Config loaded"); ce != nil {
		ce.Write(zap.String("config", fmt.Sprintf("%+v", conf)))
	}
	warnIfNotLinux()

	profile := loadProfile(conf)
	st := newStore(conf)
	queue := channel.New()
	if conf.EnableMetrics {
		registerQueueMetrics(queue)
	}

	// Init worker
	workCtx, interrupt := context.WithCancel(context.Background())
	defer interrupt()
	work := newWorker(conf, queue, newRunner(conf, profile, st), st)
	work.Start(workCtx)
	logger.Info("Worker started",
		zap.String("command", profile.Command),
		zap.String("buildDir", profile.BuildDir),
		zap.Duration("timeout", profile.Timeout),
		zap.Duration("pollInterval", conf.PollInterval))

	in := ingest.New(ingest.Config{
		Store:    st,
		Queue:    queue,
		Prefixes: conf.WorkDirPrefix,
		Logger:   logger,
	})

	servers := []initFunc{
		cleanUpWorker(work, interrupt, st),
		initHTTPServer(conf, in, st, queue, profile),
		initMonitorHTTPServer(conf),
	}

	// Gracefully shutdown, with signal / HTTP server / Monitor HTTP server
	sig := make(chan os.Signal, 1+len(servers))

	// worker and store clean up func
	stops := []stopFunc{}
	for _, s := range servers {
		start, stop := s()
		if start != nil {
			go func() {
				start()
				sig <- os.Interrupt
			}()
		}
		if stop != nil {
			stops = append(stops, stop)
		}
	}
	notifySystemd(daemon.SdNotifyReady)

	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	signal.Reset(syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Shutting Down...")
	notifySystemd(daemon.SdNotifyStopping)

	ctx, cancel := context.WithTimeout(context.TODO(), time.Second*3)
	defer cancel()

	var eg errgroup.Group
	for _, s := range stops {
		s := s
		eg.Go(func() error {
			return s(ctx)
		})
	}

	go func() {
		logger.Info("Shutdown Finished", zap.Error(eg.Wait()))
		cancel()
	}()
	<-ctx.Done()
}

func warnIfNotLinux() {
	if runtime.GOOS != "linux" {
		logger.Warn("Platform is not primarily supported", zap.String("GOOS", runtime.GOOS))
		logger.Warn("Emulator cleanup falls back to process group termination only")
	}
}

func notifySystemd(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Warn("Failed to notify systemd", zap.String("state", state), zap.Error(err))
		return
	}
	if sent {
		logger.Debug("Notified systemd", zap.String("state", state))
	}
}

func loadConf() *config.Config {
	var conf config.Config
	if err := conf.Load(); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		log.Fatalln("load config failed ", err)
	}
	return &conf
}

func loadProfile(conf *config.Config) *runner.Profile {
	p, err := runner.ReadProfile(conf.RunnerConf)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Info("Runner profile not found, using defaults", zap.String("path", conf.RunnerConf))
		d := runner.DefaultProfile()
		p = &d
	case err != nil:
		logger.Fatal("Failed to read runner profile", zap.String("path", conf.RunnerConf), zap.Error(err))
	}
	if err := p.Validate(); err != nil {
		logger.Fatal("Invalid runner profile", zap.String("path", conf.RunnerConf), zap.Error(err))
	}
	return p
}

type (
	stopFunc func(ctx context.Context) error
	initFunc func() (start func(), cleanUp stopFunc)
)

// cleanUpWorker lets the current job finish within the shutdown deadline, interrupts it
// otherwise and closes the store once the worker is gone
func cleanUpWorker(work worker.Worker, interrupt context.CancelFunc, st store.Store) initFunc {
	return func() (start func(), cleanUp stopFunc) {
		return nil, func(ctx context.Context) error {
			done := make(chan struct{})
			go func() {
				work.Shutdown()
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
				logger.Warn("Worker did not finish in time, interrupting current job")
				interrupt()
				<-done
			}
			logger.Info("Worker shutdown")
			err := st.Close()
			logger.Info("Store closed", zap.Error(err))
			return err
		}
	}
}

func initHTTPServer(conf *config.Config, in *ingest.Ingester, st store.Store, q taskqueue.Queue, profile *runner.Profile) initFunc {
	return func() (start func(), cleanUp stopFunc) {
		// Init http handle
		r := initHTTPMux(conf, in, st, q, profile)
		srv := http.Server{
			Addr:    conf.HTTPAddr,
			Handler: r,
		}

		return func() {
				lis, err := newListener(conf.HTTPAddr)
				if err != nil {
					logger.Error("Http server listen failed", zap.Error(err))
					return
				}
				logger.Info("Starting http server", zap.String("addr", conf.HTTPAddr), zap.String("listener", printListener(lis)))
				if err := srv.Serve(lis); errors.Is(err, http.ErrServerClosed) {
					logger.Info("Http server stopped", zap.Error(err))
				} else {
					logger.Error("Http server stopped", zap.Error(err))
				}
			}, func(ctx context.Context) error {
				logger.Info("Http server shutting down")
				return srv.Shutdown(ctx)
			}
	}
}

func initMonitorHTTPServer(conf *config.Config) initFunc {
	return func() (start func(), cleanUp stopFunc) {
		// Init monitor HTTP server
		mr := initMonitorHTTPMux(conf)
		if mr == nil {
			return nil, nil
		}
		msrv := http.Server{
			Addr:    conf.MonitorAddr,
			Handler: mr,
		}
		return func() {
				lis, err := newListener(conf.MonitorAddr)
				if err != nil {
					logger.Error("Monitoring http listen failed", zap.Error(err))
					return
				}
				logger.Info("Starting monitoring http server", zap.String("addr", conf.MonitorAddr), zap.String("listener", printListener(lis)))
				logger.Info("Monitoring http server stopped", zap.Error(msrv.Serve(lis)))
			}, func(ctx context.Context) error {
				logger.Info("Monitoring http server shutdown")
				return msrv.Shutdown(ctx)
			}
	}
}

func initLogger(conf *config.Config) {
	if conf.Silent {
		logger = zap.NewNop()
		return
	}

	var err error
	if conf.Release {
		logger, err = zap.NewProduction()
	} else {
		config := zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		if !conf.EnableDebug {
			config.Level.SetLevel(zap.InfoLevel)
		}
		logger, err = config.Build()
	}
	if err != nil {
		log.Fatalln("init logger failed ", err)
	}
}

func newStore(conf *config.Config) store.Store {
	var st store.Store
	if conf.Database == "" {
		logger.Warn("No database configured, job records are kept in memory only")
		st = memstore.New()
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s, err := sqlstore.Open(ctx, conf.Database)
		if err != nil {
			logger.Fatal("Failed to open database", zap.String("path", conf.Database), zap.Error(err))
		}
		st = s
	}

	// the queue does not survive restarts, previous unfinished jobs never complete
	n, err := st.Recover(context.Background())
	if err != nil {
		logger.Fatal("Failed to recover unfinished jobs", zap.Error(err))
	}
	if n > 0 {
		logger.Warn("Unfinished jobs from previous run marked as interrupted", zap.Int("count", n))
	}
	if conf.EnableMetrics {
		st = newMetricsStore(st)
	}
	return st
}

func newSupervisor() supervisor.Supervisor {
	sup, err := supervisor.New()
	if err != nil {
		logger.Warn("Process enumeration unavailable, emulator sweep disabled", zap.Error(err))
		return nil
	}
	return sup
}

func newRunner(conf *config.Config, profile *runner.Profile, updater store.Updater) *runner.Runner {
	rc := runner.Config{
		Profile:    *profile,
		Supervisor: newSupervisor(),
		Updater:    updater,
		Logger:     logger.Named("runner"),
	}
	if conf.EnableMetrics {
		rc.CleanupObserver = cleanupObserve
	}
	r, err := runner.New(rc)
	if err != nil {
		logger.Fatal("Create runner failed", zap.Error(err))
	}
	return r
}

func newWorker(conf *config.Config, q taskqueue.Receiver, r worker.Executor, updater store.Updater) worker.Worker {
	wc := worker.Config{
		Queue:        q,
		Executor:     r,
		Updater:      updater,
		PollInterval: conf.PollInterval,
		Logger:       logger.Named("worker"),
	}
	if conf.EnableMetrics {
		wc.ExecObserver = execObserve
	}
	return worker.New(wc)
}

func initHTTPMux(conf *config.Config, in *ingest.Ingester, st store.Store, q taskqueue.Queue, profile *runner.Profile) http.Handler {
	var r *gin.Engine
	if conf.Release {
		gin.SetMode(gin.ReleaseMode)
	}
	r = gin.New()
	r.Use(ginzap.Ginzap(logger, "", false))
	r.Use(ginzap.RecoveryWithZap(logger, true))

	// Metrics Handle
	if conf.EnableMetrics {
		initGinMetrics(r)
	}

	// Version handle
	r.GET("/version", generateHandleVersion(conf))

	// Config handle
	r.GET("/config", generateHandleConfig(conf, profile))

	// Add auth token
	if conf.AuthToken != "" {
		r.Use(tokenAuth(conf.AuthToken))
		logger.Info("Attach token auth")
	}

	// Rest Handle
	restapi.NewJobHandle(in, st, q, logger).Register(r)

	// WebSocket Handle
	wsstream.New(st, 0, logger).Register(r)

	return r
}

func initMonitorHTTPMux(conf *config.Config) http.Handler {
	if !conf.EnableMetrics && !conf.EnableDebug {
		return nil
	}
	mux := http.NewServeMux()
	if conf.EnableMetrics {
		mux.Handle("/metrics", promhttp.Handler())
	}
	if conf.EnableDebug {
		initDebugRoute(mux)
	}
	return mux
}

func initDebugRoute(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

func initGinMetrics(r *gin.Engine) {
	p := ginprometheus.NewWithConfig(ginprometheus.Config{
		Subsystem:          "gin",
		DisableBodyReading: true,
	})
	p.ReqCntURLLabelMappingFn = func(c *gin.Context) string {
		return c.FullPath()
	}
	r.Use(p.HandlerFunc())
}

func tokenAuth(token string) gin.HandlerFunc {
	const bearer = "Bearer "
	return func(c *gin.Context) {
		reqToken := c.GetHeader("Authorization")
		if strings.HasPrefix(reqToken, bearer) && reqToken[len(bearer):] == token {
			c.Next()
			return
		}
		c.AbortWithStatus(http.StatusUnauthorized)
	}
}

func generateHandleVersion(_ *config.Config) func(*gin.Context) {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"buildVersion": version.Version,
			"goVersion":    runtime.Version(),
			"platform":     runtime.GOARCH,
			"os":           runtime.GOOS,
		})
	}
}

func generateHandleConfig(conf *config.Config, profile *runner.Profile) func(*gin.Context) {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"workDirPrefix": conf.WorkDirPrefix,
			"pollInterval":  conf.PollInterval.String(),
			"runnerConfig":  profile,
		})
	}
}
