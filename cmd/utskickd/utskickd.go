package main

import (
	"context"
	"net"
	"net/http"
	"net/smtp"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/modfin/utskick/internal/api"
	"github.com/modfin/utskick/internal/config"
	"github.com/modfin/utskick/internal/dao"
	"github.com/modfin/utskick/internal/dispatch"
	"github.com/modfin/utskick/internal/metrics"
	"github.com/modfin/utskick/internal/scheduler"
	"github.com/modfin/utskick/internal/stats"
	"github.com/modfin/utskick/smtpx"
	"github.com/modfin/utskick/smtpx/pool"
	"github.com/modfin/utskick/tools"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:   "utskickd",
		Usage:  "a service for recurring newsletter delivery",
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the api with the scheduler embedded (when leader)",
				Action: serve,
			},
			{
				Name:   "scheduler",
				Usage:  "run a dedicated blocking scheduler process",
				Action: standalone,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type Stoppable interface {
	Stop(ctx context.Context) error
}

type services struct {
	cfg   *config.Config
	lc    *tools.Logger
	db    dao.DAO
	st    *stats.Service
	sched *scheduler.Scheduler
}

func setup(ctx context.Context, l *log.Logger) (*services, error) {
	lc := tools.LoggerCloner(l)
	cfg := config.Get()

	db, err := dao.NewSQLite(cfg.DbURI)
	if err != nil {
		return nil, err
	}

	met := metrics.New()

	var auth smtp.Auth
	if cfg.RelayUser != "" {
		host, _, _ := net.SplitHostPort(cfg.Relay)
		auth = smtp.PlainAuth("", cfg.RelayUser, cfg.RelayPass, host)
	}
	localName := cfg.Hostname
	if localName == "" {
		localName = tools.LocalName()
	}

	relay := pool.New(ctx, smtpx.NewDialer(), cfg.Relay, auth, cfg.Connections, localName)
	engine := dispatch.New(dispatch.Config{From: cfg.From}, relay, lc, met)

	return &services{
		cfg:   cfg,
		lc:    lc,
		db:    db,
		st:    stats.New(db, cfg.StatsTTL, lc),
		sched: scheduler.New(scheduler.Config{LogRetention: cfg.LogRetention}, db, engine, lc, met),
	}, nil
}

func serve(c *cli.Context) error {
	l := log.New()
	l.AddHook(tools.LoggerWho{Name: "utskickd"})

	var stopServer func()
	c.Context, stopServer = context.WithCancel(c.Context)
	defer stopServer()

	l.Infof("Starting server")

	svc, err := setup(c.Context, l)
	if err != nil {
		return err
	}

	web := api.New(api.Config{Port: svc.cfg.APIPort, Keys: svc.cfg.APIKeys}, svc.db, svc.st, svc.lc)
	web.Start()

	svc.sched.Start(svc.cfg.Leader)

	stoppables := []Stoppable{web, svc.sched, svc.st}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	sig := <-sigc
	l.Infof("Got signal: %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	wg := &sync.WaitGroup{}
	for _, service := range stoppables {
		wg.Add(1)
		service := service
		go func(service Stoppable) {
			defer wg.Done()
			err := service.Stop(shutdownCtx)
			if err != nil {
				l.WithError(err).Error("Failed to stop service")
			}
		}(service)
	}

	go func() {
		<-shutdownCtx.Done()
		l.WithError(shutdownCtx.Err()).Warn("Shutdown was forced, terminating now")
		os.Exit(1)
	}()

	wg.Wait()
	l.Infof("Shutdown complete")
	return nil
}

func standalone(c *cli.Context) error {
	l := log.New()
	l.AddHook(tools.LoggerWho{Name: "utskickd-scheduler"})

	ctx, stop := signal.NotifyContext(c.Context,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	defer stop()

	svc, err := setup(ctx, l)
	if err != nil {
		return err
	}

	// the dedicated process has no api, but still answers /metrics
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		err := http.ListenAndServe(net.JoinHostPort("", "9090"), mux)
		if err != nil {
			l.WithError(err).Warn("metrics listener stopped")
		}
	}()

	l.Infof("Starting standalone scheduler")
	return svc.sched.Run(ctx)
}
