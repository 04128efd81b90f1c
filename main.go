package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	mathrand "math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 5 * time.Second

func main() {
	log := newLogger()
	if err := run(log); err != nil {
		log.WithField("data", logrus.Fields{
			"code":      1,
			"exception": err.Error(),
		}).Info("server exited")
		os.Exit(1)
	}
	log.WithField("data", logrus.Fields{"code": 0}).Info("server exited")
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000000",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "timestamp",
			logrus.FieldKeyMsg:  "message",
		},
	})
	return log
}

type cliArgs struct {
	configFile      string
	wwwRoot         string
	address         string
	tickPeriod      time.Duration
	randomizeSpawns bool
	stateFile       string
	savePeriod      time.Duration
}

func parseFlags(argv []string) (cliArgs, error) {
	fs := flag.NewFlagSet("lost-and-hound", flag.ContinueOnError)
	var args cliArgs
	var tickMs, saveMs int
	fs.StringVar(&args.configFile, "config-file", "", "game config path")
	fs.StringVar(&args.wwwRoot, "www-root", "", "static files root")
	fs.StringVar(&args.address, "address", ":8080", "listen address")
	fs.IntVar(&tickMs, "tick-period", 0, "tick period in milliseconds; absent enables the tick endpoint")
	fs.BoolVar(&args.randomizeSpawns, "randomize-spawn-points", false, "spawn dogs at random road positions")
	fs.StringVar(&args.stateFile, "state-file", "", "state snapshot path")
	fs.IntVar(&saveMs, "save-state-period", 0, "state save period in milliseconds of game time")
	if err := fs.Parse(argv); err != nil {
		return cliArgs{}, err
	}
	if args.configFile == "" {
		return cliArgs{}, errors.New("--config-file is required")
	}
	if tickMs < 0 {
		return cliArgs{}, errors.New("--tick-period must not be negative")
	}
	if saveMs < 0 {
		return cliArgs{}, errors.New("--save-state-period must not be negative")
	}
	args.tickPeriod = time.Duration(tickMs) * time.Millisecond
	args.savePeriod = time.Duration(saveMs) * time.Millisecond
	return args, nil
}

func run(log *logrus.Logger) error {
	_ = godotenv.Load()

	args, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	cfg, err := loadGameConfig(args.configFile)
	if err != nil {
		return err
	}

	rng := mathrand.New(mathrand.NewSource(time.Now().UnixNano()))
	game := newGame(cfg.buildMaps(), rng)
	players := newPlayers()

	records, err := openRecordsFromEnv()
	if err != nil {
		return err
	}
	if records != nil {
		defer records.Close()
	}

	opts := AppOptions{
		Log:             log,
		SpawnRandomized: args.randomizeSpawns,
		AutoTick:        args.tickPeriod > 0,
		RetireAfter:     cfg.retireAfter(),
	}
	if records != nil {
		opts.Records = records
	}
	app := newApp(game, players, opts)

	var saver *stateSaver
	if args.stateFile != "" {
		saver = newStateSaver(args.stateFile, args.savePeriod, game, players, log)
		doc, err := loadSnapshot(args.stateFile)
		if err != nil {
			return fmt.Errorf("restore state: %w", err)
		}
		if doc != nil {
			if err := restoreWorld(doc, game, players); err != nil {
				return fmt.Errorf("restore state: %w", err)
			}
		}
		app.SetTickObserver(saver.onTick)
	}

	api := newStrand()
	handler, err := newMux(app, api, log, args.wwwRoot)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	strandStop := make(chan struct{})
	g.Go(func() error { return api.run(strandStop) })

	if args.tickPeriod > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(args.tickPeriod)
			defer ticker.Stop()
			last := time.Now()
			for {
				select {
				case <-gctx.Done():
					return nil
				case now := <-ticker.C:
					delta := now.Sub(last)
					last = now
					if err := api.post(gctx, func() { app.Tick(delta) }); err != nil {
						return nil
					}
				}
			}
		})
	}

	srv := &http.Server{Addr: args.address, Handler: handler}
	g.Go(func() error {
		host, portStr, err := net.SplitHostPort(args.address)
		if err != nil {
			host, portStr = args.address, "0"
		}
		if host == "" {
			host = "0.0.0.0"
		}
		port, _ := strconv.Atoi(portStr)
		log.WithField("data", logrus.Fields{
			"port":    port,
			"address": host,
		}).Info("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
		}
		close(strandStop)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if saver != nil {
		if err := saver.save(); err != nil {
			return fmt.Errorf("save state: %w", err)
		}
	}
	return nil
}
