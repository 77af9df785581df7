// hostbridge runs the reference host behind the bridge listener.
//
// The host loop owns the document. Requests arrive over loopback TCP, wait in
// the bridge queue, and run on the loop when it accepts a drain invitation.
//
//	hostbridge --addr 127.0.0.1:8080 --document Tower.rvt
//	hostbridge --config hostbridge.yaml --etcd 127.0.0.1:2379 --host-name cad
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"host-bridge/bridge"
	"host-bridge/config"
	"host-bridge/dispatch"
	"host-bridge/host"
	"host-bridge/logging"
	"host-bridge/middleware"
	"host-bridge/registry"
	"host-bridge/server"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var configPath, document string
	var showVersion bool

	flagSet := pflag.NewFlagSet("hostbridge", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	flagSet.StringVar(&document, "document", "Untitled", "title of the document opened at startup (empty: none)")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	flagSet.String("addr", "", "loopback listen address (default 127.0.0.1:8080)")
	flagSet.String("log-level", "", "log level: debug, info, warn, error")
	flagSet.String("log-format", "", "log format: console or json")
	flagSet.Duration("command-timeout", 0, "how long a queued command may wait for the host")
	flagSet.Float64("rate-limit", 0, "max requests per second (0: unlimited)")
	flagSet.Int("retries", 0, "retries when the host is busy (0: report busy immediately)")
	flagSet.StringSlice("etcd", nil, "etcd endpoints to announce the listener on")
	flagSet.String("host-name", "", "name the listener is announced under")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println("hostbridge", version)
		return nil
	}

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	if err := applyFlags(flagSet, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, document, logger)
}

// applyFlags overrides cfg with every flag set on the command line.
func applyFlags(fs *pflag.FlagSet, cfg *config.Config) error {
	var err error
	set := func(name string, apply func() error) {
		if err == nil && fs.Changed(name) {
			err = apply()
		}
	}
	set("addr", func() (e error) { cfg.Server.Addr, e = fs.GetString("addr"); return })
	set("log-level", func() (e error) { cfg.Log.Level, e = fs.GetString("log-level"); return })
	set("log-format", func() (e error) { cfg.Log.Format, e = fs.GetString("log-format"); return })
	set("command-timeout", func() (e error) { cfg.Bridge.CommandTimeout, e = fs.GetDuration("command-timeout"); return })
	set("rate-limit", func() (e error) { cfg.Limits.RateLimit, e = fs.GetFloat64("rate-limit"); return })
	set("retries", func() (e error) { cfg.Limits.Retries, e = fs.GetInt("retries"); return })
	set("etcd", func() (e error) { cfg.Registry.Endpoints, e = fs.GetStringSlice("etcd"); return })
	set("host-name", func() (e error) { cfg.Registry.HostName, e = fs.GetString("host-name"); return })
	return err
}

func serve(ctx context.Context, cfg *config.Config, document string, logger *zap.Logger) error {
	loop := host.NewLoop(cfg.Bridge.HostQueueSize, logger)
	doc := host.NewDocument(loop)
	if document != "" {
		doc.Open(document)
	}

	d := dispatch.New(doc, logger)
	if err := host.RegisterHandlers(d, doc); err != nil {
		return err
	}
	b := bridge.New(loop, d, bridge.WithTimeout(cfg.Bridge.CommandTimeout), bridge.WithLogger(logger))

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithMaxBufferedBytes(cfg.Server.MaxBufferedBytes),
	}
	if len(cfg.Registry.Endpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, logger)
		if err != nil {
			return err
		}
		defer reg.Close()
		opts = append(opts, server.WithRegistry(reg, cfg.Registry.HostName, version))
	}

	svr := server.NewServer(b, opts...)
	svr.Use(middleware.RecoverMiddleware(logger))
	svr.Use(middleware.LoggingMiddleware(logger))
	if cfg.Limits.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.Limits.RateLimit, cfg.Limits.Burst))
	}
	if cfg.Limits.Retries > 0 {
		svr.Use(middleware.RetryMiddleware(cfg.Limits.Retries, cfg.Limits.RetryDelay, logger))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(gctx)
	})

	if err := svr.Start(cfg.Server.Addr); err != nil {
		loop.Stop()
		g.Wait()
		return err
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		err := svr.Shutdown(cfg.Server.ShutdownTimeout)
		b.Close()
		loop.Stop()
		st := b.Stats()
		logger.Info("bridge stats",
			zap.Int64("executed", st.Executed),
			zap.Int64("timed_out", st.TimedOut),
			zap.Int64("rejected", st.Rejected),
			zap.Int64("late", st.Late),
		)
		return err
	})

	return g.Wait()
}
