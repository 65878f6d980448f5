package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/crtweave/httpconnmgr/internal/config"
	"github.com/crtweave/httpconnmgr/internal/httpconn"
	"github.com/crtweave/httpconnmgr/internal/httpserver"
	"github.com/crtweave/httpconnmgr/internal/logger"
)

var (
	address        string
	defaultsPath   string
	logLevelString string
)

func main() {
	flag.StringVar(&address, "address", "127.0.0.1:8080", "address to listen on")
	flag.StringVar(&defaultsPath, "defaults", "", "path to a TOML defaults file (optional)")
	flag.StringVar(&logLevelString, "log-level", "", "override the defaults file's log level (DEBUG, INFO, WARNING, ERROR)")
	flag.Parse()

	defaults := config.DefaultDefaults()
	if defaultsPath != "" {
		loaded, err := config.LoadDefaultsFile(defaultsPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load defaults file %s: %v\n", defaultsPath, err)
			os.Exit(1)
		}
		defaults = loaded
	}
	if logLevelString != "" {
		defaults.LogLevel = config.LogLevel(logLevelString)
	}

	log := logger.New(os.Stderr, defaults.LogLevel)

	done := make(chan struct{})
	srv, err := httpserver.New(httpserver.Options{
		Address:  address,
		Defaults: defaults,
		Logger:   log,
		OnIncomingConnection: func(s *httpserver.Server, conn httpconn.Connection, err error) {
			if err != nil {
				log.Warn("incoming connection failed", logger.LogFields{"error": err})
				return
			}
			log.Info("accepted connection", logger.LogFields{
				"host_address": conn.HostAddress(),
				"version":      conn.GetVersion().String(),
			})
			cfgErr := conn.ConfigureServer(httpconn.ServerConfigureOptions{
				OnIncomingRequest: func(c httpconn.Connection, req *httpconn.Request) {
					log.Info("incoming request", logger.LogFields{
						"method": req.Method,
						"path":   req.Path,
					})
				},
				OnShutdown: func(c httpconn.Connection, code httpconn.ErrorCode) {
					log.Info("connection shut down", logger.LogFields{"error_code": code.String()})
				},
			})
			if cfgErr != nil {
				log.Error("failed to configure accepted connection", logger.LogFields{"error": cfgErr})
			}
		},
		OnDestroyComplete: func() {
			close(done)
		},
	})
	if err != nil {
		log.Error("failed to start server", logger.LogFields{"error": err})
		os.Exit(1)
	}
	log.Info("listening", logger.LogFields{"address": srv.Addr().String()})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down", nil)
	srv.Release()
	<-done
	log.Info("shutdown complete", nil)
}
