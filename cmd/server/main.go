package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"goredis/internal/server"
)

var errBadReplicaOf = errors.New(`--replicaof must be formatted as "<host> <port>"`)

func main() {
	port := flag.Int("port", 6379, "port to listen on")
	replicaof := flag.String("replicaof", "", `master to replicate from, as "<host> <port>"`)
	dir := flag.String("dir", "", "directory holding the snapshot file (required)")
	dbfilename := flag.String("dbfilename", "rds", "snapshot filename within --dir")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg := server.Config{
		Host:       "127.0.0.1",
		Port:       *port,
		Dir:        *dir,
		DBFilename: *dbfilename,
	}

	if *replicaof != "" {
		host, portStr, err := parseReplicaOf(*replicaof)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid --replicaof")
		}
		cfg.ReplicaOfHost = host
		cfg.ReplicaOfPort = portStr
	}

	srv, err := server.New(cfg, prometheus.NewRegistry(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info().Msg("shutting down server")
		cancel()
		srv.Shutdown()
	}()

	logger.Info().Int("port", cfg.Port).Str("dir", cfg.Dir).Msg("starting server")
	if err := srv.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

func parseReplicaOf(s string) (host, port string, err error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return "", "", errBadReplicaOf
	}
	if _, err := strconv.Atoi(parts[1]); err != nil {
		return "", "", errBadReplicaOf
	}
	return parts[0], parts[1], nil
}
