package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"goredis/internal/command"
	"goredis/internal/engine"
	"goredis/internal/master"
	"goredis/internal/metrics"
	"goredis/internal/protocol"
	"goredis/internal/replica"
	"goredis/internal/store"
)

// fixedReplID is the master replication id this process reports for as
// long as it runs. Unlike a real Redis master it is never regenerated.
const fixedReplID = "8371b4fb1155b71f4de9d94d47df7ecc0abf5d45"

// Server owns the listener, the shared store and engine, and whichever of
// master/replica machinery the configured role requires.
type Server struct {
	cfg    Config
	logger zerolog.Logger

	store   *store.Store
	engine  *engine.Engine
	master  *master.Master
	replica *replica.Replica

	listener    net.Listener
	connections sync.WaitGroup
}

// New wires a Server from cfg: it loads the on-disk snapshot if present,
// then builds either a master replication log or an outbound replica
// session depending on whether ReplicaOf is set.
func New(cfg Config, reg prometheus.Registerer, logger zerolog.Logger) (*Server, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("server: --dir is required")
	}

	st := store.NewStore(logger)
	m := metrics.New(reg)

	if err := loadSnapshot(st, cfg); err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, logger: logger.With().Str("component", "server").Logger(), store: st}

	engCfg := engine.Config{Dir: cfg.Dir, DBFilename: cfg.DBFilename}

	if cfg.replicaOf() {
		s.replica = replica.New(cfg.ReplicaOfHost, cfg.ReplicaOfPort, portString(cfg.Port), st, nil, logger)
		eng := engine.New(st, s.replica, nil, m, engCfg, logger)
		s.engine = eng
		// the replica applies incoming frames through eng, but eng needed
		// the replica as its ReplicationInfo first; wire it back in now.
		s.replica.SetEngine(eng)
	} else {
		s.master = master.New(fixedReplID, logger, m)
		s.engine = engine.New(st, s.master, s.master, m, engCfg, logger)
	}

	return s, nil
}

func portString(port int) string { return fmt.Sprintf("%d", port) }

func loadSnapshot(st *store.Store, cfg Config) error {
	path := filepath.Join(cfg.Dir, cfg.DBFilename)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("server: opening snapshot %s: %w", path, err)
	}
	defer f.Close()
	if err := st.LoadSnapshot(f); err != nil {
		return fmt.Errorf("server: loading snapshot %s: %w", path, err)
	}
	return nil
}

// Run binds the listener, starts the replica session (if configured), and
// accepts connections until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, portString(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.listener = ln
	s.logger.Info().Str("addr", addr).Str("role", s.engine.Role()).Msg("server listening")

	if s.replica != nil {
		go s.replica.Run(ctx)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.connections.Wait()
				return nil
			default:
				s.logger.Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		s.connections.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, nc net.Conn) {
	defer s.connections.Done()
	defer nc.Close()

	conn := protocol.NewConn(nc)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, v, err := conn.Decode()
		if err != nil {
			return
		}

		cmd, err := command.Parse(v)
		if err != nil {
			if errors.Is(err, command.ErrProtocol) {
				return
			}
			s.writeError(conn, err)
			continue
		}

		replies, promote, err := s.engine.Execute(cmd)
		if err != nil {
			if errors.Is(err, command.ErrProtocol) {
				return
			}
			s.writeError(conn, err)
			continue
		}
		if !s.writeAll(conn, replies) {
			return
		}

		if promote != nil && s.master != nil {
			s.master.ServeReplica(promote.ReplicaID, conn)
			return
		}
	}
}

func (s *Server) writeAll(conn *protocol.Conn, vs []protocol.Value) bool {
	for _, v := range vs {
		if _, err := conn.Encode(v); err != nil {
			return false
		}
	}
	if err := conn.Flush(); err != nil {
		return false
	}
	return true
}

func (s *Server) writeError(conn *protocol.Conn, err error) {
	msg := err.Error()
	if !strings.HasPrefix(msg, "ERR") {
		msg = "ERR " + msg
	}
	if _, encErr := conn.Encode(protocol.Error(msg)); encErr != nil {
		return
	}
	_ = conn.Flush()
}

// Shutdown closes the listener and waits up to 5 seconds for in-flight
// connections to finish.
func (s *Server) Shutdown() {
	if s.listener != nil {
		s.listener.Close()
	}
	done := make(chan struct{})
	go func() {
		s.connections.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn().Msg("shutdown timeout reached, forcing exit")
	}
}
