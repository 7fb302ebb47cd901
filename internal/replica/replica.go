// Package replica runs the outbound master session: the handshake, initial
// snapshot load, and the inbound replication loop that applies frames
// received from the master.
package replica

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"goredis/internal/command"
	"goredis/internal/engine"
	"goredis/internal/protocol"
	"goredis/internal/store"
)

// Replica owns the connection to a configured master and the replicated
// offset accounting the rest of the server reads via Offset/ReplID for
// INFO REPLICATION.
type Replica struct {
	mu       sync.RWMutex
	replID   string
	offset   int64

	masterHost, masterPort string
	ownPort                string

	store  *store.Store
	engine *engine.Engine
	logger zerolog.Logger
}

// New builds a Replica that will connect to masterHost:masterPort,
// advertising ownPort via REPLCONF LISTENING-PORT. eng may be nil at
// construction time and filled in later with SetEngine, since the engine
// itself is usually constructed with this Replica as its ReplicationInfo.
func New(masterHost, masterPort, ownPort string, st *store.Store, eng *engine.Engine, logger zerolog.Logger) *Replica {
	return &Replica{
		masterHost: masterHost,
		masterPort: masterPort,
		ownPort:    ownPort,
		store:      st,
		engine:     eng,
		logger:     logger.With().Str("component", "replica").Logger(),
	}
}

// SetEngine wires the engine used to apply replicated commands. Must be
// called before Run/syncOnce if eng was nil in New.
func (r *Replica) SetEngine(eng *engine.Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engine = eng
}

// Role, ReplID, and Offset satisfy internal/engine's ReplicationInfo.
func (r *Replica) Role() string { return "slave" }
func (r *Replica) ReplID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.replID
}
func (r *Replica) Offset() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.offset
}

// Run drives the connect/handshake/stream/reconnect loop until ctx is
// cancelled. A session that ends for any reason (handshake failure,
// connection drop, decode error) is retried after a 2-second pause.
func (r *Replica) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := r.syncOnce(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("replication session ended")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (r *Replica) syncOnce(ctx context.Context) error {
	addr := net.JoinHostPort(r.masterHost, r.masterPort)
	nc, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("replica: dialing master: %w", err)
	}
	defer nc.Close()

	conn := protocol.NewConn(nc)

	if err := r.handshake(conn); err != nil {
		return fmt.Errorf("replica: handshake: %w", err)
	}

	blob, err := conn.ReadFile()
	if err != nil {
		return fmt.Errorf("replica: reading snapshot: %w", err)
	}
	if err := r.store.LoadSnapshot(bytes.NewReader(blob)); err != nil {
		return fmt.Errorf("replica: loading snapshot: %w", err)
	}

	r.mu.Lock()
	r.offset = 0
	r.mu.Unlock()

	r.logger.Info().Str("master", addr).Msg("full resync complete, entering replication stream")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, v, err := conn.Decode()
		if err != nil {
			return fmt.Errorf("replica: reading replication stream: %w", err)
		}

		cmd, perr := command.Parse(v)
		if perr != nil {
			r.advance(int64(n))
			continue
		}

		if cmd.Tag == command.REPLCONF && len(cmd.Args) >= 1 && strings.EqualFold(cmd.Args[0], "GETACK") {
			ack := protocol.Array([]protocol.Value{
				protocol.BulkStringFrom("REPLCONF"),
				protocol.BulkStringFrom("ACK"),
				protocol.BulkStringFrom(strconv.FormatInt(r.Offset(), 10)),
			})
			if _, err := conn.Encode(ack); err != nil {
				return fmt.Errorf("replica: sending ACK: %w", err)
			}
			if err := conn.Flush(); err != nil {
				return fmt.Errorf("replica: flushing ACK: %w", err)
			}
			r.advance(int64(n))
			continue
		}

		if err := r.engine.ApplyReplicated(cmd); err != nil {
			r.logger.Warn().Err(err).Str("command", cmd.Name).Msg("failed to apply replicated command")
		}
		r.advance(int64(n))
	}
}

func (r *Replica) advance(n int64) {
	r.mu.Lock()
	r.offset += n
	r.mu.Unlock()
}

func (r *Replica) handshake(conn *protocol.Conn) error {
	send := func(parts ...string) error {
		items := make([]protocol.Value, len(parts))
		for i, p := range parts {
			items[i] = protocol.BulkStringFrom(p)
		}
		if _, err := conn.Encode(protocol.Array(items)); err != nil {
			return err
		}
		return conn.Flush()
	}
	expectContains := func(want string) error {
		_, v, err := conn.Decode()
		if err != nil {
			return err
		}
		if !strings.Contains(strings.ToUpper(v.Str), want) {
			return fmt.Errorf("unexpected reply %q", v.Str)
		}
		return nil
	}

	if err := send("PING"); err != nil {
		return err
	}
	if err := expectContains("PONG"); err != nil {
		return err
	}

	if err := send("REPLCONF", "listening-port", r.ownPort); err != nil {
		return err
	}
	if err := expectContains("OK"); err != nil {
		return err
	}

	if err := send("REPLCONF", "capa", "psync2"); err != nil {
		return err
	}
	if err := expectContains("OK"); err != nil {
		return err
	}

	if err := send("PSYNC", "?", "-1"); err != nil {
		return err
	}
	_, v, err := conn.Decode()
	if err != nil {
		return err
	}
	if v.Kind != protocol.KindSimpleString || !strings.HasPrefix(v.Str, "FULLRESYNC") {
		return fmt.Errorf("unexpected PSYNC reply %q", v.Str)
	}
	if parts := strings.Fields(v.Str); len(parts) >= 2 {
		r.mu.Lock()
		r.replID = parts[1]
		r.mu.Unlock()
	}
	return nil
}
