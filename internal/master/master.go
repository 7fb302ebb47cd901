// Package master implements the replication log, replica registry, and
// WAIT quorum poll run by a server acting in the master role. It has no dependency on internal/engine: the engine depends on
// this package's small public surface instead, keeping the wiring
// one-directional.
package master

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"goredis/internal/metrics"
	"goredis/internal/protocol"
)

type messageKind int

const (
	msgReplicate messageKind = iota
	msgGetAck
)

type ackResult struct {
	replicaID string
	offset    int64
}

type replicaMessage struct {
	kind    messageKind
	value   protocol.Value
	timeout time.Duration
	reply   chan<- ackResult
}

type replicaHandle struct {
	messages chan replicaMessage
	lastAck  int64
}

// Master holds the replication log and the registry of attached replicas.
// One instance is created per server process running in the master role.
type Master struct {
	mu       sync.RWMutex
	replID   string
	logBytes int64
	log      []protocol.Value
	replicas map[string]*replicaHandle

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a Master with the given fixed 40-character replication id
// master_replid is a stable literal, not regenerated per run.
func New(replID string, logger zerolog.Logger, m *metrics.Metrics) *Master {
	return &Master{
		replID:   replID,
		replicas: make(map[string]*replicaHandle),
		logger:   logger.With().Str("component", "master").Logger(),
		metrics:  m,
	}
}

// Role, ReplID, and Offset satisfy internal/engine's ReplicationInfo
// interface without either package importing the other's types.
func (mst *Master) Role() string   { return "master" }
func (mst *Master) ReplID() string { return mst.replID }
func (mst *Master) Offset() int64 {
	mst.mu.RLock()
	defer mst.mu.RUnlock()
	return mst.logBytes
}

// Propagate fans a mutating command's original frame out to every attached
// replica. It appends to the log and advances
// log_bytes only if at least one replica remained reachable; a replica
// whose outbox is full is treated as gone and detached.
func (mst *Master) Propagate(frame protocol.Value) {
	mst.mu.RLock()
	ids := make([]string, 0, len(mst.replicas))
	handles := make([]*replicaHandle, 0, len(mst.replicas))
	for id, h := range mst.replicas {
		ids = append(ids, id)
		handles = append(handles, h)
	}
	mst.mu.RUnlock()

	var failed []string
	for i, h := range handles {
		select {
		case h.messages <- replicaMessage{kind: msgReplicate, value: frame}:
		default:
			failed = append(failed, ids[i])
		}
	}

	mst.mu.Lock()
	for _, id := range failed {
		if h, ok := mst.replicas[id]; ok {
			close(h.messages)
			delete(mst.replicas, id)
		}
	}
	remaining := len(mst.replicas)
	if remaining > 0 {
		mst.log = append(mst.log, frame)
		mst.logBytes += int64(len(protocol.EncodeBytes(frame)))
	}
	logBytes := mst.logBytes
	mst.mu.Unlock()

	mst.metrics.SetReplicationLogBytes(logBytes)
	mst.metrics.SetConnectedReplicas(remaining)
}

// AttachReplica registers a new replica and returns the frames it must
// replay (the log as it stood at attach time) plus an opaque id that the
// caller later passes to ServeReplica and DetachReplica.
func (mst *Master) AttachReplica() (id string, replay []protocol.Value) {
	mst.mu.Lock()
	defer mst.mu.Unlock()

	id = uuid.NewString()
	mst.replicas[id] = &replicaHandle{messages: make(chan replicaMessage, 256)}
	replay = append([]protocol.Value(nil), mst.log...)
	mst.metrics.SetConnectedReplicas(len(mst.replicas))
	return id, replay
}

// DetachReplica removes a replica from the registry. Safe to call more than
// once for the same id.
func (mst *Master) DetachReplica(id string) {
	mst.mu.Lock()
	defer mst.mu.Unlock()
	if _, ok := mst.replicas[id]; ok {
		delete(mst.replicas, id)
		mst.metrics.SetConnectedReplicas(len(mst.replicas))
	}
}

// ServeReplica drains messages queued for id onto conn, blocking until the
// channel closes or a write/connection error occurs. This is the single
// goroutine-per-attached-replica the concurrency model calls for: it both
// writes replicated frames and, for GETACK requests, reads back the
// replica's ACK reply on the same connection before continuing.
func (mst *Master) ServeReplica(id string, conn *protocol.Conn) {
	mst.mu.RLock()
	h, ok := mst.replicas[id]
	mst.mu.RUnlock()
	if !ok {
		return
	}
	defer mst.DetachReplica(id)

	for msg := range h.messages {
		if _, err := conn.Encode(msg.value); err != nil {
			mst.logger.Warn().Err(err).Str("replica", id).Msg("replicate write failed")
			return
		}
		if err := conn.Flush(); err != nil {
			mst.logger.Warn().Err(err).Str("replica", id).Msg("replicate flush failed")
			return
		}

		if msg.kind != msgGetAck {
			continue
		}

		if err := conn.SetReadDeadline(time.Now().Add(msg.timeout)); err != nil {
			continue
		}
		_, reply, err := conn.Decode()
		_ = conn.SetReadDeadline(time.Time{})
		if err != nil {
			continue
		}
		if reply.Kind != protocol.KindArray || len(reply.Array) < 3 {
			continue
		}
		offset, err := strconv.ParseInt(reply.Array[len(reply.Array)-1].String(), 10, 64)
		if err != nil {
			continue
		}
		select {
		case msg.reply <- ackResult{replicaID: id, offset: offset}:
		default:
		}
	}
}

var getAckFrame = protocol.Array([]protocol.Value{
	protocol.BulkStringFrom("REPLCONF"),
	protocol.BulkStringFrom("GETACK"),
	protocol.BulkStringFrom("*"),
})

// Wait implements WAIT n timeout_ms: it snapshots
// master_offset, counts replicas already caught up, requests ACKs from the
// rest, and polls until n are counted or the timeout elapses. If the
// replication log is empty it returns the replica count immediately.
func (mst *Master) Wait(n int, timeout time.Duration) int {
	mst.mu.RLock()
	logEmpty := len(mst.log) == 0
	target := mst.logBytes
	ids := make([]string, 0, len(mst.replicas))
	handles := make([]*replicaHandle, 0, len(mst.replicas))
	for id, h := range mst.replicas {
		ids = append(ids, id)
		handles = append(handles, h)
	}
	mst.mu.RUnlock()

	if logEmpty {
		return len(handles)
	}

	reply := make(chan ackResult, len(handles))
	counted := 0
	pending := 0

	for i, h := range handles {
		if counted >= n {
			break
		}
		mst.mu.RLock()
		ack := h.lastAck
		mst.mu.RUnlock()
		if ack >= target {
			counted++
			continue
		}
		select {
		case h.messages <- replicaMessage{kind: msgGetAck, value: getAckFrame, timeout: timeout, reply: reply}:
			pending++
		default:
			_ = ids[i]
		}
	}

	deadline := time.Now().Add(timeout)
	for counted < n && pending > 0 && time.Now().Before(deadline) {
		select {
		case res := <-reply:
			pending--
			mst.mu.Lock()
			if h, ok := mst.replicas[res.replicaID]; ok && res.offset > h.lastAck {
				h.lastAck = res.offset
			}
			mst.mu.Unlock()
			mst.metrics.SetReplicaAckOffset(res.replicaID, res.offset)
			if res.offset >= target {
				counted++
			}
		case <-time.After(10 * time.Millisecond):
		}
	}
	return counted
}
