// Package engine dispatches parsed commands against the store, applying
// per-command behavior and the role-dependent routing rules
// for master/replica connections.
package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"goredis/internal/command"
	"goredis/internal/metrics"
	"goredis/internal/protocol"
	"goredis/internal/snapshot"
	"goredis/internal/store"
)

// ReplicationInfo is the read-only replication state INFO REPLICATION
// reports. *master.Master and *replica.Replica both satisfy it structurally;
// neither type needs to be imported here.
type ReplicationInfo interface {
	Role() string
	ReplID() string
	Offset() int64
}

// MasterControl is the subset of *master.Master the engine needs to handle
// PSYNC/WAIT and to fan out mutating commands. Nil when this server is
// running as a replica.
type MasterControl interface {
	ReplicationInfo
	Propagate(frame protocol.Value)
	AttachReplica() (id string, replay []protocol.Value)
	Wait(n int, timeout time.Duration) int
}

// PromoteInfo signals that the connection which just ran Execute must be
// handed off to replication mode (only ever returned for PSYNC).
type PromoteInfo struct {
	ReplicaID string
}

// Engine is the command dispatch table. One Engine is shared by every
// client connection on a server process.
type Engine struct {
	store   *store.Store
	repl    ReplicationInfo
	master  MasterControl // nil unless this server is a master
	metrics *metrics.Metrics
	logger  zerolog.Logger

	dir        string
	dbfilename string
}

// Config carries the pieces of server configuration the engine needs to
// answer CONFIG GET.
type Config struct {
	Dir        string
	DBFilename string
}

// Role reports the replication role backing this engine ("master" or
// "slave"), for server-side logging.
func (e *Engine) Role() string { return e.repl.Role() }

// New builds an Engine. master must be non-nil iff repl.Role() == "master".
func New(st *store.Store, repl ReplicationInfo, master MasterControl, m *metrics.Metrics, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{
		store:      st,
		repl:       repl,
		master:     master,
		metrics:    m,
		logger:     logger.With().Str("component", "engine").Logger(),
		dir:        cfg.Dir,
		dbfilename: cfg.DBFilename,
	}
}

// Execute dispatches a command arriving on an ordinary client connection.
// On a replica, a mutating command is rejected outright.
func (e *Engine) Execute(cmd command.Command) ([]protocol.Value, *PromoteInfo, error) {
	e.metrics.ObserveCommand(string(cmd.Tag))

	if cmd.IsMutating() && e.master == nil {
		return nil, nil, fmt.Errorf("ERR command not allowed, this instance is a replica: %w", command.ErrProtocol)
	}

	replies, promote, err := e.dispatch(cmd)
	if err != nil {
		return nil, nil, err
	}

	if cmd.IsMutating() && e.master != nil {
		e.master.Propagate(cmd.Raw)
	}

	return replies, promote, nil
}

// ApplyReplicated runs a command frame received over the replication
// connection from the true master. It never rejects on role grounds and
// never re-propagates: replication here is single-hop (the topology
// is one master, many direct replicas).
func (e *Engine) ApplyReplicated(cmd command.Command) error {
	e.metrics.ObserveCommand(string(cmd.Tag))
	_, _, err := e.dispatch(cmd)
	return err
}

func (e *Engine) dispatch(cmd command.Command) ([]protocol.Value, *PromoteInfo, error) {
	switch cmd.Tag {
	case command.PING:
		return one(protocol.SimpleString("PONG")), nil, nil
	case command.ECHO:
		if len(cmd.Args) != 1 {
			return nil, nil, fmt.Errorf("ERR wrong number of arguments for 'echo' command")
		}
		return one(protocol.BulkStringFrom(cmd.Args[0])), nil, nil
	case command.GET:
		return e.handleGet(cmd.Args)
	case command.SET:
		return e.handleSet(cmd.Args)
	case command.TYPE:
		return e.handleType(cmd.Args)
	case command.KEYS:
		return e.handleKeys(cmd.Args)
	case command.XADD:
		return e.handleXAdd(cmd.Args)
	case command.XRANGE:
		return e.handleXRange(cmd.Args)
	case command.XREAD:
		return e.handleXRead(cmd.Args)
	case command.INFO:
		return e.handleInfo(cmd.Args)
	case command.CONFIG:
		return e.handleConfig(cmd.Args)
	case command.REPLCONF:
		return e.handleReplconf(cmd.Args)
	case command.PSYNC:
		return e.handlePSYNC(cmd.Args)
	case command.WAIT:
		return e.handleWait(cmd.Args)
	default:
		return nil, nil, fmt.Errorf("ERR unknown command '%s': %w", cmd.Name, command.ErrProtocol)
	}
}

func one(v protocol.Value) []protocol.Value { return []protocol.Value{v} }

func (e *Engine) handleGet(args []string) ([]protocol.Value, *PromoteInfo, error) {
	if len(args) != 1 {
		return nil, nil, fmt.Errorf("ERR wrong number of arguments for 'get' command")
	}
	v, ok := e.store.GetValue(args[0], time.Now())
	if !ok {
		return one(protocol.Null()), nil, nil
	}
	return one(protocol.BulkString(v)), nil, nil
}

func (e *Engine) handleSet(args []string) ([]protocol.Value, *PromoteInfo, error) {
	if len(args) < 2 {
		return nil, nil, fmt.Errorf("ERR wrong number of arguments for 'set' command")
	}
	key, value := args[0], args[1]

	var expiresAt *time.Time
	for i := 2; i < len(args); i++ {
		if strings.EqualFold(args[i], "PX") && i+1 < len(args) {
			ms, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("ERR value is not an integer or out of range")
			}
			t := time.Now().Add(time.Duration(ms) * time.Millisecond)
			expiresAt = &t
			i++
		}
		// other SET options are accepted and ignored.
	}

	e.store.InsertValue(key, []byte(value), expiresAt)
	return one(protocol.SimpleString("OK")), nil, nil
}

func (e *Engine) handleType(args []string) ([]protocol.Value, *PromoteInfo, error) {
	if len(args) != 1 {
		return nil, nil, fmt.Errorf("ERR wrong number of arguments for 'type' command")
	}
	t := e.store.GetType(args[0], time.Now())
	name := "none"
	if t == store.StringType || t == store.StreamType {
		name = t.String()
	}
	return one(protocol.SimpleString(name)), nil, nil
}

func (e *Engine) handleKeys(args []string) ([]protocol.Value, *PromoteInfo, error) {
	// pattern argument is accepted and ignored; glob matching is out of scope.
	keys := e.store.Keys(time.Now())
	items := make([]protocol.Value, len(keys))
	for i, k := range keys {
		items[i] = protocol.BulkStringFrom(k)
	}
	return one(protocol.Array(items)), nil, nil
}

func (e *Engine) handleXAdd(args []string) ([]protocol.Value, *PromoteInfo, error) {
	if len(args) < 2 {
		return nil, nil, fmt.Errorf("ERR wrong number of arguments for 'xadd' command")
	}
	key, idPattern := args[0], args[1]

	var fields [][2]string
	rest := args[2:]
	for i := 0; i+1 < len(rest); i += 2 {
		fields = append(fields, [2]string{rest[i], rest[i+1]})
	}

	id, err := e.store.InsertStream(key, idPattern, fields, uint64(time.Now().UnixMilli()))
	if err != nil {
		return nil, nil, err
	}
	return one(protocol.BulkStringFrom(id.String())), nil, nil
}

func (e *Engine) handleXRange(args []string) ([]protocol.Value, *PromoteInfo, error) {
	if len(args) != 3 {
		return nil, nil, fmt.Errorf("ERR wrong number of arguments for 'xrange' command")
	}
	key := args[0]
	from, err := store.ParseRangeBound(args[1], true)
	if err != nil {
		return nil, nil, err
	}
	to, err := store.ParseRangeBound(args[2], false)
	if err != nil {
		return nil, nil, err
	}

	recs, err := e.store.RangeStream(key, from, to)
	if err != nil {
		return nil, nil, err
	}
	return one(encodeStreamRecords(recs)), nil, nil
}

func encodeStreamRecords(recs []store.StreamRecord) protocol.Value {
	items := make([]protocol.Value, len(recs))
	for i, rec := range recs {
		fieldVals := make([]protocol.Value, 0, len(rec.Fields)*2)
		for _, f := range rec.Fields {
			fieldVals = append(fieldVals, protocol.BulkStringFrom(f[0]), protocol.BulkStringFrom(f[1]))
		}
		items[i] = protocol.Array([]protocol.Value{
			protocol.BulkStringFrom(rec.ID.String()),
			protocol.Array(fieldVals),
		})
	}
	return protocol.Array(items)
}

// handleXRead implements XREAD [BLOCK ms] STREAMS k1 k2 ... id1 id2 ...
// XREAD.
func (e *Engine) handleXRead(args []string) ([]protocol.Value, *PromoteInfo, error) {
	idx := 0
	var blockMS *int64
	if idx < len(args) && strings.EqualFold(args[idx], "BLOCK") {
		if idx+1 >= len(args) {
			return nil, nil, fmt.Errorf("ERR syntax error")
		}
		ms, err := strconv.ParseInt(args[idx+1], 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("ERR timeout is not an integer or out of range")
		}
		blockMS = &ms
		idx += 2
	}
	if idx >= len(args) || !strings.EqualFold(args[idx], "STREAMS") {
		return nil, nil, fmt.Errorf("ERR syntax error")
	}
	idx++

	rest := args[idx:]
	if len(rest) == 0 || len(rest)%2 != 0 {
		return nil, nil, fmt.Errorf("ERR Unbalanced XREAD list of streams: for each stream key an ID or '$' must be specified")
	}
	n := len(rest) / 2
	keys := rest[:n]
	idLiterals := rest[n:]

	fromIDs := make([]store.StreamRecordID, n)
	for i, lit := range idLiterals {
		if lit == "$" {
			fromIDs[i] = e.store.LatestStreamID(keys[i])
			continue
		}
		id, err := store.ResolveInsertID(lit, store.StreamRecordID{}, false, 0)
		if err != nil {
			return nil, nil, err
		}
		fromIDs[i] = id
	}

	collect := func() (protocol.Value, bool) {
		var groups []protocol.Value
		for i, key := range keys {
			recs, err := e.store.RangeStream(key, fromIDs[i].Next(), store.MaxStreamID)
			if err != nil || len(recs) == 0 {
				continue
			}
			groups = append(groups, protocol.Array([]protocol.Value{
				protocol.BulkStringFrom(key),
				encodeStreamRecords(recs),
			}))
		}
		if len(groups) == 0 {
			return protocol.Value{}, false
		}
		return protocol.Array(groups), true
	}

	if result, ok := collect(); ok {
		return one(result), nil, nil
	}
	if blockMS == nil {
		return one(protocol.Null()), nil, nil
	}

	listener := store.NewListener()
	if err := e.store.AddListener(keys, listener); err != nil {
		return nil, nil, err
	}
	// A record inserted after the first collect but before AddListener
	// registered the listener was published to nobody; look once more.
	if result, ok := collect(); ok {
		return one(result), nil, nil
	}

	woke := listener.Wait(time.Duration(*blockMS)*time.Millisecond, func(key string, id store.StreamRecordID) bool {
		for i, k := range keys {
			if k == key && id.Greater(fromIDs[i]) {
				return true
			}
		}
		return false
	})
	if !woke {
		return one(protocol.Null()), nil, nil
	}
	if result, ok := collect(); ok {
		return one(result), nil, nil
	}
	return one(protocol.Null()), nil, nil
}

func (e *Engine) handleInfo(args []string) ([]protocol.Value, *PromoteInfo, error) {
	body := fmt.Sprintf("role:%s\r\nmaster_replid:%s\r\nmaster_repl_offset:%d\r\n",
		e.repl.Role(), e.repl.ReplID(), e.repl.Offset())
	return one(protocol.BulkStringFrom(body)), nil, nil
}

func (e *Engine) handleConfig(args []string) ([]protocol.Value, *PromoteInfo, error) {
	if len(args) != 2 || !strings.EqualFold(args[0], "GET") {
		return nil, nil, fmt.Errorf("ERR unsupported CONFIG subcommand")
	}
	switch strings.ToLower(args[1]) {
	case "dir":
		return one(protocol.Array([]protocol.Value{protocol.BulkStringFrom("dir"), protocol.BulkStringFrom(e.dir)})), nil, nil
	case "dbfilename":
		return one(protocol.Array([]protocol.Value{protocol.BulkStringFrom("dbfilename"), protocol.BulkStringFrom(e.dbfilename)})), nil, nil
	default:
		return one(protocol.Array(nil)), nil, nil
	}
}

// handleReplconf answers every REPLCONF subcommand with OK. LISTENING-PORT
// and CAPA carry no behavior here beyond the handshake itself; CAPA's value
// is only logged, never acted on.
func (e *Engine) handleReplconf(args []string) ([]protocol.Value, *PromoteInfo, error) {
	if len(args) >= 2 && strings.EqualFold(args[0], "capa") {
		e.logger.Debug().Str("capa", args[1]).Msg("replconf capa")
	}
	return one(protocol.SimpleString("OK")), nil, nil
}

func (e *Engine) handlePSYNC(args []string) ([]protocol.Value, *PromoteInfo, error) {
	if e.master == nil {
		return nil, nil, fmt.Errorf("ERR PSYNC is only valid against a master")
	}
	if len(args) != 2 {
		return nil, nil, fmt.Errorf("ERR wrong number of arguments for 'psync' command")
	}

	replID, offset := args[0], args[1]
	if !(replID == "?" && offset == "-1") && replID != e.master.ReplID() {
		return nil, nil, fmt.Errorf("ERR unsupported PSYNC request")
	}

	id, replay := e.master.AttachReplica()

	replies := make([]protocol.Value, 0, len(replay)+2)
	replies = append(replies,
		protocol.SimpleString(fmt.Sprintf("FULLRESYNC %s 0", e.master.ReplID())),
		protocol.File(snapshot.CanonicalEmpty()),
	)
	replies = append(replies, replay...)

	return replies, &PromoteInfo{ReplicaID: id}, nil
}

func (e *Engine) handleWait(args []string) ([]protocol.Value, *PromoteInfo, error) {
	if e.master == nil {
		return nil, nil, fmt.Errorf("ERR WAIT is only valid against a master")
	}
	if len(args) != 2 {
		return nil, nil, fmt.Errorf("ERR wrong number of arguments for 'wait' command")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return nil, nil, fmt.Errorf("ERR value is not an integer or out of range")
	}
	timeoutMS, err := strconv.Atoi(args[1])
	if err != nil {
		return nil, nil, fmt.Errorf("ERR value is not an integer or out of range")
	}

	count := e.master.Wait(n, time.Duration(timeoutMS)*time.Millisecond)
	return one(protocol.Integer(int64(count))), nil, nil
}
