package engine

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"goredis/internal/command"
	"goredis/internal/protocol"
	"goredis/internal/store"
)

type fakeMaster struct {
	replID     string
	propagated []protocol.Value
	replay     []protocol.Value
	waitResult int
}

func (f *fakeMaster) Role() string   { return "master" }
func (f *fakeMaster) ReplID() string { return f.replID }
func (f *fakeMaster) Offset() int64  { return int64(len(f.propagated)) }
func (f *fakeMaster) Propagate(frame protocol.Value) {
	f.propagated = append(f.propagated, frame)
}
func (f *fakeMaster) AttachReplica() (string, []protocol.Value) {
	return "replica-1", f.replay
}
func (f *fakeMaster) Wait(n int, timeout time.Duration) int { return f.waitResult }

type fakeReplica struct{ replID string }

func (f *fakeReplica) Role() string   { return "slave" }
func (f *fakeReplica) ReplID() string { return f.replID }
func (f *fakeReplica) Offset() int64  { return 0 }

func newTestEngine(master MasterControl, repl ReplicationInfo) *Engine {
	return New(store.NewStore(zerolog.Nop()), repl, master, nil, Config{Dir: "/data", DBFilename: "rds"}, zerolog.Nop())
}

func mustParse(t *testing.T, parts ...string) command.Command {
	t.Helper()
	items := make([]protocol.Value, len(parts))
	for i, p := range parts {
		items[i] = protocol.BulkStringFrom(p)
	}
	cmd, err := command.Parse(protocol.Array(items))
	require.NoError(t, err)
	return cmd
}

func TestPing(t *testing.T) {
	fm := &fakeMaster{replID: "abc"}
	e := newTestEngine(fm, fm)
	replies, promote, err := e.Execute(mustParse(t, "PING"))
	require.NoError(t, err)
	require.Nil(t, promote)
	require.Equal(t, protocol.SimpleString("PONG"), replies[0])
}

func TestSetGetRoundTrip(t *testing.T) {
	fm := &fakeMaster{replID: "abc"}
	e := newTestEngine(fm, fm)

	_, _, err := e.Execute(mustParse(t, "SET", "foo", "bar"))
	require.NoError(t, err)
	require.Len(t, fm.propagated, 1)

	replies, _, err := e.Execute(mustParse(t, "GET", "foo"))
	require.NoError(t, err)
	require.Equal(t, "bar", replies[0].String())
}

func TestGetMissingKeyReturnsNull(t *testing.T) {
	fm := &fakeMaster{replID: "abc"}
	e := newTestEngine(fm, fm)
	replies, _, err := e.Execute(mustParse(t, "GET", "nope"))
	require.NoError(t, err)
	require.True(t, replies[0].IsNull())
}

func TestMutatingCommandRejectedOnReplica(t *testing.T) {
	fr := &fakeReplica{replID: "abc"}
	e := newTestEngine(nil, fr)
	_, _, err := e.Execute(mustParse(t, "SET", "foo", "bar"))
	require.Error(t, err)
	require.ErrorIs(t, err, command.ErrProtocol)
}

func TestUnknownCommandIsProtocolError(t *testing.T) {
	fm := &fakeMaster{replID: "abc"}
	e := newTestEngine(fm, fm)
	_, _, err := e.Execute(mustParse(t, "NOTACOMMAND"))
	require.Error(t, err)
	require.ErrorIs(t, err, command.ErrProtocol)
}

func TestTypeAndKeys(t *testing.T) {
	fm := &fakeMaster{replID: "abc"}
	e := newTestEngine(fm, fm)
	_, _, err := e.Execute(mustParse(t, "SET", "foo", "bar"))
	require.NoError(t, err)

	replies, _, err := e.Execute(mustParse(t, "TYPE", "foo"))
	require.NoError(t, err)
	require.Equal(t, protocol.SimpleString("string"), replies[0])

	replies, _, err = e.Execute(mustParse(t, "TYPE", "missing"))
	require.NoError(t, err)
	require.Equal(t, protocol.SimpleString("none"), replies[0])

	replies, _, err = e.Execute(mustParse(t, "KEYS", "*"))
	require.NoError(t, err)
	require.Len(t, replies[0].Array, 1)
}

func TestXAddAndXRange(t *testing.T) {
	fm := &fakeMaster{replID: "abc"}
	e := newTestEngine(fm, fm)

	replies, _, err := e.Execute(mustParse(t, "XADD", "s", "1-1", "a", "1"))
	require.NoError(t, err)
	require.Equal(t, "1-1", replies[0].String())

	_, _, err = e.Execute(mustParse(t, "XADD", "s", "2-1", "a", "2"))
	require.NoError(t, err)

	replies, _, err = e.Execute(mustParse(t, "XRANGE", "s", "-", "+"))
	require.NoError(t, err)
	require.Len(t, replies[0].Array, 2)
}

func TestXReadNonBlockingEmpty(t *testing.T) {
	fm := &fakeMaster{replID: "abc"}
	e := newTestEngine(fm, fm)
	_, _, err := e.Execute(mustParse(t, "XADD", "s", "1-1", "a", "1"))
	require.NoError(t, err)

	replies, _, err := e.Execute(mustParse(t, "XREAD", "STREAMS", "s", "1-1"))
	require.NoError(t, err)
	require.True(t, replies[0].IsNull())
}

func TestXReadBlockingWakesOnNewRecord(t *testing.T) {
	fm := &fakeMaster{replID: "abc"}
	e := newTestEngine(fm, fm)
	_, _, err := e.Execute(mustParse(t, "XADD", "s", "1-1", "a", "1"))
	require.NoError(t, err)

	result := make(chan []protocol.Value, 1)
	go func() {
		replies, _, err := e.Execute(mustParse(t, "XREAD", "BLOCK", "1000", "STREAMS", "s", "$"))
		require.NoError(t, err)
		result <- replies
	}()

	time.Sleep(20 * time.Millisecond)
	_, _, err = e.Execute(mustParse(t, "XADD", "s", "2-1", "a", "2"))
	require.NoError(t, err)

	replies := <-result
	require.False(t, replies[0].IsNull())
	require.Len(t, replies[0].Array, 1)
}

func TestInfoReplicationMaster(t *testing.T) {
	fm := &fakeMaster{replID: "replid-123"}
	e := newTestEngine(fm, fm)
	replies, _, err := e.Execute(mustParse(t, "INFO", "REPLICATION"))
	require.NoError(t, err)
	require.Contains(t, replies[0].String(), "role:master")
	require.Contains(t, replies[0].String(), "replid-123")
}

func TestConfigGetDir(t *testing.T) {
	fm := &fakeMaster{replID: "abc"}
	e := newTestEngine(fm, fm)
	replies, _, err := e.Execute(mustParse(t, "CONFIG", "GET", "dir"))
	require.NoError(t, err)
	require.Equal(t, "dir", replies[0].Array[0].String())
	require.Equal(t, "/data", replies[0].Array[1].String())
}

func TestPsyncPromotesConnection(t *testing.T) {
	fm := &fakeMaster{replID: "abc"}
	e := newTestEngine(fm, fm)
	replies, promote, err := e.Execute(mustParse(t, "PSYNC", "?", "-1"))
	require.NoError(t, err)
	require.NotNil(t, promote)
	require.Equal(t, "replica-1", promote.ReplicaID)
	require.Equal(t, protocol.KindSimpleString, replies[0].Kind)
	require.Equal(t, protocol.KindFile, replies[1].Kind)
}

func TestWaitDelegatesToMaster(t *testing.T) {
	fm := &fakeMaster{replID: "abc", waitResult: 2}
	e := newTestEngine(fm, fm)
	replies, _, err := e.Execute(mustParse(t, "WAIT", "2", "100"))
	require.NoError(t, err)
	require.Equal(t, protocol.Integer(2), replies[0])
}
