package store

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestStore() *Store {
	return NewStore(zerolog.Nop())
}

func TestInsertAndGetValue(t *testing.T) {
	s := newTestStore()
	now := time.Now()
	s.InsertValue("foo", []byte("bar"), nil)

	v, ok := s.GetValue("foo", now)
	require.True(t, ok)
	require.Equal(t, []byte("bar"), v)
	require.Equal(t, StringType, s.GetType("foo", now))
}

func TestValueExpiresAfterPX(t *testing.T) {
	s := newTestStore()
	now := time.Now()
	expiresAt := now.Add(10 * time.Millisecond)
	s.InsertValue("foo", []byte("bar"), &expiresAt)

	_, ok := s.GetValue("foo", now)
	require.True(t, ok)

	_, ok = s.GetValue("foo", now.Add(20*time.Millisecond))
	require.False(t, ok)
	require.Equal(t, ValueType(-1), s.GetType("foo", now.Add(20*time.Millisecond)))
}

func TestKeysExcludesExpired(t *testing.T) {
	s := newTestStore()
	now := time.Now()
	past := now.Add(-time.Second)
	s.InsertValue("live", []byte("1"), nil)
	s.InsertValue("dead", []byte("2"), &past)

	require.ElementsMatch(t, []string{"live"}, s.Keys(now))
}

func TestInsertStreamAutoID(t *testing.T) {
	s := newTestStore()
	id1, err := s.InsertStream("stream", "5-*", [][2]string{{"a", "1"}}, 1000)
	require.NoError(t, err)
	require.Equal(t, StreamRecordID{MS: 5, Seq: 0}, id1)

	id2, err := s.InsertStream("stream", "5-*", [][2]string{{"a", "2"}}, 1000)
	require.NoError(t, err)
	require.Equal(t, StreamRecordID{MS: 5, Seq: 1}, id2)

	id3, err := s.InsertStream("stream", "*", nil, 9999)
	require.NoError(t, err)
	require.Equal(t, StreamRecordID{MS: 5, Seq: 2}, id3)
}

func TestInsertStreamRejectsNonIncreasingID(t *testing.T) {
	s := newTestStore()
	_, err := s.InsertStream("stream", "5-5", nil, 0)
	require.NoError(t, err)

	_, err = s.InsertStream("stream", "5-5", nil, 0)
	require.Error(t, err)

	_, err = s.InsertStream("stream", "4-9", nil, 0)
	require.Error(t, err)
}

func TestInsertStreamRejectsZeroZero(t *testing.T) {
	s := newTestStore()
	_, err := s.InsertStream("stream", "0-0", nil, 0)
	require.Error(t, err)
}

func TestInsertStreamOnStringKeyFails(t *testing.T) {
	s := newTestStore()
	s.InsertValue("k", []byte("v"), nil)
	_, err := s.InsertStream("k", "*", nil, 0)
	require.Error(t, err)
}

func TestRangeStreamInclusive(t *testing.T) {
	s := newTestStore()
	_, _ = s.InsertStream("s", "1-1", [][2]string{{"a", "1"}}, 0)
	_, _ = s.InsertStream("s", "2-1", [][2]string{{"a", "2"}}, 0)
	_, _ = s.InsertStream("s", "3-1", [][2]string{{"a", "3"}}, 0)

	recs, err := s.RangeStream("s", StreamRecordID{MS: 2, Seq: 0}, MaxStreamID)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "2-1", recs[0].ID.String())
	require.Equal(t, "3-1", recs[1].ID.String())
}

func TestLatestStreamIDIsMinWhenEmpty(t *testing.T) {
	s := newTestStore()
	require.Equal(t, MinStreamID, s.LatestStreamID("missing"))
}

func TestAddListenerRejectsMissingKey(t *testing.T) {
	s := newTestStore()
	l := NewListener()
	err := s.AddListener([]string{"nope"}, l)
	require.Error(t, err)
}

func TestBlockingListenerWakesOnInsert(t *testing.T) {
	s := newTestStore()
	_, err := s.InsertStream("s", "1-1", nil, 0)
	require.NoError(t, err)

	l := NewListener()
	require.NoError(t, s.AddListener([]string{"s"}, l))

	done := make(chan bool, 1)
	go func() {
		done <- l.Wait(time.Second, func(key string, id StreamRecordID) bool {
			return key == "s" && id.Greater(StreamRecordID{MS: 1, Seq: 1})
		})
	}()

	time.Sleep(20 * time.Millisecond)
	_, err = s.InsertStream("s", "2-1", nil, 0)
	require.NoError(t, err)

	require.True(t, <-done)
}

func TestBlockingListenerTimesOut(t *testing.T) {
	s := newTestStore()
	_, err := s.InsertStream("s", "1-1", nil, 0)
	require.NoError(t, err)

	l := NewListener()
	require.NoError(t, s.AddListener([]string{"s"}, l))

	woke := l.Wait(30*time.Millisecond, func(string, StreamRecordID) bool { return true })
	require.False(t, woke)
}
