package logstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardkit/raft/internal/fiber"
	"github.com/shardkit/raft/internal/raftpb"
)

const testSegSize = 4096 // small power-of-two segment so rollover is exercised cheaply

func mustItem(idx uint64, term, prevTerm uint32, body string) *raftpb.LogItem {
	return &raftpb.LogItem{
		Index:       idx,
		Term:        term,
		PrevLogTerm: prevTerm,
		Type:        raftpb.ItemNormal,
		Header:      []byte{0x01},
		Body:        []byte(body),
	}
}

func TestStoreAppendAndGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	st, res, err := Open(dir, testSegSize)
	require.NoError(t, err)
	require.False(t, res.HasAny)
	defer st.Close()

	items := []*raftpb.LogItem{
		mustItem(1, 1, 0, "one"),
		mustItem(2, 1, 1, "two"),
		mustItem(3, 1, 1, "three"),
	}
	_, err = st.Append(items)
	require.NoError(t, err)

	last, ok := st.LastIndex()
	require.True(t, ok)
	require.Equal(t, uint64(3), last)

	got, err := st.Get(2)
	require.NoError(t, err)
	require.Equal(t, "two", string(got.Body))
}

func TestStoreTermMonotonicityAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	st, _, err := Open(dir, testSegSize)
	require.NoError(t, err)

	require.NoError(t, st.WriteStatus(Status{CurrentTerm: 4, VotedFor: 7}))
	require.NoError(t, st.Close())

	st2, _, err := Open(dir, testSegSize)
	require.NoError(t, err)
	defer st2.Close()

	got, err := st2.ReadStatus()
	require.NoError(t, err)
	require.Equal(t, uint32(4), got.CurrentTerm)
	require.Equal(t, uint64(7), got.VotedFor)
}

func TestStoreRolloverAcrossSegments(t *testing.T) {
	dir := t.TempDir()
	st, _, err := Open(dir, testSegSize)
	require.NoError(t, err)
	defer st.Close()

	body := make([]byte, 512)
	var all []*raftpb.LogItem
	for i := uint64(1); i <= 20; i++ {
		all = append(all, mustItem(i, 1, 1, string(body)))
	}

	_, err = st.Append(all)
	require.NoError(t, err)
	require.Greater(t, len(st.segments), 1, "expected rollover to have created more than one segment")

	got, err := st.Get(15)
	require.NoError(t, err)
	require.Equal(t, uint64(15), got.Index)
}

func TestStoreRestoreAfterReopen(t *testing.T) {
	dir := t.TempDir()
	st, _, err := Open(dir, testSegSize)
	require.NoError(t, err)

	items := []*raftpb.LogItem{
		mustItem(1, 2, 0, "a"),
		mustItem(2, 2, 2, "b"),
	}
	_, err = st.Append(items)
	require.NoError(t, err)
	require.NoError(t, st.Force())
	require.NoError(t, st.Close())

	st2, res, err := Open(dir, testSegSize)
	require.NoError(t, err)
	defer st2.Close()

	require.True(t, res.HasAny)
	require.Equal(t, uint64(2), res.LastIndex)

	got, err := st2.Get(1)
	require.NoError(t, err)
	require.Equal(t, "a", string(got.Body))
}

func TestStoreTruncateFromDropsConflictingSuffix(t *testing.T) {
	dir := t.TempDir()
	st, _, err := Open(dir, testSegSize)
	require.NoError(t, err)
	defer st.Close()

	items := []*raftpb.LogItem{
		mustItem(1, 1, 0, "a"),
		mustItem(2, 1, 1, "b"),
		mustItem(3, 1, 1, "c"),
	}
	_, err = st.Append(items)
	require.NoError(t, err)

	require.NoError(t, st.TruncateFrom(2))

	last, ok := st.LastIndex()
	require.True(t, ok)
	require.Equal(t, uint64(1), last)

	_, err = st.Get(2)
	require.Error(t, err)

	_, err = st.Append([]*raftpb.LogItem{mustItem(2, 2, 1, "b2")})
	require.NoError(t, err)
	got, err := st.Get(2)
	require.NoError(t, err)
	require.Equal(t, "b2", string(got.Body))
}

// TestStoreCrashMidFsyncTruncatesTornTail simulates a crash that wrote
// only part of an entry's encoded bytes to disk before the process died,
// without ever calling Force for that entry: restore must stop exactly
// before the torn frame, and a subsequent append must be able to reuse
// its index (spec.md §8 scenario 3 "Crash mid-fsync").
func TestStoreCrashMidFsyncTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	st, _, err := Open(dir, testSegSize)
	require.NoError(t, err)

	var committed []*raftpb.LogItem
	for i := uint64(1); i <= 10; i++ {
		committed = append(committed, mustItem(i, 1, 1, "payload"))
	}
	_, err = st.Append(committed)
	require.NoError(t, err)
	require.NoError(t, st.Force())

	posBeforeEleven := st.tail.writePos

	// index 11's bytes land in the page cache via Append but the process
	// "crashes" before Force ever runs for them.
	torn := mustItem(11, 1, 1, "eleven")
	_, err = st.Append([]*raftpb.LogItem{torn})
	require.NoError(t, err)

	tailStart := st.tail.startPos
	tailPath := filepath.Join(dir, segmentName(tailStart))
	fullSize := st.tail.writePos
	require.NoError(t, st.Close())

	// truncate away the second half of index 11's frame specifically, as
	// a power-loss mid-write would leave it, without touching indices
	// 1-10's already-forced bytes.
	tornSize := int64(posBeforeEleven) + (int64(fullSize)-int64(posBeforeEleven))/2
	require.NoError(t, os.Truncate(tailPath, tornSize))

	st2, res, err := Open(dir, testSegSize)
	require.NoError(t, err)
	defer st2.Close()

	require.True(t, res.HasAny)
	require.Equal(t, uint64(10), res.LastIndex, "torn index 11 frame must not be replayed")

	last, ok := st2.LastIndex()
	require.True(t, ok)
	require.Equal(t, uint64(10), last)

	// the store must accept a fresh write reusing index 11.
	_, err = st2.Append([]*raftpb.LogItem{mustItem(11, 2, 1, "eleven-again")})
	require.NoError(t, err)
	got, err := st2.Get(11)
	require.NoError(t, err)
	require.Equal(t, "eleven-again", string(got.Body))
}

func TestStoreAppendAsyncCompletesFuture(t *testing.T) {
	dir := t.TempDir()
	st, _, err := Open(dir, testSegSize)
	require.NoError(t, err)
	defer st.Close()

	pool := fiber.NewPool(1)
	defer pool.Close()
	g := pool.NewGroup("test")

	done := make(chan error, 1)
	g.FireFiber(func(f *fiber.Fiber, r fiber.Result) fiber.Outcome {
		fu := st.AppendAsync(g, []*raftpb.LogItem{mustItem(1, 1, 0, "x")})
		return fiber.AwaitOn(fu, 0, func(f *fiber.Fiber, r fiber.Result) fiber.Outcome {
			done <- r.Err
			return fiber.Return(nil)
		})
	})

	err = <-done
	require.NoError(t, err)
	last, ok := st.LastIndex()
	require.True(t, ok)
	require.Equal(t, uint64(1), last)
}
