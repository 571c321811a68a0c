package lsmkv

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/lsmkv/config"
)

func testOptions(t *testing.T) config.Options {
	t.Helper()
	return config.Options{Path: t.TempDir()}
}

func openTree(t *testing.T, opts config.Options) *Tree {
	t.Helper()
	tree, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tree.Close() })
	return tree
}

func rangeKV(t *testing.T, tree *Tree, start, end []byte) [][2]string {
	t.Helper()
	it, err := tree.Range(start, end)
	require.NoError(t, err)
	defer it.Close()

	var out [][2]string
	for it.Next() {
		out = append(out, [2]string{string(it.Key()), string(it.Value())})
	}
	require.NoError(t, it.Err())
	return out
}

// TestRoundTrip covers basic insert/get/range.
func TestRoundTrip(t *testing.T) {
	tree := openTree(t, testOptions(t))

	require.NoError(t, tree.Insert([]byte("a"), []byte("1")))
	require.NoError(t, tree.Insert([]byte("b"), []byte("2")))

	v, err := tree.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	v, err = tree.Get([]byte("b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)

	got := rangeKV(t, tree, []byte("a"), []byte("c"))
	assert.Equal(t, [][2]string{{"a", "1"}, {"b", "2"}}, got)
}

// TestTombstoneShadowsAcrossFlushAndCompaction checks a removed key
// stays absent through flush and compaction.
func TestTombstoneShadowsAcrossFlushAndCompaction(t *testing.T) {
	opts := testOptions(t)
	opts.MaxWriteBufferSizeInBytes = 1 // force every insert to seal
	opts.Level0FileLimit = 2           // two flushed segments trigger an L0->L1 compaction
	tree := openTree(t, opts)

	require.NoError(t, tree.Insert([]byte("k"), []byte("v")))
	require.NoError(t, tree.Remove([]byte("k")))

	_, err := tree.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	got := rangeKV(t, tree, nil, nil)
	assert.Empty(t, got)

	// The writes above already forced two flushes via the tiny write
	// buffer, and the two L0 segments trigger a compaction; wait until it
	// has committed (L0 drained into L1) and re-check the same invariant.
	waitForCondition(t, func() bool {
		levels := tree.manifest.Snapshot()
		if len(levels) < 2 || len(levels[0].Segments) != 0 {
			return false
		}
		n, err := tree.Len()
		return err == nil && n == 0
	})

	_, err = tree.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

// TestCompareAndSwap covers the match and mismatch outcomes.
func TestCompareAndSwap(t *testing.T) {
	tree := openTree(t, testOptions(t))

	require.NoError(t, tree.Insert([]byte("k"), []byte("a")))

	err := tree.CompareAndSwap([]byte("k"), []byte("a"), []byte("b"))
	require.NoError(t, err)

	v, err := tree.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), v)

	err = tree.CompareAndSwap([]byte("k"), []byte("a"), []byte("c"))
	var mismatch *CASMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, []byte("b"), mismatch.Prev)
	assert.Equal(t, []byte("c"), mismatch.Next)
}

// TestCompareAndSwapEmptyValueIsPresent checks that a key holding an
// empty value is treated as present: expecting "absent" (nil) must
// mismatch, while expecting the empty value itself must match.
func TestCompareAndSwapEmptyValueIsPresent(t *testing.T) {
	tree := openTree(t, testOptions(t))

	require.NoError(t, tree.Insert([]byte("k"), []byte{}))

	err := tree.CompareAndSwap([]byte("k"), nil, []byte("v"))
	var mismatch *CASMismatchError
	require.ErrorAs(t, err, &mismatch, "empty value must not match an absent expectation")
	assert.NotNil(t, mismatch.Prev)
	assert.Empty(t, mismatch.Prev)

	require.NoError(t, tree.CompareAndSwap([]byte("k"), []byte{}, []byte("v")))

	v, err := tree.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

// TestCompareAndSwapAbsentKeyRejectsEmptyExpectation is the mirror
// case: a genuinely absent key must not match an expected empty value.
func TestCompareAndSwapAbsentKeyRejectsEmptyExpectation(t *testing.T) {
	tree := openTree(t, testOptions(t))

	err := tree.CompareAndSwap([]byte("missing"), []byte{}, []byte("v"))
	var mismatch *CASMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Nil(t, mismatch.Prev)

	_, err = tree.Get([]byte("missing"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

// TestFetchUpdateReturnsPreImage checks that FetchUpdate returns the
// value f was called with, not the value it produced.
func TestFetchUpdateReturnsPreImage(t *testing.T) {
	tree := openTree(t, testOptions(t))

	require.NoError(t, tree.Insert([]byte("counter"), []byte("1")))

	got, err := tree.FetchUpdate([]byte("counter"), func(cur []byte) []byte {
		return []byte("2")
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got, "FetchUpdate must return the pre-update value")

	v, err := tree.Get([]byte("counter"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)
}

// TestUpdateFetchReturnsPostImage checks that UpdateFetch returns the
// value f produced, not the value it was called with.
func TestUpdateFetchReturnsPostImage(t *testing.T) {
	tree := openTree(t, testOptions(t))

	require.NoError(t, tree.Insert([]byte("counter"), []byte("1")))

	got, err := tree.UpdateFetch([]byte("counter"), func(cur []byte) []byte {
		return []byte("2")
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), got, "UpdateFetch must return the post-update value")

	v, err := tree.Get([]byte("counter"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)
}

// TestFetchUpdateOnAbsentKey checks that f observes nil for a key with
// no prior value and that the pre-image returned is nil too.
func TestFetchUpdateOnAbsentKey(t *testing.T) {
	tree := openTree(t, testOptions(t))

	got, err := tree.FetchUpdate([]byte("new"), func(cur []byte) []byte {
		assert.Nil(t, cur)
		return []byte("first")
	})
	require.NoError(t, err)
	assert.Nil(t, got)

	v, err := tree.Get([]byte("new"))
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), v)
}

// TestSnapshotIsolation checks a snapshot never observes writes
// committed after it was taken.
func TestSnapshotIsolation(t *testing.T) {
	tree := openTree(t, testOptions(t))

	require.NoError(t, tree.Insert([]byte("x"), []byte("1")))
	snap := tree.Snapshot()
	defer snap.Release()

	require.NoError(t, tree.Insert([]byte("x"), []byte("2")))

	v, err := snap.Get([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	v, err = tree.Get([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)
}

// TestBatchCommitIsAtomic checks every item of a committed batch
// becomes visible together under one seqno.
func TestBatchCommitIsAtomic(t *testing.T) {
	tree := openTree(t, testOptions(t))

	b := tree.Batch()
	b.Insert([]byte("a"), []byte("1"))
	b.Insert([]byte("b"), []byte("2"))
	b.Insert([]byte("c"), []byte("3"))
	seqno, err := b.Commit()
	require.NoError(t, err)
	assert.NotZero(t, seqno)

	for _, kv := range [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}} {
		v, err := tree.Get([]byte(kv[0]))
		require.NoError(t, err)
		assert.Equal(t, []byte(kv[1]), v)
	}
}

// TestRangeOrderingAndDedup checks range output is ascending with no
// duplicate keys, newest version winning.
func TestRangeOrderingAndDedup(t *testing.T) {
	tree := openTree(t, testOptions(t))

	keys := []string{"d", "b", "a", "c"}
	for _, k := range keys {
		require.NoError(t, tree.Insert([]byte(k), []byte("v1")))
	}
	require.NoError(t, tree.Insert([]byte("b"), []byte("v2")))

	got := rangeKV(t, tree, nil, nil)
	require.Len(t, got, 4)

	var gotKeys []string
	for _, kv := range got {
		gotKeys = append(gotKeys, kv[0])
	}
	sorted := append([]string(nil), gotKeys...)
	sort.Strings(sorted)
	assert.Equal(t, sorted, gotKeys, "range output must be ascending")

	for _, kv := range got {
		if kv[0] == "b" {
			assert.Equal(t, "v2", kv[1])
		}
	}
}

// TestPrefixIteration checks Prefix against a mix of matching and
// non-matching keys.
func TestPrefixIteration(t *testing.T) {
	tree := openTree(t, testOptions(t))

	for _, k := range []string{"app", "apple", "application", "banana"} {
		require.NoError(t, tree.Insert([]byte(k), []byte("v")))
	}

	it, err := tree.Prefix([]byte("app"))
	require.NoError(t, err)
	defer it.Close()

	var got []string
	for it.Next() {
		got = append(got, string(it.Key()))
	}
	require.NoError(t, it.Err())
	assert.ElementsMatch(t, []string{"app", "apple", "application"}, got)
}

// TestCrashTornBatchNotVisible checks a batch whose End marker never
// made it to disk leaves none of its items visible after recovery.
func TestCrashTornBatchNotVisible(t *testing.T) {
	opts := testOptions(t)
	tree, err := Open(opts)
	require.NoError(t, err)

	require.NoError(t, tree.Insert([]byte("before"), []byte("1")))

	b := tree.Batch()
	b.Insert([]byte("x"), []byte("1"))
	b.Insert([]byte("y"), []byte("2"))
	b.Insert([]byte("z"), []byte("3"))
	_, err = b.Commit()
	require.NoError(t, err)

	require.NoError(t, tree.Close())

	// Simulate a crash that tore the tail of the last batch's End marker
	// off the active journal shard.
	truncateLastJournalShard(t, opts.Path, 5)

	tree2, err := Open(opts)
	require.NoError(t, err)
	defer tree2.Close()

	v, err := tree2.Get([]byte("before"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	for _, k := range []string{"x", "y", "z"} {
		_, err := tree2.Get([]byte(k))
		assert.ErrorIs(t, err, ErrKeyNotFound, "torn batch key %q must not be visible", k)
	}
}

// TestRecoveryAfterCleanClose checks data written and flushed before a
// clean close is visible after reopening.
func TestRecoveryAfterCleanClose(t *testing.T) {
	opts := testOptions(t)
	tree, err := Open(opts)
	require.NoError(t, err)

	require.NoError(t, tree.Insert([]byte("k1"), []byte("v1")))
	require.NoError(t, tree.Insert([]byte("k2"), []byte("v2")))
	require.NoError(t, tree.Flush())
	require.NoError(t, tree.Close())

	tree2, err := Open(opts)
	require.NoError(t, err)
	defer tree2.Close()

	v, err := tree2.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)
	v, err = tree2.Get([]byte("k2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)
}

// truncateLastJournalShard removes the last n bytes from the
// most-recently-written shard file under dbPath/journals, simulating a
// torn tail left by a crash mid-fsync. Each shard lives in its own
// directory; ids are millis-prefixed so the lexicographically greatest
// non-empty shard is the newest one with data.
func truncateLastJournalShard(t *testing.T, dbPath string, cutBytes int64) {
	t.Helper()
	journalDir := filepath.Join(dbPath, "journals")
	entries, err := os.ReadDir(journalDir)
	require.NoError(t, err)

	var latest string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		shardFile := filepath.Join(journalDir, e.Name(), "shard.journal")
		info, err := os.Stat(shardFile)
		if err != nil || info.Size() == 0 {
			continue
		}
		if latest == "" || e.Name() > latest {
			latest = e.Name()
		}
	}
	require.NotEmpty(t, latest, "expected at least one journal shard with data")

	path := filepath.Join(journalDir, latest, "shard.journal")
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Greater(t, info.Size(), cutBytes)

	require.NoError(t, os.Truncate(path, info.Size()-cutBytes))
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before deadline")
	}
}
