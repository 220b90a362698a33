package tracker

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cainmagi/dash-uploader/pkg/api"
)

const mb = int64(1024 * 1024)

func TestRegisterIdempotent(t *testing.T) {
	tr := New()

	f1, err := tr.Register("sess", "a.bin", 3, 3*mb, mb, 1, 0)
	require.NoError(t, err)
	require.NotNil(t, f1)

	f2, err := tr.Register("sess", "a.bin", 3, 3*mb, mb, 1, 0)
	require.NoError(t, err)
	assert.Same(t, f1, f2)

	_, err = tr.Register("sess", "a.bin", 4, 3*mb, mb, 1, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatched metadata")
}

func TestNTotalMovesUpwardOnly(t *testing.T) {
	tr := New()

	_, err := tr.Register("sess", "a.bin", 1, mb, mb, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Snapshot("sess").NTotal)

	_, err = tr.Register("sess", "b.bin", 1, mb, mb, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Snapshot("sess").NTotal)

	_, err = tr.Register("sess", "c.bin", 1, mb, mb, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, tr.Snapshot("sess").NTotal)
}

func TestMarkChunkReceivedDeduplicates(t *testing.T) {
	tr := New()
	_, err := tr.Register("sess", "a.bin", 3, 3*mb, mb, 1, 0)
	require.NoError(t, err)

	assert.True(t, tr.MarkChunkReceived("sess", "a.bin", 1, mb))
	assert.False(t, tr.MarkChunkReceived("sess", "a.bin", 1, mb))

	f := tr.File("sess", "a.bin")
	require.NotNil(t, f)
	assert.Equal(t, 1, f.ReceivedCount())
	assert.Equal(t, mb, f.ReceivedBytes())
	assert.False(t, f.IsComplete())

	tr.MarkChunkReceived("sess", "a.bin", 2, mb)
	tr.MarkChunkReceived("sess", "a.bin", 3, mb)
	assert.True(t, f.IsComplete())
	assert.Equal(t, []int{1, 2, 3}, f.ReceivedIndices())
}

func TestStatusMovesForwardOnly(t *testing.T) {
	tr := New()
	_, err := tr.Register("sess", "a.bin", 1, mb, mb, 1, 0)
	require.NoError(t, err)

	assert.True(t, tr.MarkAssembling("sess", "a.bin"))
	// A concurrent request observing completion loses the race.
	assert.False(t, tr.MarkAssembling("sess", "a.bin"))

	tr.MarkCompleted("sess", "a.bin", "/up/sess/a.bin")
	f := tr.File("sess", "a.bin")
	assert.Equal(t, api.StatusCompleted, f.Status)

	// Completed never demotes.
	tr.RevertToUploading("sess", "a.bin")
	assert.Equal(t, api.StatusCompleted, f.Status)
	assert.False(t, tr.MarkAssembling("sess", "a.bin"))

	// Repeated completion does not duplicate the file list entry.
	tr.MarkCompleted("sess", "a.bin", "/up/sess/a.bin")
	assert.Len(t, tr.Snapshot("sess").UploadedFiles, 1)
}

func TestRevertToUploading(t *testing.T) {
	tr := New()
	_, err := tr.Register("sess", "a.bin", 1, mb, mb, 1, 0)
	require.NoError(t, err)

	require.True(t, tr.MarkAssembling("sess", "a.bin"))
	tr.RevertToUploading("sess", "a.bin")
	assert.Equal(t, api.StatusUploading, tr.File("sess", "a.bin").Status)
	// The completing chunk can trigger assembly again.
	assert.True(t, tr.MarkAssembling("sess", "a.bin"))
}

func TestSnapshot(t *testing.T) {
	tr := New()
	_, err := tr.Register("sess", "a.bin", 2, 2*mb, mb, 2, 0)
	require.NoError(t, err)
	_, err = tr.Register("sess", "b.bin", 1, 2*mb, 2*mb, 2, 0)
	require.NoError(t, err)

	tr.MarkChunkReceived("sess", "a.bin", 1, mb)
	tr.MarkChunkReceived("sess", "a.bin", 2, mb)
	tr.MarkCompleted("sess", "a.bin", "/up/sess/a.bin")

	st := tr.Snapshot("sess")
	assert.Equal(t, []string{"/up/sess/a.bin"}, st.UploadedFiles)
	assert.Equal(t, "/up/sess/a.bin", st.LatestFile)
	assert.Equal(t, 1, st.NUploaded)
	assert.Equal(t, 2, st.NTotal)
	assert.False(t, st.IsCompleted)
	assert.InDelta(t, 2.0, st.UploadedSizeMb, 1e-9)
	assert.InDelta(t, 4.0, st.TotalSizeMb, 1e-9)
	assert.InDelta(t, 0.5, st.Progress, 1e-9)

	tr.MarkChunkReceived("sess", "b.bin", 1, 2*mb)
	tr.MarkCompleted("sess", "b.bin", "/up/sess/b.bin")

	st = tr.Snapshot("sess")
	assert.True(t, st.IsCompleted)
	assert.Equal(t, "/up/sess/b.bin", st.LatestFile)
	assert.InDelta(t, 1.0, st.Progress, 1e-9)
}

func TestSnapshotUnknownSession(t *testing.T) {
	tr := New()
	st := tr.Snapshot("ghost")
	assert.Equal(t, "ghost", st.UploadID)
	assert.Empty(t, st.UploadedFiles)
	assert.False(t, st.IsCompleted)
	assert.Zero(t, st.Progress)
}

func TestBumpIsMonotonic(t *testing.T) {
	tr := New()
	assert.Equal(t, uint64(1), tr.Bump("sess"))
	assert.Equal(t, uint64(2), tr.Bump("sess"))
	// Counters are per session.
	assert.Equal(t, uint64(1), tr.Bump("other"))
}

func TestFileLockDistinctPerFile(t *testing.T) {
	tr := New()
	l1 := tr.FileLock("sess", "a.bin")
	l2 := tr.FileLock("sess", "a.bin")
	l3 := tr.FileLock("sess", "b.bin")
	assert.Same(t, l1, l2)
	assert.NotSame(t, l1, l3)
}

func TestDeclaredSize(t *testing.T) {
	tr := New()
	assert.Zero(t, tr.DeclaredSize("sess"))
	_, err := tr.Register("sess", "a.bin", 1, mb, mb, 1, 0)
	require.NoError(t, err)
	_, err = tr.Register("sess", "b.bin", 1, 3*mb, 3*mb, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 4*mb, tr.DeclaredSize("sess"))
}

func TestRegisterSessionCeiling(t *testing.T) {
	tr := New()

	_, err := tr.Register("sess", "a.bin", 1, 8*mb, 8*mb, 3, 15*mb)
	require.NoError(t, err)

	// Re-registering a known file never trips the ceiling.
	_, err = tr.Register("sess", "a.bin", 1, 8*mb, 8*mb, 3, 15*mb)
	require.NoError(t, err)

	_, err = tr.Register("sess", "b.bin", 1, 8*mb, 8*mb, 3, 15*mb)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "per-session limit")

	// The rejected file left no state behind.
	assert.Nil(t, tr.File("sess", "b.bin"))
	assert.Equal(t, 8*mb, tr.DeclaredSize("sess"))
}

func TestRegisterSessionCeilingUnderContention(t *testing.T) {
	tr := New()

	// Two first-chunks racing: together they exceed the ceiling, so
	// exactly one of them may register.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, name := range []string{"a.bin", "b.bin"} {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			_, errs[i] = tr.Register("sess", name, 1, 8*mb, 8*mb, 2, 15*mb)
		}(i, name)
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 8*mb, tr.DeclaredSize("sess"))
}

func TestLatchSessionCompleted(t *testing.T) {
	tr := New()

	assert.False(t, tr.LatchSessionCompleted("sess"), "unknown session")

	_, err := tr.Register("sess", "a.bin", 1, mb, mb, 1, 0)
	require.NoError(t, err)
	assert.False(t, tr.LatchSessionCompleted("sess"), "nothing completed yet")

	tr.MarkCompleted("sess", "a.bin", "/final/a.bin")
	assert.True(t, tr.LatchSessionCompleted("sess"))
	assert.False(t, tr.LatchSessionCompleted("sess"), "fires once per transition")

	// Growing the expected file count reopens the session; the latch
	// arms again for the next transition.
	_, err = tr.Register("sess", "b.bin", 1, mb, mb, 2, 0)
	require.NoError(t, err)
	assert.False(t, tr.LatchSessionCompleted("sess"))

	tr.MarkCompleted("sess", "b.bin", "/final/b.bin")
	assert.True(t, tr.LatchSessionCompleted("sess"))
	assert.False(t, tr.LatchSessionCompleted("sess"))
}
