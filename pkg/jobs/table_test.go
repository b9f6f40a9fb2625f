package jobs

import (
	"sync"
	"testing"
	"time"

	"github.com/LeeDigitalWorks/zapscribe/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Table
// =============================================================================

func TestTable_StartAndDuplicate(t *testing.T) {
	t.Parallel()

	tbl := NewTable(nil)

	job, err := tbl.Start("up-1", "talk.mp4")
	require.NoError(t, err)
	assert.Equal(t, types.JobProcessing, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.Equal(t, "talk.mp4", job.FileName)

	tbl.Progress("up-1", 30, "Extracting audio")

	existing, err := tbl.Start("up-1", "talk.mp4")
	assert.ErrorIs(t, err, ErrAlreadyProcessing)
	assert.Equal(t, 30, existing.Progress)
	assert.Equal(t, types.JobProcessing, existing.Status)
}

func TestTable_RestartAfterTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		finish func(tbl *Table)
	}{
		{"after error", func(tbl *Table) { _, _ = tbl.Fail("up-1", "boom") }},
		{"after completion", func(tbl *Table) { _, _ = tbl.Complete("up-1", types.JobOutputs{}, 0, "done") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tbl := NewTable(nil)
			_, err := tbl.Start("up-1", "a.mp4")
			require.NoError(t, err)
			tbl.Progress("up-1", 50, "")
			tt.finish(tbl)

			job, err := tbl.Start("up-1", "a.mp4")
			require.NoError(t, err)
			assert.Equal(t, types.JobProcessing, job.Status)
			assert.Equal(t, 0, job.Progress)
			assert.Nil(t, job.Outputs)
		})
	}
}

func TestTable_ProgressIsMonotonic(t *testing.T) {
	t.Parallel()

	tbl := NewTable(nil)
	_, err := tbl.Start("up-1", "a.mp4")
	require.NoError(t, err)

	steps := []struct {
		progress    int
		message     string
		wantChanged bool
		want        int
	}{
		{10, "Located", true, 10},
		{45, "Split", true, 45},
		{30, "stale", false, 45},
		{45, "", false, 45},
		{45, "Transcribing", true, 45},
		{150, "", true, 100},
	}
	for _, s := range steps {
		job, changed := tbl.Progress("up-1", s.progress, s.message)
		assert.Equal(t, s.wantChanged, changed, "progress %d", s.progress)
		assert.Equal(t, s.want, job.Progress, "progress %d", s.progress)
	}

	job, err := tbl.Get("up-1")
	require.NoError(t, err)
	assert.Equal(t, "Transcribing", job.Message)
}

func TestTable_ProgressIgnoredWhenTerminalOrUnknown(t *testing.T) {
	t.Parallel()

	tbl := NewTable(nil)
	_, changed := tbl.Progress("ghost", 50, "x")
	assert.False(t, changed)
	_, err := tbl.Get("ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = tbl.Start("up-1", "a.mp4")
	require.NoError(t, err)
	_, err = tbl.Fail("up-1", "boom")
	require.NoError(t, err)

	job, changed := tbl.Progress("up-1", 90, "late")
	assert.False(t, changed)
	assert.Equal(t, types.JobError, job.Status)
	assert.Equal(t, "boom", job.Message)
}

func TestTable_Complete(t *testing.T) {
	t.Parallel()

	tbl := NewTable(nil)
	start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	tbl.now = func() time.Time { return start }

	_, err := tbl.Start("up-1", "a.mp4")
	require.NoError(t, err)
	tbl.SetSegments("up-1", 4)
	tbl.Progress("up-1", 80, "")

	tbl.now = func() time.Time { return start.Add(time.Minute) }
	outputs := types.JobOutputs{TextFile: "up-1.txt", CaptionFile: "up-1.srt"}
	job, err := tbl.Complete("up-1", outputs, 1, "Completed with 1 failed segment")
	require.NoError(t, err)

	assert.Equal(t, types.JobCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, 4, job.Segments)
	assert.Equal(t, 1, job.Failed)
	require.NotNil(t, job.Outputs)
	assert.Equal(t, outputs, *job.Outputs)
	assert.Equal(t, start, job.StartedAt)
	assert.Equal(t, start.Add(time.Minute), job.UpdatedAt)

	// A second terminal transition is a no-op.
	again, err := tbl.Fail("up-1", "late failure")
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, again.Status)

	_, err = tbl.Complete("ghost", outputs, 0, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTable_Clear(t *testing.T) {
	t.Parallel()

	tbl := NewTable(nil)
	_, err := tbl.Start("up-1", "a.mp4")
	require.NoError(t, err)

	assert.ErrorIs(t, tbl.Clear("up-1"), ErrNotTerminal)

	_, err = tbl.Fail("up-1", "boom")
	require.NoError(t, err)
	require.NoError(t, tbl.Clear("up-1"))

	_, err = tbl.Get("up-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, tbl.Clear("up-1"), ErrNotFound)
}

func TestTable_HistoryFallback(t *testing.T) {
	t.Parallel()

	history := NewMemoryHistory()
	tbl := NewTable(history)

	_, err := tbl.Start("up-1", "a.mp4")
	require.NoError(t, err)
	_, err = history.Get("up-1")
	assert.ErrorIs(t, err, ErrNotFound, "processing jobs are not persisted")

	_, err = tbl.Complete("up-1", types.JobOutputs{TextFile: "up-1.txt"}, 0, "Completed")
	require.NoError(t, err)

	// A fresh table over the same history still answers.
	restarted := NewTable(history)
	job, err := restarted.Get("up-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, job.Status)
	assert.Equal(t, "up-1.txt", job.Outputs.TextFile)

	require.NoError(t, restarted.Clear("up-1"))
	_, err = restarted.Get("up-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, restarted.Clear("up-1"), ErrNotFound)
}

func TestTable_ListAndActive(t *testing.T) {
	t.Parallel()

	tbl := NewTable(nil)
	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		tbl.now = func() time.Time { return base.Add(time.Duration(i) * time.Second) }
		_, err := tbl.Start(id, id+".mp4")
		require.NoError(t, err)
	}
	_, err := tbl.Fail("b", "boom")
	require.NoError(t, err)

	jobs := tbl.List()
	require.Len(t, jobs, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{jobs[0].JobID, jobs[1].JobID, jobs[2].JobID})
	assert.Equal(t, 2, tbl.Active())
}

func TestTable_ConcurrentStart(t *testing.T) {
	t.Parallel()

	tbl := NewTable(nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tbl.Start("up-1", "a.mp4"); err == nil {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, started)
}

// =============================================================================
// LevelDB history
// =============================================================================

func TestLevelDBHistory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	h, err := OpenLevelDBHistory(dir)
	require.NoError(t, err)

	job := types.TranscriptionJob{
		JobID:     "up-1",
		FileName:  "a.mp4",
		Status:    types.JobCompleted,
		Progress:  100,
		Message:   "Completed",
		StartedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2025, 1, 1, 0, 5, 0, 0, time.UTC),
		Outputs:   &types.JobOutputs{TextFile: "up-1.txt", CaptionFile: "up-1.srt"},
	}
	require.NoError(t, h.Put(job))
	require.NoError(t, h.Put(types.TranscriptionJob{JobID: "up-2", Status: types.JobError}))

	got, err := h.Get("up-1")
	require.NoError(t, err)
	assert.Equal(t, job, got)

	_, err = h.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	// Reopen to make sure snapshots survive a restart.
	require.NoError(t, h.Close())
	h, err = OpenLevelDBHistory(dir)
	require.NoError(t, err)
	defer h.Close()

	var ids []string
	require.NoError(t, h.Iterate(func(j types.TranscriptionJob) error {
		ids = append(ids, j.JobID)
		return nil
	}))
	assert.Equal(t, []string{"up-1", "up-2"}, ids)

	require.NoError(t, h.Delete("up-1"))
	_, err = h.Get("up-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryHistory(t *testing.T) {
	t.Parallel()

	h := NewMemoryHistory()
	require.NoError(t, h.Put(types.TranscriptionJob{JobID: "a", Status: types.JobCompleted}))

	got, err := h.Get("a")
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, got.Status)

	count := 0
	require.NoError(t, h.Iterate(func(types.TranscriptionJob) error { count++; return nil }))
	assert.Equal(t, 1, count)

	require.NoError(t, h.Delete("a"))
	_, err = h.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)
}
