package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/jd3nn1s/skimmer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func openTestJournal(t *testing.T, path, runID string, buffer int) *Journal {
	j, err := Open(path, runID, buffer, epoch)
	require.NoError(t, err)
	return j
}

func TestJournalRecordsTicks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	runID := NewRunID()
	_, err := uuid.Parse(runID)
	require.NoError(t, err)

	j := openTestJournal(t, path, runID, 16)
	assert.Equal(t, runID, j.RunID())

	hold := skimmer.Transition{From: skimmer.ModeNormal, To: skimmer.ModeHold, Reason: "compass unhealthy", At: epoch.Add(time.Second)}
	j.Tick(skimmer.TickView{
		Tick:       1,
		Time:       epoch,
		Decision:   skimmer.Decision{Heading: 90, Speed: 0.8, Reason: skimmer.ReasonGoal},
		Envelope:   skimmer.CommandEnvelope{Seq: 1, Heading: 90, Speed: 0.8, Mode: skimmer.CommandNormal},
		Dispatched: true,
	})
	// not dispatched, nothing to journal
	j.Tick(skimmer.TickView{Tick: 2, Time: epoch.Add(100 * time.Millisecond)})
	j.Tick(skimmer.TickView{
		Tick:        3,
		Time:        epoch.Add(time.Second),
		Decision:    skimmer.Decision{Heading: 90, Reason: skimmer.ReasonHold},
		Envelope:    skimmer.CommandEnvelope{Seq: 2, Heading: 90, Mode: skimmer.CommandHold},
		Dispatched:  true,
		Transitions: []skimmer.Transition{hold},
	})
	require.NoError(t, j.Close())
	assert.Equal(t, uint64(0), j.Dropped())

	// reopening migrates nothing and starts a second run
	j = openTestJournal(t, path, "second", 16)
	defer j.Close()

	runs, err := j.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, runID, runs[0].RunID)
	assert.Equal(t, epoch, runs[0].StartedAt)

	transitions, err := j.Transitions(runID)
	require.NoError(t, err)
	if diff := cmp.Diff([]skimmer.Transition{hold}, transitions); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}

	commands, err := j.Commands(runID)
	require.NoError(t, err)
	want := []CommandRecord{
		{At: epoch, Envelope: skimmer.CommandEnvelope{Seq: 1, Heading: 90, Speed: 0.8, Mode: skimmer.CommandNormal}, Reason: "goal-directed"},
		{At: epoch.Add(time.Second), Envelope: skimmer.CommandEnvelope{Seq: 2, Heading: 90, Mode: skimmer.CommandHold}, Reason: "hold"},
	}
	if diff := cmp.Diff(want, commands); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}

	other, err := j.Commands("second")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestJournalDropsWhenFull(t *testing.T) {
	j := openTestJournal(t, filepath.Join(t.TempDir(), "journal.db"), "full", 1)

	// records arrive much faster than the inserts complete
	for i := 0; i < 500; i++ {
		j.RecordCommand(CommandRecord{At: epoch, Envelope: skimmer.CommandEnvelope{Seq: uint64(i + 1)}})
	}
	require.NoError(t, j.Close())
	assert.Greater(t, j.Dropped(), uint64(0))

	j.RecordTransition(skimmer.Transition{})
	dropped := j.Dropped()
	j.RecordTransition(skimmer.Transition{})
	assert.Equal(t, dropped+1, j.Dropped(), "a closed journal drops everything")
	assert.NoError(t, j.Close())
}

func TestJournalDuplicateRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j := openTestJournal(t, path, "run", 4)
	require.NoError(t, j.Close())

	_, err := Open(path, "run", 4, epoch)
	assert.Error(t, err)
}
