package failure

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordFailureSuspendsAtThreshold(t *testing.T) {
	tr := NewTracker()

	for i := 0; i < SuspendThreshold-1; i++ {
		tr.RecordFailure("node-a", int64(i)*1000)
		assert.False(t, tr.IsSuspended("node-a"))
	}

	tr.RecordFailure("node-a", int64(SuspendThreshold)*1000)
	assert.True(t, tr.IsSuspended("node-a"))
}

func TestRecordFailureResetsOutsideWindow(t *testing.T) {
	tr := NewTracker()

	for i := 0; i < SuspendThreshold-1; i++ {
		tr.RecordFailure("node-a", int64(i)*1000)
	}
	assert.False(t, tr.IsSuspended("node-a"))

	tr.RecordFailure("node-a", (SuspendWindowMs)+100000)

	rec, ok := tr.Record("node-a")
	assert.True(t, ok)
	assert.Equal(t, 1, rec.FailureCount)
	assert.False(t, tr.IsSuspended("node-a"))
}

func TestIsSuspendedUnknownNode(t *testing.T) {
	tr := NewTracker()
	assert.False(t, tr.IsSuspended("nope"))
}

func TestClearLiftsSuspension(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < SuspendThreshold; i++ {
		tr.RecordFailure("node-a", int64(i)*1000)
	}
	assert.True(t, tr.IsSuspended("node-a"))

	tr.Clear("node-a")
	assert.False(t, tr.IsSuspended("node-a"))

	_, ok := tr.Record("node-a")
	assert.False(t, ok)
}

func TestClearAll(t *testing.T) {
	tr := NewTracker()
	tr.RecordFailure("node-a", 1000)
	tr.RecordFailure("node-b", 1000)

	tr.ClearAll()

	_, ok := tr.Record("node-a")
	assert.False(t, ok)
	_, ok = tr.Record("node-b")
	assert.False(t, ok)
}

func TestSuspendedEnumeration(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < SuspendThreshold; i++ {
		tr.RecordFailure("node-a", int64(i)*1000)
	}
	tr.RecordFailure("node-b", 1000)

	suspended := tr.Suspended()
	assert.Len(t, suspended, 1)
	_, ok := suspended["node-a"]
	assert.True(t, ok)
}
