package replicationinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObserveHead_TracksMaxAndHave(t *testing.T) {
	r := New()
	r.ObserveHead(5)
	r.ObserveHead(3)
	r.ObserveHead(8)

	snap := r.Snapshot()
	assert.EqualValues(t, 8, snap.Max)
	assert.True(t, snap.Have[5])
	assert.True(t, snap.Have[8])
	assert.False(t, snap.Have[6])
}

func TestRecordMerge_IncrementsProgressAndMarksHave(t *testing.T) {
	r := New()
	r.RecordMerge(1)
	r.RecordMerge(2)

	assert.EqualValues(t, 2, r.Progress())
	snap := r.Snapshot()
	assert.True(t, snap.Have[1])
	assert.True(t, snap.Have[2])
}

func TestSnapshot_IsACopyNotALiveReference(t *testing.T) {
	r := New()
	r.ObserveHead(1)
	snap := r.Snapshot()

	r.ObserveHead(2)

	assert.False(t, snap.Have[2], "snapshot taken before ObserveHead(2) must not see it")
	assert.True(t, r.Snapshot().Have[2])
}

func TestReset_ClearsAllState(t *testing.T) {
	r := New()
	r.ObserveHead(10)
	r.RecordMerge(10)
	r.Reset()

	snap := r.Snapshot()
	assert.EqualValues(t, 0, snap.Max)
	assert.EqualValues(t, 0, snap.Progress)
	assert.Empty(t, snap.Have)
}
