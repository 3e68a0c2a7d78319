package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_CountersStartAtZero(t *testing.T) {
	m := New("peerdb/abc/widgets")
	require.NotNil(t, m)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ReplicateEventsTotal))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.FetchFailuresTotal))
}

func TestNew_CountersAreIndependentPerInstance(t *testing.T) {
	a := New("peerdb/abc/widgets")
	b := New("peerdb/abc/widgets")

	a.ReplicatedEntriesTotal.Add(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(a.ReplicatedEntriesTotal))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.ReplicatedEntriesTotal))
}

func TestNew_DoesNotPanicOnSameAddressTwice(t *testing.T) {
	require.NotPanics(t, func() {
		New("peerdb/same/address")
		New("peerdb/same/address")
	})
}
