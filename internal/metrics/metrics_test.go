package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	c := New()
	c.ObserveObjective(time.Millisecond, "")
	c.ObserveObjective(time.Millisecond, "size")
	c.ObserveObjective(time.Millisecond, "size")
	c.AcceptedFlip("single")
	c.SetBestScore(0.125)

	assert.Equal(t, 3.0, testutil.ToFloat64(c.ObjectiveEvaluations))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.ObjectiveSentinels.WithLabelValues("size")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.RefinementAccepted.WithLabelValues("single")))
	assert.Equal(t, 0.125, testutil.ToFloat64(c.BestScore))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObserveObjective(time.Second, "degenerate_fold")
		c.AcceptedFlip("pair")
		c.ObserveStage("search", time.Second)
		c.SetSelectedFeatures(3)
		require.NoError(t, c.WriteTextfile("ignored.prom"))
	})
}

func TestWriteTextfile(t *testing.T) {
	c := New()
	c.SetSelectedFeatures(12)
	path := filepath.Join(t.TempDir(), "train.prom")
	require.NoError(t, c.WriteTextfile(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), "maha_selected_features 12"))
}
