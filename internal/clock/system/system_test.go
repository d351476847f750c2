package system_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/probgate/internal/clock/system"
	"github.com/JakeFAU/probgate/internal/solver"
)

var _ solver.Clock = system.New()

func TestClock_StampsInvocationsInUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Second)
	got := system.New().Now()
	after := time.Now().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after), "clock drifted: %v", got)
}

func TestClock_RecordTimestampsSerializeAsZulu(t *testing.T) {
	t.Parallel()

	clk := system.New()
	rec := solver.Record{ID: "inv-1", StartedAt: clk.Now(), FinishedAt: clk.Now()}
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	for _, key := range []string{"started_at", "finished_at"} {
		stamp, ok := fields[key].(string)
		require.True(t, ok, "%s missing from %s", key, data)
		require.True(t, strings.HasSuffix(stamp, "Z"), "%s = %q", key, stamp)
	}
	require.False(t, rec.FinishedAt.Before(rec.StartedAt))
}
