package retention

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidCronAcceptsStandardExpressions(t *testing.T) {
	require.True(t, ValidCron("0 2 * * *"))
	require.True(t, ValidCron("*/15 * * * *"))
}

func TestValidCronRejectsGarbage(t *testing.T) {
	require.False(t, ValidCron("not-a-cron"))
	require.False(t, ValidCron(""))
}

// sweepOnce and runOnce need a live authoritystore.Store (see
// pkg/authoritystore's store_test.go for why that isn't stood up here);
// runOnce's horizon arithmetic is simple enough to pin down directly.
func TestSweeperRunOnceUsesTheWiderHorizon(t *testing.T) {
	s := &Sweeper{DeliveredDays: 30, FailedDays: 90}
	require.Equal(t, 90, widerHorizon(s))

	s2 := &Sweeper{DeliveredDays: 120, FailedDays: 10}
	require.Equal(t, 120, widerHorizon(s2))
}
