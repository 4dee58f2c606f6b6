package cooldown

import (
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MGallo-Code/greenpoints/internal/catalog"
	"github.com/MGallo-Code/greenpoints/internal/store"
)

var t0 = time.Date(2026, 4, 6, 10, 0, 0, 0, time.UTC)

func coffee() catalog.RewardDefinition {
	return catalog.RewardDefinition{ID: "coffee", Name: "Coffee", Price: 250, Category: catalog.Food, Cooldown: 24 * time.Hour}
}

func entry(rewardID string, at time.Time, seq int64) store.LedgerEntry {
	return store.LedgerEntry{ID: uuid.Must(uuid.NewV7()), Seq: seq, RewardID: rewardID, PointsDebited: 1, RedeemedAt: at, UnlockAt: at}
}

func TestEvaluateNoHistory(t *testing.T) {
	res := Evaluate(coffee(), nil, t0)
	assert.True(t, res.CanRedeem)
	assert.Nil(t, res.NextAvailableAt)
	assert.Nil(t, res.TimeRemaining)
	assert.Equal(t, ReasonNone, res.Reason)
}

func TestEvaluateZeroCooldownAlwaysEligible(t *testing.T) {
	def := coffee()
	def.Cooldown = 0
	history := []store.LedgerEntry{entry("coffee", t0, 1), entry("coffee", t0, 2)}

	res := Evaluate(def, history, t0)
	assert.True(t, res.CanRedeem)
	assert.Nil(t, res.NextAvailableAt)
}

func TestEvaluateCooldown(t *testing.T) {
	history := []store.LedgerEntry{entry("coffee", t0, 1)}

	tests := []struct {
		name      string
		now       time.Time
		canRedeem bool
		remaining time.Duration
	}{
		{"immediately after", t0, false, 24 * time.Hour},
		{"one second before", t0.Add(24*time.Hour - time.Second), false, time.Second},
		{"exactly at unlock", t0.Add(24 * time.Hour), true, 0},
		{"after unlock", t0.Add(48 * time.Hour), true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Evaluate(coffee(), history, tt.now)
			assert.Equal(t, tt.canRedeem, res.CanRedeem)
			require.NotNil(t, res.NextAvailableAt)
			assert.Equal(t, t0.Add(24*time.Hour), *res.NextAvailableAt)
			if tt.canRedeem {
				assert.Nil(t, res.TimeRemaining)
				assert.Equal(t, ReasonNone, res.Reason)
			} else {
				require.NotNil(t, res.TimeRemaining)
				assert.Equal(t, tt.remaining, *res.TimeRemaining)
				assert.Equal(t, ReasonCooldown, res.Reason)
			}
		})
	}
}

func TestEvaluateUsesLatestEntry(t *testing.T) {
	later := t0.Add(10 * time.Hour)
	history := []store.LedgerEntry{
		entry("coffee", later, 2),
		entry("coffee", t0, 1),
		entry("tea", t0.Add(20*time.Hour), 3), // other rewards never count
	}

	res := Evaluate(coffee(), history, later.Add(time.Hour))
	require.NotNil(t, res.NextAvailableAt)
	assert.Equal(t, later.Add(24*time.Hour), *res.NextAvailableAt)
}

func TestEvaluateWeeklyCap(t *testing.T) {
	def := coffee()
	def.Cooldown = time.Hour
	def.WeeklyCap = 3
	history := []store.LedgerEntry{
		entry("coffee", t0, 1),
		entry("coffee", t0.Add(2*time.Hour), 2),
		entry("coffee", t0.Add(4*time.Hour), 3),
	}

	t.Run("blocks the N+1th even after cooldown", func(t *testing.T) {
		now := t0.Add(6 * time.Hour)
		res := Evaluate(def, history, now)
		assert.False(t, res.CanRedeem)
		assert.Equal(t, ReasonWeeklyCap, res.Reason)
		require.NotNil(t, res.NextAvailableAt)
		assert.Equal(t, t0.Add(Week), *res.NextAvailableAt)
		require.NotNil(t, res.TimeRemaining)
		assert.Equal(t, t0.Add(Week).Sub(now), *res.TimeRemaining)
	})

	t.Run("oldest entry leaving the window frees a slot", func(t *testing.T) {
		res := Evaluate(def, history, t0.Add(Week))
		assert.True(t, res.CanRedeem)
	})

	t.Run("entry exactly a week old is not counted", func(t *testing.T) {
		// history[0] sits at exactly now-Week; the window excludes its start.
		now := history[0].RedeemedAt.Add(Week)
		res := Evaluate(def, history, now)
		assert.True(t, res.CanRedeem)
		assert.Nil(t, res.TimeRemaining)

		res = Evaluate(def, history, now.Add(-time.Nanosecond))
		assert.False(t, res.CanRedeem)
		assert.Equal(t, ReasonWeeklyCap, res.Reason)
	})

	t.Run("entries older than a week are not counted", func(t *testing.T) {
		old := append([]store.LedgerEntry{entry("coffee", t0.Add(-8*24*time.Hour), 0)}, history[:2]...)
		res := Evaluate(def, old, t0.Add(6*time.Hour))
		assert.True(t, res.CanRedeem)
	})
}

func TestEvaluateCapAndCooldownBothBlock(t *testing.T) {
	def := catalog.RewardDefinition{ID: "earbuds", Price: 1, Category: catalog.Tech, Cooldown: 30 * 24 * time.Hour, WeeklyCap: 1}
	history := []store.LedgerEntry{entry("earbuds", t0, 1)}

	res := Evaluate(def, history, t0.Add(time.Hour))
	assert.False(t, res.CanRedeem)
	assert.Equal(t, ReasonWeeklyCap, res.Reason)
	require.NotNil(t, res.NextAvailableAt)
	// The cap's time is reported even though the cooldown holds for 30 days.
	assert.Equal(t, t0.Add(Week), *res.NextAvailableAt)
	require.NotNil(t, res.TimeRemaining)
	assert.Equal(t, Week-time.Hour, *res.TimeRemaining)

	// Past the cap, the cooldown alone still blocks.
	res = Evaluate(def, history, t0.Add(Week))
	assert.False(t, res.CanRedeem)
	assert.Equal(t, ReasonCooldown, res.Reason)
	assert.Equal(t, t0.Add(30*24*time.Hour), *res.NextAvailableAt)
}

func TestEvaluateSince(t *testing.T) {
	res := EvaluateSince(t0, 24*time.Hour, t0.Add(23*time.Hour))
	assert.False(t, res.CanRedeem)
	assert.Equal(t, ReasonCooldown, res.Reason)
	require.NotNil(t, res.TimeRemaining)
	assert.Equal(t, time.Hour, *res.TimeRemaining)

	res = EvaluateSince(t0, 24*time.Hour, t0.Add(24*time.Hour))
	assert.True(t, res.CanRedeem)
	assert.Nil(t, res.TimeRemaining)
	require.NotNil(t, res.NextAvailableAt)
	assert.Equal(t, t0.Add(24*time.Hour), *res.NextAvailableAt)

	res = EvaluateSince(t0, 0, t0)
	assert.True(t, res.CanRedeem)
}

func TestFormatRemaining(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0h"},
		{-time.Minute, "0h"},
		{time.Minute, "1h"},
		{time.Hour, "1h"},
		{5*time.Hour + time.Second, "6h"},
		{23 * time.Hour, "23h"},
		{24 * time.Hour, "1d 0h"},
		{24*time.Hour - time.Second, "1d 0h"},
		{27 * time.Hour, "1d 3h"},
		{7*24*time.Hour + 30*time.Minute, "7d 1h"},
	}
	for _, tt := range tests {
		t.Run(tt.in.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, FormatRemaining(tt.in))
		})
	}
}
