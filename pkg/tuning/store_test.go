package tuning

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevedore-io/stevedore/pkg/telemetry"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "outcomes.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestStore_RoundTrip(t *testing.T) {
	store := newTestStore(t)

	saved := Outcome{
		Tier: telemetry.TierGood,
		Parameters: Parameters{
			ChunkSize:   4 * 1024 * 1024,
			Concurrency: 4,
			RetryCount:  3,
			RetryDelay:  time.Second,
			Timeout:     30 * time.Second,
			UseWorker:   true,
		},
		Success:      true,
		TransferRate: 1234.5,
		At:           time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.SaveOutcome(saved))

	loaded, err := store.LoadOutcomes()
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	assert.Equal(t, saved.Tier, loaded[0].Tier)
	assert.Equal(t, saved.Parameters, loaded[0].Parameters)
	assert.Equal(t, saved.Success, loaded[0].Success)
	assert.Equal(t, saved.TransferRate, loaded[0].TransferRate)
}

func TestStore_OrderedOldestFirst(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.SaveOutcome(Outcome{
			Tier:         telemetry.TierModerate,
			Success:      true,
			TransferRate: float64(i),
		}))
	}

	loaded, err := store.LoadOutcomes()
	require.NoError(t, err)
	require.Len(t, loaded, 5)
	for i := 0; i < 5; i++ {
		assert.Equal(t, float64(i), loaded[i].TransferRate)
	}
}

func TestStore_PrunesOldestPastRetention(t *testing.T) {
	store := newTestStore(t)

	total := storedOutcomes + 5
	for i := 0; i < total; i++ {
		err := store.SaveOutcome(Outcome{
			Tier:         telemetry.TierGood,
			Parameters:   Parameters{ChunkSize: int64(i + 1), Concurrency: 4},
			Success:      true,
			TransferRate: 100,
			At:           time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	outcomes, err := store.LoadOutcomes()
	require.NoError(t, err)
	require.Len(t, outcomes, storedOutcomes)
	assert.Equal(t, int64(6), outcomes[0].Parameters.ChunkSize)
	assert.Equal(t, int64(total), outcomes[len(outcomes)-1].Parameters.ChunkSize)
}

func TestStore_Empty(t *testing.T) {
	store := newTestStore(t)

	loaded, err := store.LoadOutcomes()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestNewAdjuster_SeedsFromStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outcomes.db")

	store, err := OpenStore(path)
	require.NoError(t, err)
	quality := telemetry.QualityResult{Tier: telemetry.TierGood}
	preset := defaultPresets()[telemetry.TierGood]

	first := NewAdjuster(DefaultConfig(), nil, WithStore(store))
	for i := 0; i < 4; i++ {
		first.RecordResult(quality, preset, true, 100)
	}
	first.RecordResult(quality, Parameters{ChunkSize: 2 * 1024 * 1024, Concurrency: 3}, true, 1000)
	require.NoError(t, store.Close())

	// A fresh adjuster over the same file starts warm.
	store, err = OpenStore(path)
	require.NoError(t, err)
	defer func() {
		_ = store.Close()
	}()

	second := NewAdjuster(DefaultConfig(), nil, WithStore(store))
	assert.Equal(t, 5, second.OutcomeCount())

	got := second.Recommended(quality)
	assert.Equal(t, int64(2*1024*1024), got.ChunkSize)
	assert.Equal(t, 3, got.Concurrency)
}
