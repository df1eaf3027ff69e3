package progress

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfbridge/shelfbridge/internal/models"
)

func boolPtr(b bool) *bool       { return &b }
func floatPtr(f float64) *float64 { return &f }

func newTestEngine() *Engine {
	return NewEngine(Config{}, nil)
}

func TestValidateClampsAllNumericInputs(t *testing.T) {
	e := newTestEngine()

	inputs := []interface{}{
		-50.0, -0.0001, 0.0, 0.5, 42.5, 99.9999, 100.0, 100.0001, 150.0, 1e9,
		int(7), int64(101), float32(55.5), "12.5", "150",
	}

	for _, raw := range inputs {
		got, ok := e.Validate(raw, ValidateOptions{})
		require.True(t, ok, "input %v should validate", raw)
		assert.GreaterOrEqual(t, got, 0.0, "input %v", raw)
		assert.LessOrEqual(t, got, 100.0, "input %v", raw)
	}
}

func TestValidateRejectsUnusableInputs(t *testing.T) {
	e := newTestEngine()

	for _, raw := range []interface{}{nil, math.NaN(), math.Inf(1), math.Inf(-1), "not a number", struct{}{}} {
		_, ok := e.Validate(raw, ValidateOptions{})
		assert.False(t, ok, "input %v should be rejected", raw)
	}
}

func TestValidateFinishedFlagPriority(t *testing.T) {
	e := newTestEngine()

	got, ok := e.Validate(97.0, ValidateOptions{IsFinished: boolPtr(true)})
	require.True(t, ok)
	assert.Equal(t, 97.0, got)

	// Invalid or out-of-range input forces 100 when finished.
	got, ok = e.Validate(nil, ValidateOptions{IsFinished: boolPtr(true)})
	require.True(t, ok)
	assert.Equal(t, 100.0, got)

	got, ok = e.Validate(150.0, ValidateOptions{IsFinished: boolPtr(true)})
	require.True(t, ok)
	assert.Equal(t, 100.0, got)
}

func TestValidateAudiobookPositionWins(t *testing.T) {
	e := newTestEngine()

	got, ok := e.Validate(40.0, ValidateOptions{
		Format: models.FormatAudiobook,
		Book:   &BookData{CurrentTimeSeconds: 9000, DurationSeconds: 18000},
	})
	require.True(t, ok)
	assert.Equal(t, 50.0, got)

	// Position data beyond the end clamps.
	got, ok = e.Validate(nil, ValidateOptions{
		Format: models.FormatAudiobook,
		Book:   &BookData{CurrentTimeSeconds: 20000, DurationSeconds: 18000},
	})
	require.True(t, ok)
	assert.Equal(t, 100.0, got)

	// Without duration the provided value is used.
	got, ok = e.Validate(40.0, ValidateOptions{
		Format: models.FormatAudiobook,
		Book:   &BookData{CurrentTimeSeconds: 9000},
	})
	require.True(t, ok)
	assert.Equal(t, 40.0, got)
}

func TestValidateStringCoercion(t *testing.T) {
	e := newTestEngine()

	got, ok := e.Validate("42.5", ValidateOptions{})
	require.True(t, ok)
	assert.Equal(t, 42.5, got)
}

func TestIsCompleteExplicitFlag(t *testing.T) {
	e := newTestEngine()

	assert.True(t, e.IsComplete(10, CompletionOptions{IsFinished: boolPtr(true)}))
	assert.False(t, e.IsComplete(99.9, CompletionOptions{IsFinished: boolPtr(false)}))
}

func TestIsCompleteAudiobookTimeRemaining(t *testing.T) {
	e := newTestEngine()

	// 100 seconds remaining, under the 120s cutoff: complete even below the
	// percentage threshold.
	assert.True(t, e.IsComplete(94, CompletionOptions{
		Format: models.FormatAudiobook,
		Book:   &BookData{CurrentTimeSeconds: 3500, DurationSeconds: 3600},
	}))

	// 400 seconds remaining and below threshold: not complete.
	assert.False(t, e.IsComplete(88, CompletionOptions{
		Format: models.FormatAudiobook,
		Book:   &BookData{CurrentTimeSeconds: 3200, DurationSeconds: 3600},
	}))

	// No position data: percentage is derived from progress.
	assert.True(t, e.IsComplete(97, CompletionOptions{
		Format: models.FormatAudiobook,
		Book:   &BookData{DurationSeconds: 3600},
	}))

	// No book data at all: threshold only.
	assert.True(t, e.IsComplete(96, CompletionOptions{Format: models.FormatAudiobook}))
	assert.False(t, e.IsComplete(94, CompletionOptions{Format: models.FormatAudiobook}))
}

func TestIsCompletePagesRemaining(t *testing.T) {
	e := newTestEngine()

	// 300 pages, 99.5% -> page 299, one page left.
	assert.True(t, e.IsComplete(99.5, CompletionOptions{
		Format: models.FormatEbook,
		Book:   &BookData{Pages: 300},
	}))

	assert.False(t, e.IsComplete(90, CompletionOptions{
		Format: models.FormatPhysical,
		Book:   &BookData{Pages: 300},
	}))

	// Unknown format falls back to the threshold alone.
	assert.True(t, e.IsComplete(95, CompletionOptions{Format: models.FormatUnknown}))
	assert.False(t, e.IsComplete(94.9, CompletionOptions{Format: models.FormatUnknown}))
}

func TestIsCompleteCustomThreshold(t *testing.T) {
	e := newTestEngine()
	assert.True(t, e.IsComplete(80, CompletionOptions{Threshold: 75}))
	assert.False(t, e.IsComplete(70, CompletionOptions{Threshold: 75}))
}

func TestPositionRoundTripFromPosition(t *testing.T) {
	// Any concrete position survives the percent conversion and back.
	for _, total := range []int{1, 3, 7, 100, 250, 941} {
		for page := 1; page <= total; page++ {
			pct := ProgressFromPosition(float64(page), float64(total), models.PositionPages)
			back := CurrentPosition(pct, float64(total), models.PositionPages)
			assert.Equal(t, float64(page), back, "pages total=%d page=%d", total, page)
		}
	}

	for _, total := range []float64{60, 3600, 18000} {
		for _, sec := range []float64{0, 1, 30, total / 2, total - 1, total} {
			pct := ProgressFromPosition(sec, total, models.PositionSeconds)
			back := CurrentPosition(pct, total, models.PositionSeconds)
			assert.InDelta(t, sec, back, 0.5001, "seconds total=%v sec=%v", total, sec)
		}
	}
}

func TestPositionRoundTripFromPercent(t *testing.T) {
	// A 100-page book maps N% to page N exactly for N >= 1.
	for pct := 1; pct <= 100; pct++ {
		page := CurrentPosition(float64(pct), 100, models.PositionPages)
		assert.Equal(t, float64(pct), page)
		assert.Equal(t, float64(pct), ProgressFromPosition(page, 100, models.PositionPages))
	}

	// Seconds are 0-based, so the whole grid round-trips.
	for pct := 0; pct <= 100; pct++ {
		sec := CurrentPosition(float64(pct), 3600, models.PositionSeconds)
		assert.Equal(t, float64(pct), ProgressFromPosition(sec, 3600, models.PositionSeconds))
	}
}

func TestPositionEdges(t *testing.T) {
	// Pages are 1-based even at zero percent.
	assert.Equal(t, 1.0, CurrentPosition(0, 250, models.PositionPages))
	// Seconds are 0-based.
	assert.Equal(t, 0.0, CurrentPosition(0, 3600, models.PositionSeconds))
	// Degenerate totals.
	assert.Equal(t, 1.0, CurrentPosition(50, 0, models.PositionPages))
	assert.Equal(t, 0.0, CurrentPosition(50, 0, models.PositionSeconds))
	assert.Equal(t, 0.0, ProgressFromPosition(10, 0, models.PositionPages))
}

func TestDetectChange(t *testing.T) {
	e := newTestEngine()

	tests := []struct {
		name      string
		old, new  float64
		threshold float64
		hasChange bool
		direction string
		regress   bool
	}{
		{"no movement", 50, 50, 0, false, DirectionNone, false},
		{"float noise ignored", 50.0000001, 50.0000002, 0, false, DirectionNone, false},
		{"below default threshold", 50, 50.05, 0, false, DirectionNone, false},
		{"increase", 50, 75, 0, true, DirectionIncrease, false},
		{"decrease is regression", 50, 49.8, 0, true, DirectionDecrease, true},
		{"custom threshold", 50, 52, 5, false, DirectionNone, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := e.DetectChange(tt.old, tt.new, tt.threshold)
			assert.Equal(t, tt.hasChange, c.HasChange)
			assert.Equal(t, tt.direction, c.Direction)
			assert.Equal(t, tt.regress, c.IsRegression)
		})
	}
}

func TestAnalyzeRegression(t *testing.T) {
	e := newTestEngine()

	t.Run("missing prior is a new book", func(t *testing.T) {
		r := e.AnalyzeRegression(nil, 42)
		assert.False(t, r.ShouldBlock)
		assert.False(t, r.ShouldWarn)
		assert.False(t, r.IsPotentialReread)
	})

	t.Run("major drop blocks", func(t *testing.T) {
		r := e.AnalyzeRegression(floatPtr(92), 22)
		assert.True(t, r.ShouldBlock)
		assert.True(t, r.IsPotentialReread)
		assert.InDelta(t, 70, r.DropPercent, 0.0001)
		assert.Contains(t, r.Reason, "Major regression")
		assert.Contains(t, r.Reason, "70.0% drop")
	})

	t.Run("moderate drop warns", func(t *testing.T) {
		r := e.AnalyzeRegression(floatPtr(50), 30)
		assert.False(t, r.ShouldBlock)
		assert.True(t, r.ShouldWarn)
		assert.False(t, r.IsPotentialReread)
	})

	t.Run("small drop tolerated", func(t *testing.T) {
		r := e.AnalyzeRegression(floatPtr(50), 45)
		assert.False(t, r.ShouldBlock)
		assert.False(t, r.ShouldWarn)
	})

	t.Run("forward progress is not a regression", func(t *testing.T) {
		r := e.AnalyzeRegression(floatPtr(40), 60)
		assert.False(t, r.ShouldBlock)
		assert.False(t, r.ShouldWarn)
		assert.Zero(t, r.DropPercent)
	})

	t.Run("boundary reread", func(t *testing.T) {
		r := e.AnalyzeRegression(floatPtr(85), 30)
		assert.True(t, r.IsPotentialReread)
		assert.True(t, r.ShouldBlock) // 55% drop
	})
}

func TestRound6(t *testing.T) {
	assert.Equal(t, 33.333333, Round6(100.0/3.0))
	assert.Equal(t, 50.0, Round6(50.0000000001))
}
