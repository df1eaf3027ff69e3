// Package progress validates reading progress, detects completion with
// format-aware precision, converts between percentages and positions, and
// analyzes regressions.
package progress

import (
	"math"
	"strconv"

	"github.com/shelfbridge/shelfbridge/internal/logger"
	"github.com/shelfbridge/shelfbridge/internal/models"
)

// Progress bounds and detection defaults.
const (
	MinProgress = 0.0
	MaxProgress = 100.0

	// DefaultCompletionThreshold marks a book finished at this percentage
	// when no more precise signal is available.
	DefaultCompletionThreshold = 95.0

	// DefaultZeroThreshold is the percentage under which progress counts as
	// not started.
	DefaultZeroThreshold = 5.0

	// DefaultSignificantChange is the smallest percentage delta that counts
	// as a change.
	DefaultSignificantChange = 0.1

	// AudiobookFinishSeconds completes an audiobook when this little play
	// time remains, regardless of percentage.
	AudiobookFinishSeconds = 120.0

	// PagesRemainingFinish completes a text book when this few pages remain.
	PagesRemainingFinish = 3

	// Regression defaults: block hard drops, warn on moderate ones, and flag
	// a high-to-low drop as a potential re-read.
	DefaultRegressionBlock = 50.0
	DefaultRegressionWarn  = 15.0
	DefaultRegressionHigh  = 85.0
	DefaultRereadThreshold = 30.0
)

// Config tunes the engine. Zero values fall back to the package defaults.
type Config struct {
	CompletionThreshold    float64
	AudiobookFinishSeconds float64
	PagesRemainingFinish   int
	SignificantChange      float64
	RegressionBlock        float64
	RegressionWarn         float64
	RegressionHigh         float64
	RereadThreshold        float64
}

func (c Config) withDefaults() Config {
	if c.CompletionThreshold <= 0 {
		c.CompletionThreshold = DefaultCompletionThreshold
	}
	if c.AudiobookFinishSeconds <= 0 {
		c.AudiobookFinishSeconds = AudiobookFinishSeconds
	}
	if c.PagesRemainingFinish <= 0 {
		c.PagesRemainingFinish = PagesRemainingFinish
	}
	if c.SignificantChange <= 0 {
		c.SignificantChange = DefaultSignificantChange
	}
	if c.RegressionBlock <= 0 {
		c.RegressionBlock = DefaultRegressionBlock
	}
	if c.RegressionWarn <= 0 {
		c.RegressionWarn = DefaultRegressionWarn
	}
	if c.RegressionHigh <= 0 {
		c.RegressionHigh = DefaultRegressionHigh
	}
	if c.RereadThreshold <= 0 {
		c.RereadThreshold = DefaultRereadThreshold
	}
	return c
}

// Engine applies the progress rules with a fixed configuration.
type Engine struct {
	cfg Config
	log *logger.Logger
}

// NewEngine builds an engine; nil logger falls back to the global one.
func NewEngine(cfg Config, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Get()
	}
	return &Engine{cfg: cfg.withDefaults(), log: log}
}

// Round6 rounds to 6 decimal places, enough to kill float noise while
// keeping position math exact.
func Round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// Clamp bounds a progress percentage to [0,100].
func Clamp(v float64) float64 {
	if v < MinProgress {
		return MinProgress
	}
	if v > MaxProgress {
		return MaxProgress
	}
	return v
}

// BookData carries the position fields used for precise validation and
// completion checks.
type BookData struct {
	CurrentTimeSeconds float64
	DurationSeconds    float64
	Pages              int
}

// ValidateOptions steer Validate. IsFinished is tri-state: nil means the
// source did not assert either way.
type ValidateOptions struct {
	IsFinished *bool
	Format     models.Format
	Book       *BookData
}

// Validate turns a raw progress value into a percentage in [0,100]. The
// boolean is false when no usable value can be derived. Rules in order:
// a finished flag trusts valid input and otherwise forces 100; audiobooks
// with position data compute progress from time; everything else coerces,
// rejects non-finite values and clamps with a warning.
func (e *Engine) Validate(raw interface{}, opts ValidateOptions) (float64, bool) {
	provided, providedOK := coerceNumber(raw)

	if opts.IsFinished != nil && *opts.IsFinished {
		if providedOK && provided >= MinProgress && provided <= MaxProgress {
			return Round6(provided), true
		}
		return MaxProgress, true
	}

	if opts.Format == models.FormatAudiobook && opts.Book != nil &&
		opts.Book.DurationSeconds > 0 && opts.Book.CurrentTimeSeconds >= 0 {
		computed := Round6(opts.Book.CurrentTimeSeconds / opts.Book.DurationSeconds * 100)
		if providedOK && math.Abs(computed-provided) > 1 {
			e.log.Debug("Position-based progress differs from reported value", map[string]interface{}{
				"computed": computed,
				"reported": provided,
			})
		}
		return Clamp(computed), true
	}

	if !providedOK {
		return 0, false
	}
	if provided < MinProgress || provided > MaxProgress {
		e.log.Warn("Progress out of range, clamping", map[string]interface{}{
			"value": provided,
		})
	}
	return Round6(Clamp(provided)), true
}

// coerceNumber accepts float and integer types plus numeric strings,
// rejecting NaN and infinities.
func coerceNumber(raw interface{}) (float64, bool) {
	var v float64
	switch n := raw.(type) {
	case nil:
		return 0, false
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		v = parsed
	default:
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// CompletionOptions steer IsComplete. Threshold of zero uses the engine
// default.
type CompletionOptions struct {
	IsFinished *bool
	Threshold  float64
	Format     models.Format
	Book       *BookData
}

// IsComplete decides whether progress represents a finished book. An
// asserted finished flag wins outright. Audiobooks complete when little play
// time remains, text formats when few pages remain; both fall back to the
// percentage threshold, which is all the unknown format gets.
func (e *Engine) IsComplete(progress float64, opts CompletionOptions) bool {
	if opts.IsFinished != nil {
		return *opts.IsFinished
	}

	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = e.cfg.CompletionThreshold
	}

	switch opts.Format {
	case models.FormatAudiobook:
		if opts.Book != nil && opts.Book.DurationSeconds > 0 {
			current := opts.Book.CurrentTimeSeconds
			if current <= 0 && progress > 0 {
				current = progress / 100 * opts.Book.DurationSeconds
			}
			if opts.Book.DurationSeconds-current <= e.cfg.AudiobookFinishSeconds {
				return true
			}
		}
	case models.FormatEbook, models.FormatPhysical:
		if opts.Book != nil && opts.Book.Pages > 0 {
			currentPage := CurrentPosition(progress, float64(opts.Book.Pages), models.PositionPages)
			if float64(opts.Book.Pages)-currentPage <= float64(e.cfg.PagesRemainingFinish) {
				return true
			}
		}
	}

	return progress >= threshold
}

// CurrentPosition converts a percentage to a concrete position: pages are
// 1-based, seconds 0-based, both rounded to whole units.
func CurrentPosition(pct, total float64, kind models.PositionKind) float64 {
	if total <= 0 {
		if kind == models.PositionPages {
			return 1
		}
		return 0
	}
	pos := math.Round(pct / 100 * total)
	if kind == models.PositionPages {
		return math.Max(1, pos)
	}
	return math.Max(0, pos)
}

// ProgressFromPosition is the inverse conversion, rounded to 6 decimals.
func ProgressFromPosition(pos, total float64, kind models.PositionKind) float64 {
	if total <= 0 {
		return 0
	}
	return Round6(Clamp(pos / total * 100))
}

// Direction of a progress change.
const (
	DirectionIncrease = "increase"
	DirectionDecrease = "decrease"
	DirectionNone     = "none"
)

// Change describes the delta between two progress values.
type Change struct {
	HasChange      bool
	Direction      string
	AbsoluteChange float64
	IsRegression   bool
}

// DetectChange compares two progress values against a significance
// threshold; a non-positive threshold uses the engine default. Values are
// rounded to 6 decimals before comparison.
func (e *Engine) DetectChange(old, new float64, threshold float64) Change {
	if threshold <= 0 {
		threshold = e.cfg.SignificantChange
	}

	delta := Round6(Round6(new) - Round6(old))
	abs := math.Abs(delta)

	c := Change{AbsoluteChange: abs, Direction: DirectionNone}
	if abs < threshold {
		return c
	}

	c.HasChange = true
	if delta > 0 {
		c.Direction = DirectionIncrease
	} else {
		c.Direction = DirectionDecrease
		c.IsRegression = true
	}
	return c
}

// Regression is the verdict on a progress drop.
type Regression struct {
	ShouldBlock       bool
	ShouldWarn        bool
	IsPotentialReread bool
	DropPercent       float64
	Reason            string
}

// AnalyzeRegression gates progress drops. A missing prior value means a new
// book: no regression. Drops at or above the block threshold are refused; a
// high-to-low drop is flagged as a potential re-read; moderate drops warn.
func (e *Engine) AnalyzeRegression(prior *float64, current float64) Regression {
	if prior == nil {
		return Regression{Reason: "no prior progress"}
	}

	drop := Round6(*prior - current)
	if drop <= 0 {
		return Regression{Reason: "no regression"}
	}

	r := Regression{DropPercent: drop}

	if *prior >= e.cfg.RegressionHigh && current <= e.cfg.RereadThreshold {
		r.IsPotentialReread = true
	}

	switch {
	case drop >= e.cfg.RegressionBlock:
		r.ShouldBlock = true
		r.Reason = "Major regression: " + strconv.FormatFloat(drop, 'f', 1, 64) + "% drop"
	case drop >= e.cfg.RegressionWarn:
		r.ShouldWarn = true
		r.Reason = "Progress regression: " + strconv.FormatFloat(drop, 'f', 1, 64) + "% drop"
	default:
		r.Reason = "minor drop tolerated"
	}

	return r
}
