package textmatch

import (
	"math"

	"github.com/shelfbridge/shelfbridge/internal/identifier"
	"github.com/shelfbridge/shelfbridge/internal/models"
)

// Signal weights of the composite score.
const (
	weightTitle    = 0.25
	weightAuthor   = 0.18
	weightSeries   = 0.12
	weightFormat   = 0.10
	weightActivity = 0.18
	weightYear     = 0.07
	weightDuration = 0.05
	weightNarrator = 0.03
)

// Confidence thresholds on the composite score.
const (
	highConfidenceScore   = 85.0
	mediumConfidenceScore = 70.0
)

// Target carries the source-book fields a candidate is scored against.
type Target struct {
	Title           string
	Author          string
	Narrator        string
	SeriesName      string
	SeriesSequence  string
	Year            int
	DurationSeconds float64
	Format          models.Format
}

// TargetFromMetadata builds a scoring target from extracted metadata.
func TargetFromMetadata(md models.ExtractedMetadata) Target {
	return Target{
		Title:           md.Title,
		Author:          md.Author,
		Narrator:        md.Narrator,
		SeriesName:      md.SeriesName,
		SeriesSequence:  md.SeriesSequence,
		Year:            md.PublishedYear,
		DurationSeconds: md.DurationSeconds,
		Format:          md.Format,
	}
}

// Result is a composite match score with its confidence bucket and the raw
// per-signal values that produced it.
type Result struct {
	Total      float64
	Confidence models.Confidence
	Breakdown  map[string]float64
}

// Score rates a search candidate against the target on the weighted signals:
// title, author, series, format, activity, year, duration and narrator, with
// penalty and bonus adjustments. Totals are clamped to [0,100].
func Score(candidate models.SearchCandidate, target Target) Result {
	normTitle := identifier.NormalizeTitle(target.Title)

	titleScore := Similarity(normTitle, identifier.NormalizeTitle(candidate.Title)) * 100
	authorScore := bestAuthorScore(candidate.Authors, target.Author)
	seriesScore := scoreSeries(candidate, target)
	formatScore := scoreFormat(candidate.Format)
	activityScore := scoreActivity(candidate)
	yearScore := scoreYear(candidate.ReleaseYear, target.Year)
	durationScore := scoreDuration(candidate, target)
	narratorScore := scoreNarrator(candidate.Narrators, target.Narrator)

	total := titleScore*weightTitle +
		authorScore*weightAuthor +
		seriesScore*weightSeries +
		formatScore*weightFormat +
		activityScore*weightActivity +
		yearScore*weightYear +
		durationScore*weightDuration +
		narratorScore*weightNarrator

	var penalties, bonuses float64

	// Short normalized titles carry little signal; discount them.
	if l := len([]rune(normTitle)); l > 0 && l <= 10 {
		p := math.Min(20, float64(11-l)*2)
		penalties += p
	}

	// A near-identical title with a wrong author is the classic false
	// positive for common titles.
	if titleScore >= 80 && authorScore < 30 {
		penalties += 25
	}

	// Prefer candidates in the format the user is actually consuming.
	if target.Format != models.FormatUnknown && candidate.Format == target.Format {
		switch candidate.Format {
		case models.FormatAudiobook:
			bonuses += 10
		case models.FormatEbook:
			bonuses += 8
		case models.FormatPhysical:
			bonuses += 5
		}
	}

	if m := math.Min(titleScore, authorScore); m >= 90 {
		bonuses += 8 * (m - 90) / 10
	}
	if m := math.Min(titleScore, authorScore); m >= 80 {
		bonuses += 4 * (m - 80) / 20
	}

	total = total - penalties + bonuses
	if total < 0 {
		total = 0
	}
	if total > 100 {
		total = 100
	}

	return Result{
		Total:      total,
		Confidence: confidenceFor(total),
		Breakdown: map[string]float64{
			"title":     titleScore,
			"author":    authorScore,
			"series":    seriesScore,
			"format":    formatScore,
			"activity":  activityScore,
			"year":      yearScore,
			"duration":  durationScore,
			"narrator":  narratorScore,
			"penalties": penalties,
			"bonuses":   bonuses,
		},
	}
}

func confidenceFor(total float64) models.Confidence {
	switch {
	case total >= highConfidenceScore:
		return models.ConfidenceHigh
	case total >= mediumConfidenceScore:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}

// bestAuthorScore scores the closest of the candidate's authors.
func bestAuthorScore(authors []string, targetAuthor string) float64 {
	if targetAuthor == "" || len(authors) == 0 {
		return 0
	}
	norm := identifier.NormalizeAuthor(targetAuthor)
	best := 0.0
	for _, a := range authors {
		if s := Similarity(norm, identifier.NormalizeAuthor(a)) * 100; s > best {
			best = s
		}
	}
	return best
}

// scoreSeries compares series membership. Series names must be clearly
// similar for any credit; matching sequence numbers are near-definitive.
func scoreSeries(candidate models.SearchCandidate, target Target) float64 {
	if target.SeriesName == "" || candidate.SeriesName == "" {
		return 65 // unknown on either side
	}

	nameSim := Similarity(
		identifier.NormalizeTitle(target.SeriesName),
		identifier.NormalizeTitle(candidate.SeriesName),
	)
	if nameSim < 0.8 {
		return 0
	}

	if target.SeriesSequence != "" && candidate.SeriesSeq != "" {
		if target.SeriesSequence == candidate.SeriesSeq {
			return 100
		}
		return 30
	}
	return 85
}

func scoreFormat(format models.Format) float64 {
	switch format {
	case models.FormatAudiobook:
		return 100
	case models.FormatEbook:
		return 75
	case models.FormatPhysical:
		return 50
	default:
		return 25
	}
}

// scoreActivity buckets the candidate's popularity, taking the largest of the
// available counts.
func scoreActivity(candidate models.SearchCandidate) float64 {
	activity := candidate.UsersCount
	if candidate.RatingsCount > activity {
		activity = candidate.RatingsCount
	}
	if candidate.ListsCount > activity {
		activity = candidate.ListsCount
	}

	switch {
	case activity >= 1000:
		return 100
	case activity >= 100:
		return 75
	case activity < 50:
		return 25
	default:
		return 50
	}
}

func scoreYear(candidateYear, targetYear int) float64 {
	if candidateYear == 0 || targetYear == 0 {
		return 70
	}
	diff := candidateYear - targetYear
	if diff < 0 {
		diff = -diff
	}
	switch {
	case diff == 0:
		return 100
	case diff <= 1:
		return 90
	case diff <= 5:
		return 75
	case diff <= 10:
		return 50
	default:
		return 20
	}
}

// scoreDuration compares audio lengths by percentage difference. Non-audio
// comparisons and missing durations stay neutral.
func scoreDuration(candidate models.SearchCandidate, target Target) float64 {
	if target.DurationSeconds <= 0 || candidate.AudioSeconds <= 0 {
		return 50
	}

	diffPct := math.Abs(candidate.AudioSeconds-target.DurationSeconds) / target.DurationSeconds * 100
	switch {
	case diffPct <= 1:
		return 100
	case diffPct <= 3:
		return 95
	case diffPct <= 5:
		return 85
	case diffPct <= 10:
		return 70
	case diffPct <= 15:
		return 50
	case diffPct <= 20:
		return 25
	default:
		return 0
	}
}

func scoreNarrator(narrators []string, targetNarrator string) float64 {
	if targetNarrator == "" || len(narrators) == 0 {
		return 60
	}
	norm := identifier.NormalizeNarrator(targetNarrator)
	best := 0.0
	for _, n := range narrators {
		if s := Similarity(norm, identifier.NormalizeNarrator(n)) * 100; s > best {
			best = s
		}
	}
	return best
}
