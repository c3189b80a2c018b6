package acquire

import (
	"strings"
	"unicode"

	"github.com/nevermorelove/spotify-track-bot/internal/domain"
	"github.com/nevermorelove/spotify-track-bot/internal/downloader"
)

// Scoring weights. Title overlap dominates; duration closeness breaks near
// ties between uploads of the same song.
const (
	titleWeight    = 0.5
	artistWeight   = 0.3
	durationWeight = 0.2

	// Candidates further than this from the expected duration score zero on
	// the duration component.
	durationToleranceSeconds = 30.0
)

// offTargetMarkers flag candidate titles that usually are not the studio
// recording. Applied only when the marker is absent from the wanted title.
var offTargetMarkers = []string{"live", "cover", "remix", "reaction", "karaoke", "sped up", "slowed"}

// scoreCandidate rates how well a search result matches the wanted track,
// in 0..1.
func scoreCandidate(meta domain.TrackMetadata, candidate downloader.Candidate) float64 {
	titleScore := tokenOverlap(meta.Title, candidate.Title)

	artistScore := tokenOverlap(meta.Artist, candidate.Title)
	if uploaderScore := tokenOverlap(meta.Artist, candidate.Uploader); uploaderScore > artistScore {
		artistScore = uploaderScore
	}

	durationScore := 0.5 // neutral when either duration is unknown
	if meta.DurationSeconds > 0 && candidate.DurationSeconds > 0 {
		diff := float64(meta.DurationSeconds - candidate.DurationSeconds)
		if diff < 0 {
			diff = -diff
		}
		durationScore = 1 - diff/durationToleranceSeconds
		if durationScore < 0 {
			durationScore = 0
		}
	}

	score := titleWeight*titleScore + artistWeight*artistScore + durationWeight*durationScore

	wantedTitle := strings.ToLower(meta.Title)
	candidateTitle := strings.ToLower(candidate.Title)
	for _, marker := range offTargetMarkers {
		if strings.Contains(candidateTitle, marker) && !strings.Contains(wantedTitle, marker) {
			score -= 0.2
			break
		}
	}

	if score < 0 {
		return 0
	}
	return score
}

// pickBestCandidate returns the highest-scoring candidate at or above
// minConfidence, or false when nothing clears the bar.
func pickBestCandidate(meta domain.TrackMetadata, candidates []downloader.Candidate, minConfidence float64) (downloader.Candidate, float64, bool) {
	var best downloader.Candidate
	bestScore := -1.0

	for _, candidate := range candidates {
		if candidate.URL == "" {
			continue
		}
		if score := scoreCandidate(meta, candidate); score > bestScore {
			best = candidate
			bestScore = score
		}
	}

	if bestScore < minConfidence {
		return downloader.Candidate{}, bestScore, false
	}
	return best, bestScore, true
}

// tokenOverlap returns the fraction of a's tokens that appear in b.
func tokenOverlap(a, b string) float64 {
	aTokens := tokenize(a)
	if len(aTokens) == 0 {
		return 0
	}

	bSet := make(map[string]bool)
	for _, token := range tokenize(b) {
		bSet[token] = true
	}

	matched := 0
	for _, token := range aTokens {
		if bSet[token] {
			matched++
		}
	}
	return float64(matched) / float64(len(aTokens))
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
