package evaluation

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// oneHot expands tag sequences into padded one-hot distributions
func oneHot(seqs [][]int, maxLen, classes int) [][][]float64 {
	out := make([][][]float64, len(seqs))
	for i, seq := range seqs {
		out[i] = make([][]float64, maxLen)
		for t := range out[i] {
			out[i][t] = make([]float64, classes)
			if t < len(seq) {
				out[i][t][seq[t]] = 1
			}
		}
	}
	return out
}

// sentiment expands polarity sequences (0 = none) into distributions
func sentiment(seqs [][]int, maxLen int) [][][]float64 {
	out := make([][][]float64, len(seqs))
	for i, seq := range seqs {
		out[i] = make([][]float64, maxLen)
		for t := range out[i] {
			out[i][t] = make([]float64, 3)
			if t < len(seq) && seq[t] > 0 {
				out[i][t][seq[t]-1] = 1
			}
		}
	}
	return out
}

func masks(lengths []int, maxLen int) [][]float64 {
	out := make([][]float64, len(lengths))
	for i, n := range lengths {
		out[i] = make([]float64, maxLen)
		for t := 0; t < n; t++ {
			out[i][t] = 1
		}
	}
	return out
}

func TestConvertToList(t *testing.T) {
	y := [][][]float64{{
		{0.1, 0.8, 0.1},
		{0.2, 0.2, 0.6},
		{0.5, 0.5, 0.0},
		{0.9, 0.0, 0.1},
	}}
	s := [][][]float64{{
		{0, 0, 0},
		{0.1, 0.7, 0.2},
		{0.3, 0.3, 0.3},
		{1, 0, 0},
	}}

	tags, senti := ConvertToList(y, s, [][]float64{{1, 1, 1, 0}})
	assert.Equal(t, [][]int{{1, 2, 0}}, tags)
	assert.Equal(t, [][]int{{0, 2, 1}}, senti)
}

func TestConvertToListStopsAtFirstZeroMask(t *testing.T) {
	y := oneHot([][]int{{1, 2, 0, 1}}, 4, 3)
	s := sentiment([][]int{{1, 1, 0, 2}}, 4)

	tags, senti := ConvertToList(y, s, [][]float64{{1, 0, 1, 1}})
	assert.Equal(t, [][]int{{1}}, tags)
	assert.Equal(t, [][]int{{1}}, senti)

	tags, _ = ConvertToList(y, s, [][]float64{{0, 0, 0, 0}})
	assert.Equal(t, [][]int{{}}, tags)
}

func TestConvertToListIsIdempotent(t *testing.T) {
	seqs := [][]int{{0, 1, 2, 0, 1}, {2, 0}}
	pols := [][]int{{0, 3, 3, 0, 1}, {0, 0}}
	mask := masks([]int{5, 2}, 6)

	tags, senti := ConvertToList(oneHot(seqs, 6, 3), sentiment(pols, 6), mask)
	again, againSenti := ConvertToList(oneHot(tags, 6, 3), sentiment(senti, 6), mask)
	assert.Equal(t, tags, again)
	assert.Equal(t, senti, againSenti)
	assert.Equal(t, seqs, tags)
}

func TestScore(t *testing.T) {
	tests := []struct {
		name      string
		trueTags  [][]int
		predTags  [][]int
		trueSenti [][]int
		predSenti [][]int
		mode      ScoreMode
		check     func(t *testing.T, s Scores)
	}{
		{
			name:     "longer gold span does not match",
			trueTags: [][]int{{1, 2, 2, 0}},
			predTags: [][]int{{1, 2, 0, 0}},
			mode:     ExtractionOnly,
			check: func(t *testing.T, s Scores) {
				assert.Equal(t, 0, s.Counts.Correct)
				assert.Equal(t, 1, s.Counts.Predicted)
				assert.Equal(t, 1, s.Counts.Relevant)
				assert.Equal(t, 0.0, s.ExtractionF1)
			},
		},
		{
			name:     "longer predicted span does not match",
			trueTags: [][]int{{1, 0, 0}},
			predTags: [][]int{{1, 2, 0}},
			mode:     ExtractionOnly,
			check: func(t *testing.T, s Scores) {
				assert.Equal(t, 0, s.Counts.Correct)
			},
		},
		{
			name:     "span running to the end of the sentence matches",
			trueTags: [][]int{{0, 1, 2}},
			predTags: [][]int{{0, 1, 2}},
			mode:     ExtractionOnly,
			check: func(t *testing.T, s Scores) {
				assert.Equal(t, 1, s.Counts.Correct)
				assert.InDelta(t, 1.0, s.ExtractionF1, 1e-5)
			},
		},
		{
			name:      "exact match with matching sentiment",
			trueTags:  [][]int{{1, 2, 0, 1}},
			predTags:  [][]int{{1, 2, 0, 1}},
			trueSenti: [][]int{{1, 1, 0, 2}},
			predSenti: [][]int{{1, 1, 3, 2}},
			mode:      WithSentiment,
			check: func(t *testing.T, s Scores) {
				assert.InDelta(t, 1.0, s.ExtractionF1, 1e-5)
				assert.InDelta(t, 1.0, s.SentimentAcc, 1e-5)
				assert.InDelta(t, 1.0, s.ABSAF1, 1e-5)
				// Neutral never occurs, so its precision and recall are 0
				assert.InDelta(t, 2.0/3.0, s.SentimentF1, 1e-5)
				assert.Equal(t, PolarityCounts{Pos: 1, Neg: 1}, s.Counts.CorrectPolarity)
			},
		},
		{
			name:      "matched conflict span is excluded from sentiment",
			trueTags:  [][]int{{1, 0, 1}},
			predTags:  [][]int{{1, 0, 1}},
			trueSenti: [][]int{{0, 0, 1}},
			predSenti: [][]int{{2, 0, 1}},
			mode:      WithSentiment,
			check: func(t *testing.T, s Scores) {
				assert.Equal(t, 1, s.Counts.PredictedConflict)
				assert.Equal(t, 1, s.Counts.RelPolarity.Total())
				assert.Equal(t, 1, s.Counts.TotalPolarity.Total())
				assert.InDelta(t, 1.0, s.SentimentAcc, 1e-5)
				assert.InDelta(t, 1.0, s.ABSAF1, 1e-5)
			},
		},
		{
			name:      "wrong polarity on a matched span",
			trueTags:  [][]int{{1, 0}},
			predTags:  [][]int{{1, 0}},
			trueSenti: [][]int{{1, 0}},
			predSenti: [][]int{{2, 0}},
			mode:      WithSentiment,
			check: func(t *testing.T, s Scores) {
				assert.InDelta(t, 1.0, s.ExtractionF1, 1e-5)
				assert.Equal(t, 0.0, s.SentimentAcc)
				assert.Equal(t, 0.0, s.ABSAF1)
				assert.Equal(t, PolarityCounts{Neg: 1}, s.Counts.PredPolarity)
				assert.Equal(t, PolarityCounts{Pos: 1}, s.Counts.RelPolarity)
			},
		},
		{
			name:      "empty input degrades to zero",
			trueTags:  [][]int{{}},
			predTags:  [][]int{{}},
			trueSenti: [][]int{{}},
			predSenti: [][]int{{}},
			mode:      WithSentiment,
			check: func(t *testing.T, s Scores) {
				assert.Equal(t, 0.0, s.ExtractionF1)
				assert.Equal(t, 0.0, s.SentimentAcc)
				assert.Equal(t, 0.0, s.SentimentF1)
				assert.Equal(t, 0.0, s.ABSAF1)
			},
		},
		{
			name:     "short prediction sequence is read as outside",
			trueTags: [][]int{{1, 2}},
			predTags: [][]int{{1}},
			mode:     ExtractionOnly,
			check: func(t *testing.T, s Scores) {
				assert.Equal(t, 0, s.Counts.Correct)
				assert.Equal(t, 1, s.Counts.Predicted)
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			test.check(t, Score(test.trueTags, test.predTags, test.trueSenti, test.predSenti, test.mode))
		})
	}
}

func TestScoreConflictSentinelMatchesNone(t *testing.T) {
	tags := [][]int{{1, 2, 0, 1, 0}}
	pred := [][]int{{1, 2, 0, 1, 1}}
	predSenti := [][]int{{3, 3, 0, 1, 1}}

	withSentinel := Score(tags, pred, [][]int{{4, 4, 0, 1, 0}}, predSenti, WithSentiment)
	withNone := Score(tags, pred, [][]int{{0, 0, 0, 1, 0}}, predSenti, WithSentiment)
	assert.Equal(t, withNone, withSentinel)
}

func TestScoreWorkedScenarios(t *testing.T) {
	truncated := Score([][]int{{1, 2, 2, 0}}, [][]int{{1, 2, 0, 0}}, [][]int{{1, 1, 1, 0}}, [][]int{{1, 1, 0, 0}}, WithSentiment)
	assert.Equal(t, 1, truncated.Counts.Relevant)
	assert.Equal(t, 1, truncated.Counts.Predicted)
	assert.Equal(t, 0, truncated.Counts.Correct)
	assert.Equal(t, "0.000", fmt.Sprintf("%.3f", truncated.ExtractionF1))
	assert.Equal(t, 0.0, truncated.SentimentAcc)
	assert.Equal(t, 0.0, truncated.SentimentF1)
	assert.Equal(t, 0.0, truncated.ABSAF1)

	exact := Score([][]int{{1, 2, 0}}, [][]int{{1, 2, 0}}, [][]int{{1, 1, 0}}, [][]int{{1, 1, 0}}, WithSentiment)
	assert.Equal(t, "1.000", fmt.Sprintf("%.3f", exact.ExtractionF1))
	assert.Equal(t, "1.000", fmt.Sprintf("%.3f", exact.SentimentAcc))
	assert.Equal(t, "1.000", fmt.Sprintf("%.3f", exact.ABSAF1))
	// Macro precision and recall average in the absent neg and neu classes
	assert.Equal(t, "0.333", fmt.Sprintf("%.3f", exact.SentimentF1))
}

func TestGetMetric(t *testing.T) {
	aspect := [][]int{{1, 2, 0, 0}, {0, 1, 0}}
	opinion := [][]int{{0, 0, 1, 0}, {1, 0, 0}}
	pols := [][]int{{1, 1, 0, 0}, {0, 3, 0}}
	mask := masks([]int{4, 3}, 5)

	in := MetricInput{
		TrueAspect:    oneHot(aspect, 5, 3),
		PredAspect:    oneHot(aspect, 5, 3),
		TrueOpinion:   oneHot(opinion, 5, 3),
		PredOpinion:   oneHot([][]int{{0, 0, 1, 2}, {0, 0, 0}}, 5, 3),
		TrueSentiment: sentiment(pols, 5),
		PredSentiment: sentiment(pols, 5),
		Mask:          mask,
	}

	m := GetMetric(in, true)
	assert.InDelta(t, 1.0, m.AspectF1, 1e-5)
	assert.InDelta(t, 1.0, m.SentimentAcc, 1e-5)
	assert.InDelta(t, 1.0, m.ABSAF1, 1e-5)
	// One of two gold opinions found, one prediction wrong in extent
	assert.Equal(t, 0.0, m.OpinionF1)

	noOpinion := GetMetric(in, false)
	assert.Equal(t, 0.0, noOpinion.OpinionF1)
	assert.Equal(t, m.AspectF1, noOpinion.AspectF1)
}

func TestWriteAndEvaluatePredictions(t *testing.T) {
	aspect := [][]int{{1, 2, 0}, {0, 1}}
	opinion := [][]int{{0, 0, 1}, {1, 0}}
	pols := [][]int{{2, 2, 0}, {0, 1}}
	mask := masks([]int{3, 2}, 4)

	predDir := filepath.Join(t.TempDir(), "pred")
	err := WritePredictions(predDir, oneHot(aspect, 4, 3), oneHot(opinion, 4, 3), sentiment(pols, 4), mask)
	require.NoError(t, err)

	got, err := ReadSequences(filepath.Join(predDir, AspectFile))
	require.NoError(t, err)
	assert.Equal(t, aspect, got)

	raw, err := os.ReadFile(filepath.Join(predDir, PolarityFile))
	require.NoError(t, err)
	assert.Equal(t, "2 2 0\n0 1\n", string(raw))

	goldDir := t.TempDir()
	writeFile(t, goldDir, AspectFile, "1 2 0\n0 1\n")
	writeFile(t, goldDir, OpinionFile, "0 0 1\n1 0\n")
	writeFile(t, goldDir, PolarityFile, "2 2 0\n0 1\n")

	m, err := EvaluateWrittenPredictions(goldDir, predDir)
	require.NoError(t, err)
	assert.Equal(t, "1.000\t1.000\t1.000\t0.667\t1.000\t", m.Row())
}

func TestEvaluateWrittenPredictionsRemapsConflict(t *testing.T) {
	predDir := t.TempDir()
	writeFile(t, predDir, AspectFile, "1 0 1\n")
	writeFile(t, predDir, OpinionFile, "0 1 0\n")
	writeFile(t, predDir, PolarityFile, "3 0 1\n")

	sentinelDir := t.TempDir()
	writeFile(t, sentinelDir, AspectFile, "1 0 1\n")
	writeFile(t, sentinelDir, OpinionFile, "0 1 0\n")
	writeFile(t, sentinelDir, PolarityFile, "4 0 1\n")

	noneDir := t.TempDir()
	writeFile(t, noneDir, AspectFile, "1 0 1\n")
	writeFile(t, noneDir, OpinionFile, "0 1 0\n")
	writeFile(t, noneDir, PolarityFile, "0 0 1\n")

	withSentinel, err := EvaluateWrittenPredictions(sentinelDir, predDir)
	require.NoError(t, err)
	withNone, err := EvaluateWrittenPredictions(noneDir, predDir)
	require.NoError(t, err)
	assert.Equal(t, withNone, withSentinel)
	assert.InDelta(t, 1.0, withSentinel.ABSAF1, 1e-5)
}

func TestEvaluateWrittenPredictionsMissingFiles(t *testing.T) {
	_, err := EvaluateWrittenPredictions(t.TempDir(), t.TempDir())
	require.Error(t, err)
}

func TestHeader(t *testing.T) {
	assert.Equal(t, "AE\tOE\tS-acc\tS-f1\tABSA-f1", Header)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}
