// Package evaluation turns per-token tag distributions into aspect and
// opinion spans and scores them: extraction F1, sentiment accuracy and F1 on
// correctly extracted aspects, and end-to-end ABSA F1.
package evaluation

import (
	"gonum.org/v1/gonum/floats"
)

// Epsilon is added to every metric denominator
const Epsilon = 1e-6

// Tag values of the BIO scheme shared by aspect and opinion sequences
const (
	TagOutside = 0
	TagBegin   = 1
	TagInside  = 2
)

// Polarity is a sentiment label in sequence form
type Polarity int

const (
	// PolarityNone marks background tokens and conflict aspects
	PolarityNone     Polarity = 0
	PolarityPositive Polarity = 1
	PolarityNegative Polarity = 2
	PolarityNeutral  Polarity = 3
	// PolarityConflict only appears in gold files and scores like PolarityNone
	PolarityConflict Polarity = 4
)

// PolarityCounts holds one counter per scored polarity
type PolarityCounts struct {
	Pos int
	Neg int
	Neu int
}

// Add increments the counter for p and reports whether p was counted
func (c *PolarityCounts) Add(p Polarity) bool {
	switch p {
	case PolarityPositive:
		c.Pos++
	case PolarityNegative:
		c.Neg++
	case PolarityNeutral:
		c.Neu++
	default:
		return false
	}
	return true
}

// Total sums the three counters
func (c PolarityCounts) Total() int {
	return c.Pos + c.Neg + c.Neu
}

// ScoreMode selects whether Score also tracks sentiment
type ScoreMode int

const (
	// ExtractionOnly scores spans only (opinion terms)
	ExtractionOnly ScoreMode = iota
	// WithSentiment also scores the polarity of matched spans (aspect terms)
	WithSentiment
)

// Counts is the raw bookkeeping of one scoring pass
type Counts struct {
	Correct           int
	Predicted         int
	Relevant          int
	PredictedConflict int

	// PredPolarity counts predicted polarities of correctly extracted spans
	PredPolarity PolarityCounts
	// RelPolarity counts gold polarities of correctly extracted spans
	RelPolarity PolarityCounts
	// CorrectPolarity counts spans with both extent and polarity right
	CorrectPolarity PolarityCounts
	// TotalPolarity counts gold polarities of every gold span
	TotalPolarity PolarityCounts
}

// Scores are the metrics derived from Counts
type Scores struct {
	ExtractionF1 float64
	SentimentAcc float64
	SentimentF1  float64
	ABSAF1       float64
	Counts       Counts
}

// ConvertToList turns per-token tag distributions y and sentiment
// distributions s into integer sequences. Each sentence is read up to its
// first zero mask value; tags are argmax(y) and sentiments are 0 for an
// all-zero distribution, else 1+argmax(s). Ties go to the lowest index.
func ConvertToList(y, s [][][]float64, mask [][]float64) (tags, senti [][]int) {
	tags = make([][]int, len(y))
	senti = make([][]int, len(y))
	for i := range y {
		var ts, ss []int
		for t, m := range mask[i] {
			if m == 0 {
				break
			}
			ts = append(ts, floats.MaxIdx(y[i][t]))
			if allZero(s[i][t]) {
				ss = append(ss, int(PolarityNone))
			} else {
				ss = append(ss, floats.MaxIdx(s[i][t])+1)
			}
		}
		if ts == nil {
			ts, ss = []int{}, []int{}
		}
		tags[i], senti[i] = ts, ss
	}
	return tags, senti
}

func allZero(v []float64) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// at reads seq[i], treating positions past the end as outside
func at(seq []int, i int) int {
	if i < len(seq) {
		return seq[i]
	}
	return TagOutside
}

// spanMatches reports whether the spans starting at begin have the same
// extent in both sequences
func spanMatches(trueSeq, predSeq []int, begin int) bool {
	for j := begin + 1; j < len(trueSeq); j++ {
		trueIn := trueSeq[j] == TagInside
		predIn := at(predSeq, j) == TagInside
		switch {
		case trueIn && predIn:
			continue
		case !trueIn && !predIn:
			return true
		default:
			return false
		}
	}
	return true
}

// Score compares gold and predicted tag sequences span by span
func Score(trueTags, predTags, trueSenti, predSenti [][]int, mode ScoreMode) Scores {
	var c Counts
	for i, trueSeq := range trueTags {
		predSeq := predTags[i]
		for num, tag := range trueSeq {
			if tag != TagBegin {
				continue
			}
			c.Relevant++
			var gold Polarity
			if mode == WithSentiment {
				gold = Polarity(at(trueSenti[i], num))
				c.TotalPolarity.Add(gold)
			}

			if at(predSeq, num) != TagBegin || !spanMatches(trueSeq, predSeq, num) {
				continue
			}
			c.Correct++
			if mode != WithSentiment {
				continue
			}
			if gold < PolarityPositive || gold > PolarityNeutral {
				c.PredictedConflict++
				continue
			}
			pred := Polarity(at(predSenti[i], num))
			c.RelPolarity.Add(gold)
			c.PredPolarity.Add(pred)
			if gold == pred {
				c.CorrectPolarity.Add(gold)
			}
		}
		for _, tag := range predSeq {
			if tag == TagBegin {
				c.Predicted++
			}
		}
	}

	s := Scores{Counts: c}
	p := float64(c.Correct) / (float64(c.Predicted) + Epsilon)
	r := float64(c.Correct) / (float64(c.Relevant) + Epsilon)
	s.ExtractionF1 = f1(p, r)

	if mode == WithSentiment {
		correctOverall := float64(c.CorrectPolarity.Total())
		s.SentimentAcc = correctOverall / (float64(c.RelPolarity.Total()) + Epsilon)

		pPos, rPos := ratio(c.CorrectPolarity.Pos, c.PredPolarity.Pos), ratio(c.CorrectPolarity.Pos, c.RelPolarity.Pos)
		pNeg, rNeg := ratio(c.CorrectPolarity.Neg, c.PredPolarity.Neg), ratio(c.CorrectPolarity.Neg, c.RelPolarity.Neg)
		pNeu, rNeu := ratio(c.CorrectPolarity.Neu, c.PredPolarity.Neu), ratio(c.CorrectPolarity.Neu, c.RelPolarity.Neu)
		// Sentiment F1 is the F1 of macro precision and macro recall, which
		// keeps results comparable with published IMN numbers.
		s.SentimentF1 = f1((pPos+pNeg+pNeu)/3.0, (rPos+rNeg+rNeu)/3.0)

		pABSA := correctOverall / (float64(c.Predicted) + Epsilon - float64(c.PredictedConflict))
		rABSA := correctOverall / (float64(c.TotalPolarity.Total()) + Epsilon)
		s.ABSAF1 = f1(pABSA, rABSA)
	}
	return s
}

func ratio(num, den int) float64 {
	return float64(num) / (float64(den) + Epsilon)
}

func f1(p, r float64) float64 {
	return 2 * p * r / (p + r + Epsilon)
}

// Metrics are the five numbers reported per evaluation
type Metrics struct {
	AspectF1     float64
	OpinionF1    float64
	SentimentAcc float64
	SentimentF1  float64
	ABSAF1       float64
}

// MetricInput carries gold and predicted distributions for a set of sentences,
// each of shape sentences x max_len x classes, plus the word mask
type MetricInput struct {
	TrueAspect, PredAspect       [][][]float64
	TrueOpinion, PredOpinion     [][][]float64
	TrueSentiment, PredSentiment [][][]float64
	Mask                         [][]float64
}

// GetMetric converts and scores aspect spans with sentiment and, when
// withOpinion is set, opinion spans without
func GetMetric(in MetricInput, withOpinion bool) Metrics {
	trueAspect, trueSenti := ConvertToList(in.TrueAspect, in.TrueSentiment, in.Mask)
	predAspect, predSenti := ConvertToList(in.PredAspect, in.PredSentiment, in.Mask)

	aspect := Score(trueAspect, predAspect, trueSenti, predSenti, WithSentiment)
	m := Metrics{
		AspectF1:     aspect.ExtractionF1,
		SentimentAcc: aspect.SentimentAcc,
		SentimentF1:  aspect.SentimentF1,
		ABSAF1:       aspect.ABSAF1,
	}

	if withOpinion {
		trueOpinion, _ := ConvertToList(in.TrueOpinion, in.TrueSentiment, in.Mask)
		predOpinion, _ := ConvertToList(in.PredOpinion, in.PredSentiment, in.Mask)
		m.OpinionF1 = Score(trueOpinion, predOpinion, trueSenti, predSenti, ExtractionOnly).ExtractionF1
	}
	return m
}
