package evaluation

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/multierr"
)

// File names shared by gold and prediction directories
const (
	AspectFile   = "target.txt"
	OpinionFile  = "opinion.txt"
	PolarityFile = "target_polarity.txt"
)

// Header is the column header printed above a Metrics row
const Header = "AE\tOE\tS-acc\tS-f1\tABSA-f1"

// Row formats the metrics as tab-separated values with three decimals
func (m Metrics) Row() string {
	return fmt.Sprintf("%.3f\t%.3f\t%.3f\t%.3f\t%.3f\t",
		m.AspectF1, m.OpinionF1, m.SentimentAcc, m.SentimentF1, m.ABSAF1)
}

// WritePredictions converts predicted distributions and writes opinion,
// aspect and polarity sequences into dir, one sentence per line
func WritePredictions(dir string, aspect, opinion, sentiment [][][]float64, mask [][]float64) error {
	predAspect, predSenti := ConvertToList(aspect, sentiment, mask)
	predOpinion, _ := ConvertToList(opinion, sentiment, mask)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create prediction dir %s: %w", dir, err)
	}
	return multierr.Combine(
		writeSequences(filepath.Join(dir, OpinionFile), predOpinion),
		writeSequences(filepath.Join(dir, AspectFile), predAspect),
		writeSequences(filepath.Join(dir, PolarityFile), predSenti),
	)
}

func writeSequences(path string, seqs [][]int) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()

	w := bufio.NewWriter(f)
	for _, seq := range seqs {
		parts := make([]string, len(seq))
		for i, v := range seq {
			parts[i] = strconv.Itoa(v)
		}
		if _, err := w.WriteString(strings.Join(parts, " ") + "\n"); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return w.Flush()
}

// ReadSequences reads whitespace-separated integer sequences, one per line
func ReadSequences(path string) ([][]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var seqs [][]int
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		fields := strings.Fields(scanner.Text())
		seq := make([]int, len(fields))
		for i, field := range fields {
			v, err := strconv.Atoi(field)
			if err != nil {
				return nil, fmt.Errorf("%s line %d: %w", path, lineNum, err)
			}
			seq[i] = v
		}
		seqs = append(seqs, seq)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return seqs, nil
}

// EvaluateWrittenPredictions scores a prediction directory against a gold
// directory. Gold conflict polarities (4) are mapped to 0 first.
func EvaluateWrittenPredictions(goldDir, predDir string) (Metrics, error) {
	var (
		aeGold, aePred, sentGold, sentPred, opGold, opPred [][]int
		errs                                                error
	)
	read := func(dst *[][]int, dir, name string) {
		seqs, err := ReadSequences(filepath.Join(dir, name))
		errs = multierr.Append(errs, err)
		*dst = seqs
	}
	read(&aeGold, goldDir, AspectFile)
	read(&aePred, predDir, AspectFile)
	read(&sentGold, goldDir, PolarityFile)
	read(&sentPred, predDir, PolarityFile)
	read(&opGold, goldDir, OpinionFile)
	read(&opPred, predDir, OpinionFile)
	if errs != nil {
		return Metrics{}, errs
	}

	if len(aePred) != len(aeGold) || len(opPred) != len(opGold) || len(sentPred) != len(aeGold) || len(sentGold) != len(aeGold) {
		return Metrics{}, fmt.Errorf("sentence counts differ between %s and %s", goldDir, predDir)
	}

	for _, seq := range sentGold {
		for i, v := range seq {
			if Polarity(v) == PolarityConflict {
				seq[i] = int(PolarityNone)
			}
		}
	}

	aspect := Score(aeGold, aePred, sentGold, sentPred, WithSentiment)
	opinion := Score(opGold, opPred, sentGold, sentPred, ExtractionOnly)
	return Metrics{
		AspectF1:     aspect.ExtractionF1,
		OpinionF1:    opinion.ExtractionF1,
		SentimentAcc: aspect.SentimentAcc,
		SentimentF1:  aspect.SentimentF1,
		ABSAF1:       aspect.ABSAF1,
	}, nil
}
