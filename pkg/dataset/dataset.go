// Package dataset reads ABSA splits and pretrained embeddings into padded
// per-sentence examples.
package dataset

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/racl_absa/internal/tokenizer"
	"github.com/racl_absa/internal/utils"
	"github.com/racl_absa/pkg/autodiff"
)

// ClassNum is the number of classes of every per-token task
const ClassNum = 3

// Split file names
const (
	SentenceFile = "sentence.txt"
	AspectFile   = "target.txt"
	OpinionFile  = "opinion.txt"
	PolarityFile = "target_polarity.txt"
)

// Example is one sentence padded to the maximum sentence length
type Example struct {
	Tokens []int
	// Length is the number of real tokens
	Length int
	// WordMask is 1 for real tokens
	WordMask []float64
	// SentiMask selects the tokens whose sentiment is trained and scored
	SentiMask []float64

	// Label distributions, max_len x ClassNum
	Aspect    *autodiff.Matrix
	Opinion   *autodiff.Matrix
	Sentiment *autodiff.Matrix
}

// MaxLen returns the padded length
func (e *Example) MaxLen() int {
	return len(e.Tokens)
}

// Position builds the relative-distance attention bias of the sentence
func (e *Example) Position() (*autodiff.Matrix, error) {
	return utils.NewPositionMatrix(len(e.Tokens), e.Length)
}

// Split is a loaded train, dev or test set
type Split struct {
	Name     string
	Examples []*Example
	// Testing splits expose sentiment on every real token
	Testing bool
}

// Len returns the number of sentences
func (s *Split) Len() int {
	return len(s.Examples)
}

// Batches groups examples into batches of at most batchSize. A non-nil rng
// reshuffles the full order first.
func (s *Split) Batches(batchSize int, rng *rand.Rand) [][]*Example {
	idx := utils.BatchIndices(len(s.Examples), batchSize, rng)
	batches := make([][]*Example, len(idx))
	for i, b := range idx {
		batches[i] = make([]*Example, len(b))
		for j, k := range b {
			batches[i][j] = s.Examples[k]
		}
	}
	return batches
}

// ReadData reads sentence.txt, target.txt, opinion.txt and
// target_polarity.txt from dir. Aspect and opinion tags 0/1/2 become one-hot
// rows. Polarities 1/2/3 become one-hot rows with sentiment mask 1; 0 and the
// conflict value 4 stay all-zero with mask 0. When isTesting is set the
// sentiment mask covers every real token.
func ReadData(dir string, tok *tokenizer.Tokenizer, maxLen int, isTesting bool) (*Split, error) {
	sentences, err := readLines(filepath.Join(dir, SentenceFile))
	if err != nil {
		return nil, err
	}
	aspects, err := readInts(filepath.Join(dir, AspectFile))
	if err != nil {
		return nil, err
	}
	opinions, err := readInts(filepath.Join(dir, OpinionFile))
	if err != nil {
		return nil, err
	}
	polarities, err := readInts(filepath.Join(dir, PolarityFile))
	if err != nil {
		return nil, err
	}
	n := len(sentences)
	if len(aspects) != n || len(opinions) != n || len(polarities) != n {
		return nil, fmt.Errorf("%s: line counts differ (sentences=%d aspects=%d opinions=%d polarities=%d)",
			dir, n, len(aspects), len(opinions), len(polarities))
	}

	split := &Split{Name: filepath.Base(filepath.Clean(dir)), Testing: isTesting}
	for i, line := range sentences {
		ex, err := newExample(tok, line, aspects[i], opinions[i], polarities[i], maxLen, isTesting)
		if err != nil {
			return nil, fmt.Errorf("%s sentence %d: %w", dir, i+1, err)
		}
		split.Examples = append(split.Examples, ex)
	}
	return split, nil
}

func newExample(tok *tokenizer.Tokenizer, line string, aspect, opinion, polarity []int, maxLen int, isTesting bool) (*Example, error) {
	words := tok.Tokenize(line)
	if len(aspect) != len(words) || len(opinion) != len(words) || len(polarity) != len(words) {
		return nil, fmt.Errorf("label lengths (%d, %d, %d) don't match %d tokens",
			len(aspect), len(opinion), len(polarity), len(words))
	}
	if len(words) > maxLen {
		words = words[:maxLen]
	}

	ex := &Example{
		Tokens:    make([]int, maxLen),
		Length:    len(words),
		WordMask:  utils.NewPaddingMask(maxLen, len(words)),
		SentiMask: make([]float64, maxLen),
		Aspect:    autodiff.MustNewMatrix(maxLen, ClassNum),
		Opinion:   autodiff.MustNewMatrix(maxLen, ClassNum),
		Sentiment: autodiff.MustNewMatrix(maxLen, ClassNum),
	}
	for t, w := range words {
		ex.Tokens[t] = tok.TokenID(w)
		if err := setTag(ex.Aspect, t, aspect[t]); err != nil {
			return nil, fmt.Errorf("aspect token %d: %w", t, err)
		}
		if err := setTag(ex.Opinion, t, opinion[t]); err != nil {
			return nil, fmt.Errorf("opinion token %d: %w", t, err)
		}
		switch p := polarity[t]; p {
		case 1, 2, 3:
			ex.Sentiment.Set(t, p-1, 1)
			ex.SentiMask[t] = 1
		case 0, 4:
		default:
			return nil, fmt.Errorf("polarity token %d: unknown value %d", t, p)
		}
		if isTesting {
			ex.SentiMask[t] = 1
		}
	}
	return ex, nil
}

func setTag(m *autodiff.Matrix, t, tag int) error {
	if tag < 0 || tag >= ClassNum {
		return fmt.Errorf("unknown tag %d", tag)
	}
	m.Set(t, tag, 1)
	return nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return lines, nil
}

func readInts(path string) ([][]int, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	out := make([][]int, len(lines))
	for i, line := range lines {
		fields := strings.Fields(line)
		out[i] = make([]int, len(fields))
		for j, f := range fields {
			v, err := strconv.Atoi(f)
			if err != nil {
				return nil, fmt.Errorf("%s line %d: %w", path, i+1, err)
			}
			out[i][j] = v
		}
	}
	return out, nil
}

// Splits holds the three datasets of a task
type Splits struct {
	Train *Split
	Dev   *Split
	Test  *Split
}

// LoadSplits reads the train, dev and test directories concurrently. Only
// the test split is read in testing mode.
func LoadSplits(ctx context.Context, tok *tokenizer.Tokenizer, maxLen int, trainDir, devDir, testDir string) (*Splits, error) {
	var s Splits
	g, ctx := errgroup.WithContext(ctx)
	load := func(dst **Split, dir string, testing bool) {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			split, err := ReadData(dir, tok, maxLen, testing)
			if err != nil {
				return err
			}
			*dst = split
			return nil
		})
	}
	load(&s.Train, trainDir, false)
	load(&s.Dev, devDir, false)
	load(&s.Test, testDir, true)
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &s, nil
}
