package dataset

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/racl_absa/internal/tokenizer"
	"github.com/racl_absa/pkg/autodiff"
)

// Embeddings is a pretrained token-to-vector table read from a text file
type Embeddings struct {
	Tokens  []string
	Vectors [][]float64
	Dim     int
}

// LoadEmbeddings reads a GloVe-style text file with one "token v1 ... vd"
// entry per line. A leading word2vec "count dim" header is skipped.
func LoadEmbeddings(path string) (*Embeddings, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open embeddings %s: %w", path, err)
	}
	defer f.Close()

	e := &Embeddings{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if lineNum == 1 && len(fields) == 2 {
			if _, err := strconv.Atoi(fields[1]); err == nil {
				continue
			}
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("%s line %d: missing vector", path, lineNum)
		}
		vec := make([]float64, len(fields)-1)
		for i, s := range fields[1:] {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("%s line %d: %w", path, lineNum, err)
			}
			vec[i] = v
		}
		if e.Dim == 0 {
			e.Dim = len(vec)
		} else if len(vec) != e.Dim {
			return nil, fmt.Errorf("%s line %d: dimension %d, expected %d", path, lineNum, len(vec), e.Dim)
		}
		e.Tokens = append(e.Tokens, fields[0])
		e.Vectors = append(e.Vectors, vec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read embeddings %s: %w", path, err)
	}
	if e.Dim == 0 {
		return nil, fmt.Errorf("embeddings %s are empty", path)
	}
	return e, nil
}

// NewTokenizerFromEmbeddings builds a vocabulary covering every token of the
// given tables, in file order
func NewTokenizerFromEmbeddings(options *tokenizer.TokenizerOptions, tables ...*Embeddings) (*tokenizer.Tokenizer, error) {
	var tokens []string
	for _, e := range tables {
		tokens = append(tokens, e.Tokens...)
	}
	return tokenizer.NewTokenizer(tokens, options)
}

// Table lays the embeddings out by tokenizer id. Padding, unknown tokens and
// vocabulary entries missing from the file get zero vectors.
func (e *Embeddings) Table(tok *tokenizer.Tokenizer) *autodiff.Matrix {
	table := autodiff.MustNewMatrix(tok.VocabSize(), e.Dim)
	for i, token := range e.Tokens {
		id := tok.TokenID(tok.Normalize(token))
		if id == tokenizer.UnkID || id == tokenizer.PadID {
			continue
		}
		copy(table.Row(id), e.Vectors[i])
	}
	return table
}
