package dataset

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/racl_absa/internal/tokenizer"
)

func writeSplit(t *testing.T, dir string, sentences, aspects, opinions, polarities string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	files := map[string]string{
		SentenceFile: sentences,
		AspectFile:   aspects,
		OpinionFile:  opinions,
		PolarityFile: polarities,
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
}

func testTokenizer(t *testing.T) *tokenizer.Tokenizer {
	t.Helper()
	tok, err := tokenizer.NewTokenizer([]string{"the", "pizza", "was", "great", "service", "slow"}, nil)
	require.NoError(t, err)
	return tok
}

func TestReadData(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "train")
	writeSplit(t, dir,
		"The pizza was great\nservice slow\n",
		"0 1 0 0\n1 0\n",
		"0 0 0 1\n0 1\n",
		"0 1 0 0\n4 0\n",
	)

	split, err := ReadData(dir, testTokenizer(t), 6, false)
	require.NoError(t, err)
	assert.Equal(t, "train", split.Name)
	require.Equal(t, 2, split.Len())

	ex := split.Examples[0]
	assert.Equal(t, 4, ex.Length)
	assert.Equal(t, []int{2, 3, 4, 5, 0, 0}, ex.Tokens)
	assert.Equal(t, []float64{1, 1, 1, 1, 0, 0}, ex.WordMask)
	assert.Equal(t, []float64{0, 1, 0, 0, 0, 0}, ex.SentiMask)
	assert.Equal(t, []float64{0, 1, 0}, ex.Aspect.Row(1))
	assert.Equal(t, []float64{1, 0, 0}, ex.Aspect.Row(0))
	assert.Equal(t, []float64{0, 0, 0}, ex.Aspect.Row(5))
	assert.Equal(t, []float64{1, 0, 0}, ex.Sentiment.Row(1))

	conflict := split.Examples[1]
	assert.Equal(t, []float64{0, 0, 0}, conflict.Sentiment.Row(0))
	assert.Equal(t, 0.0, conflict.SentiMask[0])
}

func TestReadDataTestingMasksEveryToken(t *testing.T) {
	dir := t.TempDir()
	writeSplit(t, dir, "the pizza\n", "0 1\n", "0 0\n", "0 2\n")

	split, err := ReadData(dir, testTokenizer(t), 4, true)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1, 0, 0}, split.Examples[0].SentiMask)
}

func TestReadDataTruncates(t *testing.T) {
	dir := t.TempDir()
	writeSplit(t, dir, "the pizza was great\n", "0 1 0 0\n", "0 0 0 1\n", "0 1 0 0\n")

	split, err := ReadData(dir, testTokenizer(t), 2, false)
	require.NoError(t, err)
	ex := split.Examples[0]
	assert.Equal(t, 2, ex.Length)
	assert.Equal(t, []int{2, 3}, ex.Tokens)
}

func TestReadDataErrors(t *testing.T) {
	tests := []struct {
		name       string
		sentences  string
		aspects    string
		opinions   string
		polarities string
	}{
		{"line count mismatch", "the pizza\nservice\n", "0 1\n", "0 0\n0\n", "0 1\n0\n"},
		{"label length mismatch", "the pizza\n", "0 1 0\n", "0 0\n", "0 1\n"},
		{"unknown tag", "the pizza\n", "0 3\n", "0 0\n", "0 1\n"},
		{"unknown polarity", "the pizza\n", "0 1\n", "0 0\n", "0 7\n"},
		{"non numeric label", "the pizza\n", "0 x\n", "0 0\n", "0 1\n"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			dir := t.TempDir()
			writeSplit(t, dir, test.sentences, test.aspects, test.opinions, test.polarities)
			_, err := ReadData(dir, testTokenizer(t), 4, false)
			require.Error(t, err)
		})
	}
}

func TestPosition(t *testing.T) {
	dir := t.TempDir()
	writeSplit(t, dir, "the pizza\n", "0 1\n", "0 0\n", "0 1\n")
	split, err := ReadData(dir, testTokenizer(t), 3, false)
	require.NoError(t, err)

	pos, err := split.Examples[0].Position()
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0.5, 0, 0.5, 1, 0, 0, 0, 0}, pos.Data)
}

func TestBatches(t *testing.T) {
	split := &Split{}
	for i := 0; i < 5; i++ {
		split.Examples = append(split.Examples, &Example{Length: i})
	}

	batches := split.Batches(2, nil)
	require.Len(t, batches, 3)
	assert.Equal(t, 0, batches[0][0].Length)
	assert.Equal(t, 4, batches[2][0].Length)

	shuffled := split.Batches(2, rand.New(rand.NewSource(5)))
	total := 0
	for _, b := range shuffled {
		total += len(b)
	}
	assert.Equal(t, 5, total)
}

func TestLoadSplits(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"train", "dev", "test"} {
		writeSplit(t, filepath.Join(root, name), "the pizza\n", "0 1\n", "0 0\n", "0 1\n")
	}

	splits, err := LoadSplits(context.Background(), testTokenizer(t), 4,
		filepath.Join(root, "train"), filepath.Join(root, "dev"), filepath.Join(root, "test"))
	require.NoError(t, err)
	assert.False(t, splits.Train.Testing)
	assert.True(t, splits.Test.Testing)
	assert.Equal(t, []float64{1, 1, 0, 0}, splits.Test.Examples[0].SentiMask)

	_, err = LoadSplits(context.Background(), testTokenizer(t), 4,
		filepath.Join(root, "train"), filepath.Join(root, "missing"), filepath.Join(root, "test"))
	require.Error(t, err)
}

func TestLoadEmbeddings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "glove.txt")
	require.NoError(t, os.WriteFile(path, []byte("2 3\nPizza 0.1 0.2 0.3\nslow 1 2 3\n"), 0o644))

	emb, err := LoadEmbeddings(path)
	require.NoError(t, err)
	assert.Equal(t, 3, emb.Dim)
	assert.Equal(t, []string{"Pizza", "slow"}, emb.Tokens)

	tok, err := NewTokenizerFromEmbeddings(nil, emb)
	require.NoError(t, err)
	assert.Equal(t, 4, tok.VocabSize())

	table := emb.Table(tok)
	assert.Equal(t, 4, table.Rows)
	assert.Equal(t, []float64{0, 0, 0}, table.Row(tokenizer.PadID))
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, table.Row(tok.TokenID("pizza")))
}

func TestLoadEmbeddingsDimensionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.txt")
	require.NoError(t, os.WriteFile(path, []byte("a 1 2\nb 1\n"), 0o644))
	_, err := LoadEmbeddings(path)
	require.Error(t, err)
}
