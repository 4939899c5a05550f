// Package tokenizer maps whitespace-tokenised sentences to vocabulary ids.
package tokenizer

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Reserved ids
const (
	PadID = 0
	UnkID = 1
)

// TokenizerOptions contains configuration options for the tokenizer
type TokenizerOptions struct {
	// Special tokens
	PadToken string
	UnkToken string

	// ModelMaxLength truncates and pads encodings; 0 disables both
	ModelMaxLength int

	// Processing options
	LowerCase bool
}

// NewDefaultTokenizerOptions creates default options for the tokenizer
func NewDefaultTokenizerOptions() *TokenizerOptions {
	return &TokenizerOptions{
		PadToken:  "<pad>",
		UnkToken:  "<unk>",
		LowerCase: true,
	}
}

// Tokenizer is a word-level tokenizer over a fixed vocabulary
type Tokenizer struct {
	Vocabulary map[string]int
	IdToToken  []string

	PadToken       string
	UnkToken       string
	ModelMaxLength int
	LowerCase      bool
}

// NewTokenizer builds a tokenizer from tokens in id order. The pad and unk
// tokens are always assigned ids 0 and 1; duplicates keep their first id.
func NewTokenizer(tokens []string, options *TokenizerOptions) (*Tokenizer, error) {
	if options == nil {
		options = NewDefaultTokenizerOptions()
	}
	if options.PadToken == "" || options.UnkToken == "" || options.PadToken == options.UnkToken {
		return nil, fmt.Errorf("pad and unk tokens must be distinct and non-empty")
	}

	t := &Tokenizer{
		Vocabulary:     map[string]int{},
		PadToken:       options.PadToken,
		UnkToken:       options.UnkToken,
		ModelMaxLength: options.ModelMaxLength,
		LowerCase:      options.LowerCase,
	}
	t.add(options.PadToken)
	t.add(options.UnkToken)
	for _, tok := range tokens {
		t.add(t.Normalize(tok))
	}
	return t, nil
}

// add registers token and returns its id
func (t *Tokenizer) add(token string) int {
	if id, ok := t.Vocabulary[token]; ok {
		return id
	}
	id := len(t.IdToToken)
	t.Vocabulary[token] = id
	t.IdToToken = append(t.IdToToken, token)
	return id
}

// VocabSize returns the number of ids including the reserved ones
func (t *Tokenizer) VocabSize() int {
	return len(t.IdToToken)
}

// Normalize applies the tokenizer's normalisation to a single token
func (t *Tokenizer) Normalize(token string) string {
	if t.LowerCase {
		return strings.ToLower(token)
	}
	return token
}

// Tokenize splits text on whitespace and normalises every token
func (t *Tokenizer) Tokenize(text string) []string {
	fields := strings.Fields(text)
	for i, f := range fields {
		fields[i] = t.Normalize(f)
	}
	return fields
}

// TokenID returns the id of an already normalised token, or UnkID
func (t *Tokenizer) TokenID(token string) int {
	if id, ok := t.Vocabulary[token]; ok {
		return id
	}
	return UnkID
}

// EncodingResult contains the result of encoding text
type EncodingResult struct {
	InputIds      []int
	AttentionMask []int
	Tokens        []string
	// Length is the number of real tokens after truncation
	Length int
}

// Encode converts text to ids, truncating and right-padding to
// ModelMaxLength when it is set
func (t *Tokenizer) Encode(text string) *EncodingResult {
	tokens := t.Tokenize(text)
	if t.ModelMaxLength > 0 && len(tokens) > t.ModelMaxLength {
		tokens = tokens[:t.ModelMaxLength]
	}

	size := len(tokens)
	if t.ModelMaxLength > size {
		size = t.ModelMaxLength
	}
	res := &EncodingResult{
		InputIds:      make([]int, size),
		AttentionMask: make([]int, size),
		Tokens:        tokens,
		Length:        len(tokens),
	}
	for i, tok := range tokens {
		res.InputIds[i] = t.TokenID(tok)
		res.AttentionMask[i] = 1
	}
	return res
}

// Decode converts ids back to tokens, skipping padding
func (t *Tokenizer) Decode(ids []int) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == PadID {
			continue
		}
		if id < 0 || id >= len(t.IdToToken) {
			parts = append(parts, t.UnkToken)
			continue
		}
		parts = append(parts, t.IdToToken[id])
	}
	return strings.Join(parts, " ")
}

// SaveVocabulary writes one "token id" pair per line
func (t *Tokenizer) SaveVocabulary(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create vocabulary %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	for id, tok := range t.IdToToken {
		fmt.Fprintf(w, "%s %d\n", tok, id)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write vocabulary %s: %w", path, err)
	}
	return f.Close()
}

// LoadVocabulary reads a vocabulary written by SaveVocabulary
func LoadVocabulary(path string, options *TokenizerOptions) (*Tokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocabulary %s: %w", path, err)
	}
	defer f.Close()

	var tokens []string
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			return nil, fmt.Errorf("%s line %d: expected \"token id\"", path, lineNum)
		}
		id, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, lineNum, err)
		}
		if id != lineNum-1 {
			return nil, fmt.Errorf("%s line %d: ids must be consecutive, got %d", path, lineNum, id)
		}
		tokens = append(tokens, fields[0])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read vocabulary %s: %w", path, err)
	}
	if len(tokens) < 2 {
		return nil, fmt.Errorf("vocabulary %s is missing reserved tokens", path)
	}

	if options == nil {
		options = NewDefaultTokenizerOptions()
	}
	opts := *options
	opts.PadToken, opts.UnkToken = tokens[PadID], tokens[UnkID]
	return NewTokenizer(tokens[2:], &opts)
}
