package tokenizer

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Special tokens of a BERT style vocabulary.
const (
	PadToken  = "[PAD]"
	UnkToken  = "[UNK]"
	ClsToken  = "[CLS]"
	SepToken  = "[SEP]"
	MaskToken = "[MASK]"

	continuationPrefix = "##"
)

var specialTokens = []string{PadToken, UnkToken, ClsToken, SepToken, MaskToken}

// Vocab maps subword tokens to ids and back.
type Vocab struct {
	tokens []string
	ids    map[string]int
}

func newVocab() *Vocab {
	return &Vocab{ids: make(map[string]int)}
}

func (v *Vocab) add(token string) {
	if _, ok := v.ids[token]; ok {
		return
	}
	v.ids[token] = len(v.tokens)
	v.tokens = append(v.tokens, token)
}

// LoadVocab reads a vocab.txt: one token per line, id = line number.
func LoadVocab(r io.Reader) (*Vocab, error) {
	v := newVocab()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		tok := strings.TrimRight(scanner.Text(), "\r")
		// Keep the line even when the token repeats so ids stay aligned with
		// line numbers, but only the first occurrence is addressable.
		if _, dup := v.ids[tok]; !dup {
			v.ids[tok] = len(v.tokens)
		}
		v.tokens = append(v.tokens, tok)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read vocab: %w", err)
	}
	for _, tok := range []string{PadToken, UnkToken, ClsToken, SepToken} {
		if _, ok := v.ids[tok]; !ok {
			return nil, fmt.Errorf("vocab is missing special token %s", tok)
		}
	}
	return v, nil
}

// BuildVocab derives a vocabulary from a corpus: the special tokens, every
// distinct word, then every character both as a word-start piece and as a
// "##" continuation. Output order is sorted, so the same corpus always
// produces the same ids.
func BuildVocab(corpus []string, cfg Config) *Vocab {
	bt := basicTokenizer{lowercase: cfg.Lowercase, stripAccents: cfg.StripAccents}

	words := make(map[string]bool)
	chars := make(map[string]bool)
	for _, text := range corpus {
		for _, w := range bt.tokenize(text) {
			words[w] = true
			for _, r := range w {
				chars[string(r)] = true
			}
		}
	}

	v := newVocab()
	for _, tok := range specialTokens {
		v.add(tok)
	}
	for _, w := range sortedKeys(words) {
		v.add(w)
	}
	sortedChars := sortedKeys(chars)
	for _, c := range sortedChars {
		v.add(c)
	}
	for _, c := range sortedChars {
		v.add(continuationPrefix + c)
	}
	return v
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Size returns the number of ids.
func (v *Vocab) Size() int { return len(v.tokens) }

// ID returns the id of token.
func (v *Vocab) ID(token string) (int, bool) {
	id, ok := v.ids[token]
	return id, ok
}

// Token returns the token with the given id.
func (v *Vocab) Token(id int) (string, bool) {
	if id < 0 || id >= len(v.tokens) {
		return "", false
	}
	return v.tokens[id], true
}

func (v *Vocab) mustID(token string) int {
	id, ok := v.ids[token]
	if !ok {
		panic("tokenizer: vocab lacks " + token)
	}
	return id
}

// WriteTo writes the vocab in vocab.txt format.
func (v *Vocab) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var n int64
	for _, tok := range v.tokens {
		k, err := bw.WriteString(tok + "\n")
		n += int64(k)
		if err != nil {
			return n, err
		}
	}
	return n, bw.Flush()
}
