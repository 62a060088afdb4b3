package onnxclone

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode"
)

// Framing symbols looked up in tokens.txt.
const (
	bosToken = "^"
	eosToken = "$"
)

// Tokenizer maps characters to model input ids using a tokens.txt table of
// "<symbol> <id>" lines. The symbol may itself be a space.
type Tokenizer struct {
	tokenToID map[string]int64
	bos, eos  int64
	hasBOS    bool
	hasEOS    bool
}

func LoadTokenizer(path string) (*Tokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open tokens file: %w", err)
	}
	defer f.Close()
	return ParseTokens(f)
}

func ParseTokens(r io.Reader) (*Tokenizer, error) {
	t := &Tokenizer{tokenToID: make(map[string]int64)}

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if text == "" {
			continue
		}
		sep := strings.LastIndexByte(text, ' ')
		if sep < 1 {
			return nil, fmt.Errorf("tokens line %d: want \"<symbol> <id>\", got %q", line, text)
		}
		id, err := strconv.ParseInt(text[sep+1:], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("tokens line %d: %w", line, err)
		}
		t.tokenToID[text[:sep]] = id
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tokens file: %w", err)
	}
	if len(t.tokenToID) == 0 {
		return nil, fmt.Errorf("tokens file is empty")
	}

	t.bos, t.hasBOS = t.tokenToID[bosToken]
	t.eos, t.hasEOS = t.tokenToID[eosToken]
	return t, nil
}

func (t *Tokenizer) Size() int {
	return len(t.tokenToID)
}

// Encode lowercases text and returns its ids framed by the BOS and EOS
// symbols when the table has them. Characters without an id are dropped;
// ok is false when nothing but the framing is left.
func (t *Tokenizer) Encode(text string) (ids []int64, ok bool) {
	ids = make([]int64, 0, len(text)+2)
	if t.hasBOS {
		ids = append(ids, t.bos)
	}
	n := 0
	for _, r := range strings.ToLower(text) {
		if unicode.IsSpace(r) {
			r = ' '
		}
		if id, found := t.tokenToID[string(r)]; found {
			ids = append(ids, id)
			n++
		}
	}
	if t.hasEOS {
		ids = append(ids, t.eos)
	}
	return ids, n > 0
}
