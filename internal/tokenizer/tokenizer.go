// Package tokenizer reads HuggingFace tokenizer.json files and provides
// detokenization, a greedy encoder, and a per-choice streaming decoder.
package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// FileName is the tokenizer file expected inside a model package.
const FileName = "tokenizer.json"

type decoderKind int

const (
	decoderPlain decoderKind = iota
	decoderByteLevel
	decoderMetaspace
)

const metaspace = "▁"

// Tokenizer maps between token ids and text.
type Tokenizer struct {
	vocab        []string
	index        map[string]int32
	special      map[int32]bool
	kind         decoderKind
	byteFallback bool
	unkID        int32
	maxTokenLen  int
}

// FromDir loads tokenizer.json from a model package directory.
func FromDir(dir string) (*Tokenizer, error) {
	b, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, fmt.Errorf("read tokenizer: %w", err)
	}
	return FromJSON(b)
}

// FromJSON parses the contents of a tokenizer.json file.
func FromJSON(b []byte) (*Tokenizer, error) {
	if !gjson.ValidBytes(b) {
		return nil, fmt.Errorf("tokenizer.json: invalid JSON")
	}
	doc := gjson.ParseBytes(b)
	t := &Tokenizer{
		index:   make(map[string]int32),
		special: make(map[int32]bool),
		unkID:   -1,
	}

	vocab := doc.Get("model.vocab")
	switch {
	case vocab.IsObject():
		vocab.ForEach(func(k, v gjson.Result) bool {
			t.set(int32(v.Int()), k.String())
			return true
		})
	case vocab.IsArray():
		// Unigram: [[piece, score], ...]
		i := int32(0)
		vocab.ForEach(func(_, v gjson.Result) bool {
			t.set(i, v.Get("0").String())
			i++
			return true
		})
	default:
		return nil, fmt.Errorf("tokenizer.json: model.vocab missing")
	}

	doc.Get("added_tokens").ForEach(func(_, v gjson.Result) bool {
		id := int32(v.Get("id").Int())
		t.set(id, v.Get("content").String())
		if v.Get("special").Bool() {
			t.special[id] = true
		}
		return true
	})

	if unk := doc.Get("model.unk_token"); unk.Exists() {
		if id, ok := t.index[unk.String()]; ok {
			t.unkID = id
		}
	} else if unk := doc.Get("model.unk_id"); unk.Exists() {
		t.unkID = int32(unk.Int())
	}
	t.byteFallback = doc.Get("model.byte_fallback").Bool()
	t.kind, t.byteFallback = detectDecoder(doc.Get("decoder"), t.byteFallback)
	return t, nil
}

func detectDecoder(dec gjson.Result, fallback bool) (decoderKind, bool) {
	switch dec.Get("type").String() {
	case "ByteLevel":
		return decoderByteLevel, fallback
	case "Metaspace":
		return decoderMetaspace, fallback
	case "ByteFallback":
		return decoderPlain, true
	case "Sequence":
		kind := decoderPlain
		dec.Get("decoders").ForEach(func(_, d gjson.Result) bool {
			switch d.Get("type").String() {
			case "ByteLevel":
				kind = decoderByteLevel
			case "Metaspace":
				kind = decoderMetaspace
			case "ByteFallback":
				fallback = true
			case "Replace":
				if d.Get("pattern.String").String() == metaspace {
					kind = decoderMetaspace
				}
			}
			return true
		})
		return kind, fallback
	}
	return decoderPlain, fallback
}

func (t *Tokenizer) set(id int32, tok string) {
	if id < 0 {
		return
	}
	for int(id) >= len(t.vocab) {
		t.vocab = append(t.vocab, "")
	}
	t.vocab[id] = tok
	t.index[tok] = id
	if n := utf8.RuneCountInString(tok); n > t.maxTokenLen {
		t.maxTokenLen = n
	}
}

// VocabSize returns the number of token ids known to the tokenizer.
func (t *Tokenizer) VocabSize() int { return len(t.vocab) }

// TokenID looks up a token string.
func (t *Tokenizer) TokenID(tok string) (int32, bool) {
	id, ok := t.index[tok]
	return id, ok
}

// IsSpecial reports whether id is a special added token.
func (t *Tokenizer) IsSpecial(id int32) bool { return t.special[id] }

// Decode converts ids to text. Special tokens are skipped; incomplete UTF-8
// sequences decode to U+FFFD.
func (t *Tokenizer) Decode(ids []int32) string {
	var buf []byte
	for _, id := range ids {
		if id < 0 || int(id) >= len(t.vocab) || t.special[id] {
			continue
		}
		buf = t.appendToken(buf, t.vocab[id])
	}
	return strings.ToValidUTF8(string(buf), "�")
}

func (t *Tokenizer) appendToken(buf []byte, tok string) []byte {
	if t.byteFallback {
		if b, ok := parseByteToken(tok); ok {
			return append(buf, b)
		}
	}
	switch t.kind {
	case decoderByteLevel:
		for _, r := range tok {
			if b, ok := unicodeToByte[r]; ok {
				buf = append(buf, b)
				continue
			}
			buf = utf8.AppendRune(buf, r)
		}
		return buf
	case decoderMetaspace:
		return append(buf, strings.ReplaceAll(tok, metaspace, " ")...)
	}
	return append(buf, tok...)
}

// parseByteToken recognises byte-fallback pieces such as <0x0A>.
func parseByteToken(tok string) (byte, bool) {
	if len(tok) != 6 || !strings.HasPrefix(tok, "<0x") || tok[5] != '>' {
		return 0, false
	}
	v, err := strconv.ParseUint(tok[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}

// Encode greedily splits text into the longest known tokens. It is not a
// faithful BPE/Unigram implementation; it is enough for simulated engines
// and prompt length estimates.
func (t *Tokenizer) Encode(text string) []int32 {
	runes := []rune(t.normalize(text))
	var out []int32
	for i := 0; i < len(runes); {
		n := t.maxTokenLen
		if n > len(runes)-i {
			n = len(runes) - i
		}
		matched := false
		for ; n > 0; n-- {
			if id, ok := t.index[string(runes[i:i+n])]; ok && !t.special[id] {
				out = append(out, id)
				i += n
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		out = append(out, t.unknown(runes[i])...)
		i++
	}
	return out
}

func (t *Tokenizer) normalize(text string) string {
	switch t.kind {
	case decoderByteLevel:
		var sb strings.Builder
		for i := 0; i < len(text); i++ {
			sb.WriteRune(byteToUnicode[text[i]])
		}
		return sb.String()
	case decoderMetaspace:
		return strings.ReplaceAll(text, " ", metaspace)
	}
	return text
}

func (t *Tokenizer) unknown(r rune) []int32 {
	if t.byteFallback {
		var ids []int32
		for _, b := range []byte(string(r)) {
			if id, ok := t.index[fmt.Sprintf("<0x%02X>", b)]; ok {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			return ids
		}
	}
	if t.unkID >= 0 {
		return []int32{t.unkID}
	}
	return nil
}

// NewStreamer returns a streaming decoder for one choice.
func (t *Tokenizer) NewStreamer() *TextStreamer {
	return &TextStreamer{tok: t}
}

var byteToUnicode, unicodeToByte = buildByteTables()

// buildByteTables reproduces the GPT-2 byte-to-unicode mapping used by
// ByteLevel pre-tokenizers.
func buildByteTables() ([256]rune, map[rune]byte) {
	var enc [256]rune
	dec := make(map[rune]byte, 256)
	n := 0
	for b := 0; b < 256; b++ {
		printable := (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
		if printable {
			enc[b] = rune(b)
		} else {
			enc[b] = rune(256 + n)
			n++
		}
		dec[enc[b]] = byte(b)
	}
	return enc, dec
}

// ByteLevelRune returns the ByteLevel vocabulary character for b.
func ByteLevelRune(b byte) rune { return byteToUnicode[b] }
