package tokenizer_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbridge/internal/modeltest"
	"chatbridge/internal/tokenizer"
)

func loadByteLevel(t *testing.T) *tokenizer.Tokenizer {
	t.Helper()
	tok, err := tokenizer.FromJSON(modeltest.TokenizerJSON())
	require.NoError(t, err)
	return tok
}

func TestByteLevelRoundTrip(t *testing.T) {
	tok := loadByteLevel(t)
	for _, s := range []string{"Hello there", "Hello world!", "naïve café ☕", ""} {
		ids := tok.Encode(s)
		assert.Equal(t, s, tok.Decode(ids), "round trip of %q", s)
	}
}

func TestEncodePrefersLongestToken(t *testing.T) {
	tok := loadByteLevel(t)
	ids := tok.Encode("Hello there")
	// "He" + "llo" + "Ġthere"
	require.Len(t, ids, 3)
	id, ok := tok.TokenID("Ġthere")
	require.True(t, ok)
	assert.Equal(t, id, ids[2])
}

func TestDecodeSkipsSpecialTokens(t *testing.T) {
	tok := loadByteLevel(t)
	ids := append([]int32{modeltest.BOSID}, tok.Encode("Hi")...)
	ids = append(ids, modeltest.EOSID)
	assert.Equal(t, "Hi", tok.Decode(ids))
	assert.True(t, tok.IsSpecial(modeltest.EOSID))
}

func TestStreamerWithholdsPartialUTF8(t *testing.T) {
	tok := loadByteLevel(t)
	ids := tok.Encode("é") // two byte tokens: 0xC3 0xA9
	require.Len(t, ids, 2)

	s := tok.NewStreamer()
	assert.Equal(t, "", s.Put(ids[:1]))
	assert.Equal(t, "é", s.Put(ids[1:]))
	assert.Equal(t, "", s.Finish())
}

func TestStreamerConcatenatesToFullText(t *testing.T) {
	tok := loadByteLevel(t)
	text := "Hello there, naïve world ☕ and more text to exceed the prefix window"
	s := tok.NewStreamer()
	var got string
	for _, id := range tok.Encode(text) {
		got += s.Put([]int32{id})
	}
	got += s.Finish()
	assert.Equal(t, text, got)
}

func TestStreamerFinishFlushesIncomplete(t *testing.T) {
	tok := loadByteLevel(t)
	ids := tok.Encode("é")
	s := tok.NewStreamer()
	assert.Equal(t, "", s.Put(ids[:1]))
	assert.Equal(t, "�", s.Finish())
}

func TestMetaspaceWithByteFallback(t *testing.T) {
	doc := `{
	  "model": {"type": "Unigram", "vocab": [["<unk>", 0], ["▁Hello", -1], ["▁world", -2], ["<0x41>", -3]], "unk_id": 0, "byte_fallback": true},
	  "decoder": {"type": "Sequence", "decoders": [
	    {"type": "Replace", "pattern": {"String": "▁"}, "content": " "},
	    {"type": "ByteFallback"}
	  ]}
	}`
	tok, err := tokenizer.FromJSON([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, " Hello worldA", tok.Decode([]int32{1, 2, 3}))
	assert.Equal(t, []int32{1, 2, 3}, tok.Encode(" Hello worldA"))
	assert.Equal(t, 4, tok.VocabSize())
}

func TestFromDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, tokenizer.FileName), modeltest.TokenizerJSON(), 0o644))
	tok, err := tokenizer.FromDir(dir)
	require.NoError(t, err)
	assert.Greater(t, tok.VocabSize(), 256)

	_, err = tokenizer.FromDir(t.TempDir())
	assert.Error(t, err)
}

func TestFromJSONErrors(t *testing.T) {
	_, err := tokenizer.FromJSON([]byte("{"))
	assert.Error(t, err)
	_, err = tokenizer.FromJSON([]byte(`{"model":{}}`))
	assert.Error(t, err)
}
