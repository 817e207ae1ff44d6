// Package modeltest writes small but complete model packages for tests.
package modeltest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"

	"chatbridge/internal/tokenizer"
)

// Special token ids of the generated tokenizer.
const (
	UnkID int32 = 0
	BOSID int32 = 1
	EOSID int32 = 2
)

// ChatConfigName mirrors conv.ConfigFileName; duplicated to keep this
// package free of the packages it helps test.
const ChatConfigName = "chat-config.json"

// StopString is the template stop string of the generated package.
const StopString = "<|end|>"

// merges are multi-character tokens added after the 256 byte tokens so that
// common words encode to a single id.
var merges = []string{"He", "llo", "Ġthere", "Ġworld", "Ġthe"}

// TokenizerJSON returns a ByteLevel tokenizer.json covering every byte.
func TokenizerJSON() []byte {
	vocab := map[string]int32{
		"<unk>": UnkID,
		"<s>":   BOSID,
		"</s>":  EOSID,
	}
	next := int32(3)
	for b := 0; b < 256; b++ {
		vocab[string(tokenizer.ByteLevelRune(byte(b)))] = next
		next++
	}
	for _, m := range merges {
		vocab[m] = next
		next++
	}
	doc := map[string]any{
		"version": "1.0",
		"added_tokens": []map[string]any{
			{"id": UnkID, "content": "<unk>", "special": true},
			{"id": BOSID, "content": "<s>", "special": true},
			{"id": EOSID, "content": "</s>", "special": true},
		},
		"model": map[string]any{
			"type":      "BPE",
			"unk_token": "<unk>",
			"vocab":     vocab,
		},
		"decoder": map[string]any{"type": "ByteLevel"},
	}
	b, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return b
}

// ChatConfig returns the default chat-config.json document.
func ChatConfig() map[string]any {
	return map[string]any{
		"model_type":          "llama",
		"context_window_size": 2048,
		"vocab_size":          256 + 3 + len(merges),
		"temperature":         0.7,
		"top_p":               0.95,
		"frequency_penalty":   0.0,
		"presence_penalty":    0.0,
		"repetition_penalty":  1.0,
		"max_tokens":          64,
		"conv_template": map[string]any{
			"name":             "test",
			"system_template":  "<|system|>{system_message}",
			"system_message":   "You are helpful.",
			"roles":            map[string]string{"user": "<|user|>", "assistant": "<|assistant|>"},
			"seps":             []string{"\n"},
			"role_content_sep": " ",
			"role_empty_sep":   "",
			"stop_str":         []string{StopString},
			"stop_token_ids":   []int32{EOSID},
		},
	}
}

// Write creates a model package named name under dir using cfg as the
// chat-config.json contents and returns its path.
func Write(t testing.TB, dir, name string, cfg map[string]any) string {
	t.Helper()
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal chat config: %v", err)
	}
	return WriteRaw(t, dir, name, b)
}

// WriteRaw is Write with a verbatim chat-config.json body.
func WriteRaw(t testing.TB, dir, name string, chatConfig []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(p, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(p, ChatConfigName), chatConfig, 0o644); err != nil {
		t.Fatalf("write chat config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(p, tokenizer.FileName), TokenizerJSON(), 0o644); err != nil {
		t.Fatalf("write tokenizer: %v", err)
	}
	return p
}

// Default writes the default package and returns its path.
func Default(t testing.TB) string {
	t.Helper()
	return Write(t, t.TempDir(), "test-model", ChatConfig())
}

// EngineConfig returns an engine config document for a package path.
func EngineConfig(path string) string {
	b, _ := json.Marshal(map[string]any{"model": path})
	return string(b)
}
