package tokenizer

import "strings"

// prefixWindow bounds how many already-emitted tokens are kept as context
// for decoding the next piece.
const prefixWindow = 6

// TextStreamer turns a stream of token ids into stable text increments. Text
// that still ends in an incomplete UTF-8 sequence is withheld until more ids
// arrive or Finish is called. Not safe for concurrent use.
type TextStreamer struct {
	tok     *Tokenizer
	prefix  []int32
	pending []int32
}

// Put appends ids and returns the newly stable text, possibly empty.
func (s *TextStreamer) Put(ids []int32) string {
	if len(ids) == 0 {
		return ""
	}
	s.pending = append(s.pending, ids...)
	full := s.decodeAll()
	if strings.HasSuffix(full, "�") {
		return ""
	}
	return s.advance(full)
}

// Finish flushes everything still withheld.
func (s *TextStreamer) Finish() string {
	if len(s.pending) == 0 {
		return ""
	}
	return s.advance(s.decodeAll())
}

func (s *TextStreamer) decodeAll() string {
	all := make([]int32, 0, len(s.prefix)+len(s.pending))
	all = append(all, s.prefix...)
	all = append(all, s.pending...)
	return s.tok.Decode(all)
}

func (s *TextStreamer) advance(full string) string {
	prev := s.tok.Decode(s.prefix)
	var delta string
	if strings.HasPrefix(full, prev) {
		delta = full[len(prev):]
	} else {
		delta = full
	}
	s.prefix = append(s.prefix, s.pending...)
	if len(s.prefix) > prefixWindow {
		s.prefix = append([]int32(nil), s.prefix[len(s.prefix)-prefixWindow:]...)
	}
	s.pending = s.pending[:0]
	return delta
}
