package segment

import (
	"strings"
	"unicode"
)

// Unit is one complete, speakable sentence extracted from a token stream,
// together with its position in the response. Units are produced once by the
// generation side and consumed once by the synthesis dispatcher.
type Unit struct {
	Index int
	Text  string
}

// Segmenter accumulates incremental text fragments and yields complete
// sentences. A sentence ends at a run of terminal punctuation ('.', '!', '?')
// followed by whitespace; a terminal run at the end of the buffer is held
// until the next fragment (or Flush) decides whether the run continues.
//
// A Segmenter is bound to a single generation request. Call Reset before
// reusing it for a new request.
type Segmenter struct {
	buf   []rune
	count int
}

func New() *Segmenter {
	return &Segmenter{}
}

// Reset clears the accumulation buffer and the sentence counter.
func (s *Segmenter) Reset() {
	s.buf = s.buf[:0]
	s.count = 0
}

// Push appends a fragment and returns any sentences completed by it, in order.
// Empty segments (whitespace or bare punctuation runs) are discarded.
func (s *Segmenter) Push(fragment string) []Unit {
	if fragment == "" {
		return nil
	}
	s.buf = append(s.buf, []rune(fragment)...)

	var units []Unit
	start := 0
	for i := 0; i < len(s.buf); i++ {
		if !isTerminal(s.buf[i]) {
			continue
		}
		// Extend over the whole terminal run.
		end := i
		for end+1 < len(s.buf) && isTerminal(s.buf[end+1]) {
			end++
		}
		if end == len(s.buf)-1 {
			// The run touches the end of the buffer; more terminals may
			// still arrive, so the boundary is not decided yet.
			break
		}
		if !unicode.IsSpace(s.buf[end+1]) {
			i = end
			continue
		}
		if u, ok := s.emit(string(s.buf[start : end+1])); ok {
			units = append(units, u)
		}
		i = end
		start = end + 1
	}
	if start > 0 {
		s.buf = append(s.buf[:0], s.buf[start:]...)
	}
	return units
}

// Flush ends the stream: any non-empty residual buffer is emitted as a final
// sentence even without terminal punctuation.
func (s *Segmenter) Flush() (Unit, bool) {
	u, ok := s.emit(string(s.buf))
	s.buf = s.buf[:0]
	return u, ok
}

func (s *Segmenter) emit(raw string) (Unit, bool) {
	text := strings.TrimSpace(raw)
	if text == "" || isBarePunctuation(text) {
		return Unit{}, false
	}
	u := Unit{Index: s.count, Text: text}
	s.count++
	return u, true
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isBarePunctuation(text string) bool {
	for _, r := range text {
		if !isTerminal(r) && !unicode.IsPunct(r) {
			return false
		}
	}
	return true
}
