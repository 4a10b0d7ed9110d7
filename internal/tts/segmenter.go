package tts

import (
	"strings"
	"time"
	"unicode"
)

// DefaultBoundaries are the runes that end a speakable segment
const DefaultBoundaries = ".!?;:,\r\n。！？；：，、…～~¿¡"

// BoundaryPolicy decides where streamed text is cut for synthesis
type BoundaryPolicy struct {
	// Boundaries lists the cut runes
	Boundaries string
	// MinRunes is the smallest segment worth a synthesis request. Shorter
	// pieces are merged with what follows.
	MinRunes int
	// MaxRunes forces a cut when no boundary shows up. Zero disables it.
	MaxRunes int
	// MaxWait flushes buffered text once it has waited this long and holds at
	// least MinRunes. Zero disables it.
	MaxWait time.Duration
}

// DefaultBoundaryPolicy returns the policy used when nothing is configured
func DefaultBoundaryPolicy() BoundaryPolicy {
	return BoundaryPolicy{
		Boundaries: DefaultBoundaries,
		MinRunes:   4,
		MaxRunes:   120,
		MaxWait:    800 * time.Millisecond,
	}
}

// Segmenter accumulates text deltas and releases them as segments. The first
// segment is cut at the earliest boundary so audio starts quickly; later ones
// at the latest boundary so fewer, longer requests are made.
type Segmenter struct {
	policy  BoundaryPolicy
	bounds  map[rune]bool
	buf     []rune
	since   time.Time
	emitted int
	now     func() time.Time
}

// NewSegmenter creates a segmenter for policy
func NewSegmenter(policy BoundaryPolicy) *Segmenter {
	if policy.Boundaries == "" {
		policy.Boundaries = DefaultBoundaries
	}
	bounds := make(map[rune]bool)
	for _, r := range policy.Boundaries {
		bounds[r] = true
	}
	return &Segmenter{policy: policy, bounds: bounds, now: time.Now}
}

// Push adds a delta and returns the segments that became complete
func (s *Segmenter) Push(delta string) []string {
	if delta == "" {
		return nil
	}
	if len(s.buf) == 0 {
		s.since = s.now()
	}
	s.buf = append(s.buf, []rune(delta)...)

	var out []string
	for {
		cut := s.cutIndex()
		if cut <= 0 {
			return out
		}
		if seg := s.take(cut); seg != "" {
			out = append(out, seg)
		}
	}
}

// Due returns the buffered text when it has waited longer than MaxWait
func (s *Segmenter) Due(now time.Time) string {
	if s.policy.MaxWait <= 0 || len(s.buf) == 0 {
		return ""
	}
	if now.Sub(s.since) < s.policy.MaxWait || contentRunes(s.buf) < s.policy.MinRunes {
		return ""
	}
	return s.take(len(s.buf))
}

// Flush returns whatever is left
func (s *Segmenter) Flush() string {
	return s.take(len(s.buf))
}

// Pending returns the buffered text without consuming it
func (s *Segmenter) Pending() string {
	return string(s.buf)
}

func (s *Segmenter) take(n int) string {
	seg := strings.TrimSpace(string(s.buf[:n]))
	s.buf = append(s.buf[:0], s.buf[n:]...)
	s.since = s.now()
	if !hasContent(seg) {
		return ""
	}
	s.emitted++
	return seg
}

// cutIndex returns the length of the next segment, or 0 when none is ready
func (s *Segmenter) cutIndex() int {
	cut := 0
	for i := range s.buf {
		if !s.isBoundary(i) {
			continue
		}
		end := i + 1
		// keep runs like "?!" or "..." together
		for end < len(s.buf) && s.bounds[s.buf[end]] && !unicode.IsSpace(s.buf[end]) {
			end++
		}
		if contentRunes(s.buf[:end]) < s.policy.MinRunes {
			continue
		}
		cut = end
		if s.emitted == 0 {
			break
		}
	}
	if cut == 0 && s.policy.MaxRunes > 0 && len(s.buf) >= s.policy.MaxRunes {
		cut = s.forcedCut()
	}
	return cut
}

// forcedCut prefers the last space before MaxRunes
func (s *Segmenter) forcedCut() int {
	for i := s.policy.MaxRunes - 1; i > s.policy.MaxRunes/2; i-- {
		if unicode.IsSpace(s.buf[i]) {
			return i + 1
		}
	}
	return s.policy.MaxRunes
}

func (s *Segmenter) isBoundary(i int) bool {
	r := s.buf[i]
	if !s.bounds[r] {
		return false
	}
	switch r {
	case '.', ':', ',', '：':
		// wait for the next rune before deciding
		if i == len(s.buf)-1 {
			return false
		}
		// 3.14, 10:30, 1,000
		if i > 0 && unicode.IsDigit(s.buf[i-1]) && unicode.IsDigit(s.buf[i+1]) {
			return false
		}
		if r == '.' && unicode.IsLetter(s.buf[i+1]) {
			return false
		}
	}
	return true
}

func hasContent(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func contentRunes(rs []rune) int {
	n := 0
	for _, r := range rs {
		if !unicode.IsSpace(r) && !unicode.IsPunct(r) {
			n++
		}
	}
	return n
}
