package session

import (
	"strings"
	"unicode/utf8"

	"github.com/lexiqai/voice-server/internal/config"
	"github.com/lexiqai/voice-server/internal/llm"
)

// replyShaper turns raw model deltas into speakable text. It strips emoji,
// removes the sleep marker even when it is split across deltas, and calls
// onFirst with the reply emotion once the first speakable text is out. A reply
// of only emoji or markers never calls onFirst.
type replyShaper struct {
	src     llm.Stream
	profile *config.Profile
	onFirst func(emotion, emoji string)

	cur    string
	held   string
	emoji  string
	first  bool
	spoken strings.Builder
	sleep  bool
}

func newReplyShaper(src llm.Stream, profile *config.Profile, onFirst func(emotion, emoji string)) *replyShaper {
	return &replyShaper{src: src, profile: profile, onFirst: onFirst}
}

func (r *replyShaper) Next() bool {
	for {
		if !r.src.Next() {
			if r.held == "" {
				return false
			}
			text := stripEmoji(r.held)
			r.held = ""
			if text == "" {
				return false
			}
			return r.emit(text)
		}

		delta := r.src.Delta()
		if !r.first && r.emoji == "" {
			r.emoji = firstEmoji(delta)
		}

		text := r.cutMarker(r.held + delta)
		if text = stripEmoji(text); text != "" {
			return r.emit(text)
		}
	}
}

func (r *replyShaper) emit(text string) bool {
	if !r.first && strings.TrimSpace(text) != "" {
		r.first = true
		if r.onFirst != nil {
			r.onFirst(r.emotion(r.emoji), r.emoji)
		}
	}
	r.cur = text
	r.spoken.WriteString(text)
	return true
}

// cutMarker removes a complete sleep marker and holds back a trailing
// partial one until the next delta
func (r *replyShaper) cutMarker(text string) string {
	r.held = ""
	marker := r.profile.SleepMarker
	if marker == "" {
		return text
	}
	if strings.Contains(text, marker) {
		r.sleep = true
		text = strings.ReplaceAll(text, marker, "")
	}
	for k := min(len(marker)-1, len(text)); k > 0; k-- {
		if strings.HasSuffix(text, marker[:k]) {
			r.held = text[len(text)-k:]
			return text[:len(text)-k]
		}
	}
	return text
}

func (r *replyShaper) emotion(emoji string) string {
	if e, ok := r.profile.Emotions[emoji]; ok && emoji != "" {
		return e
	}
	return r.profile.DefaultEmotion
}

func (r *replyShaper) Delta() string { return r.cur }

func (r *replyShaper) Err() error { return r.src.Err() }

func (r *replyShaper) Close() error { return r.src.Close() }

// Spoken returns the text handed to synthesis so far
func (r *replyShaper) Spoken() string {
	return strings.TrimSpace(r.spoken.String())
}

// Sleep reports whether the reply asked the session to end
func (r *replyShaper) Sleep() bool { return r.sleep }

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F000 && r <= 0x1FAFF:
	case r >= 0x2600 && r <= 0x27BF:
	case r == 0xFE0F, r == 0x200D, r == 0x20E3:
	default:
		return false
	}
	return true
}

func firstEmoji(s string) string {
	for _, r := range s {
		if isEmoji(r) && r != 0xFE0F && r != 0x200D {
			return string(r)
		}
	}
	return ""
}

func stripEmoji(s string) string {
	if !strings.ContainsFunc(s, isEmoji) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for len(s) > 0 {
		r, n := utf8.DecodeRuneInString(s)
		if !isEmoji(r) {
			b.WriteString(s[:n])
		}
		s = s[n:]
	}
	return b.String()
}
