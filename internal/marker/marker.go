// Package marker implements the sentinel-tag conventions used to carry
// out-of-band payloads through the otherwise text-only reply channel: an
// inline reasoning block, an emotion tag, and an appended audio URL.
package marker

import (
	"regexp"
	"strings"
)

const (
	audioOpen  = "[AUDIO_URL]"
	audioClose = "[/AUDIO_URL]"
)

var (
	reasonRe  = regexp.MustCompile(`(?s)<reason>(.*?)</reason>`)
	emotionRe = regexp.MustCompile(`(?i)<emotion>([a-z]+)</emotion>`)
)

// FallbackEmotion is substituted when an emotion tag is present but its token
// is not recognized.
const FallbackEmotion = "joy"

var validEmotions = map[string]struct{}{
	"sadness":    {},
	"joy":        {},
	"love":       {},
	"excitement": {},
	"anger":      {},
	"motivation": {},
	"jealousy":   {},
	"relaxation": {},
	"anxiety":    {},
	"hope":       {},
}

// ExtractReasoning removes the first well-formed <reason>...</reason> block
// and returns its trimmed contents alongside the remaining text. Text without
// a complete pair passes through unchanged.
func ExtractReasoning(s string) (reasoning, remainder string) {
	match := reasonRe.FindStringSubmatchIndex(s)
	if match == nil {
		return "", s
	}
	reasoning = strings.TrimSpace(s[match[2]:match[3]])
	remainder = s[:match[0]] + s[match[1]:]
	return reasoning, remainder
}

// ExtractEmotion removes the first <emotion>token</emotion> tag and validates
// the token against the closed emotion set. An unrecognized token yields the
// fallback emotion; an absent tag yields the empty string. Either way the tag
// itself never reaches the visible text.
func ExtractEmotion(s string) (emotion, remainder string) {
	match := emotionRe.FindStringSubmatchIndex(s)
	if match == nil {
		return "", s
	}
	token := strings.ToLower(s[match[2]:match[3]])
	remainder = s[:match[0]] + s[match[1]:]

	if _, ok := validEmotions[token]; !ok {
		return FallbackEmotion, remainder
	}
	return token, remainder
}

// EmbedAudio wraps an audio reply URL in the wire marker appended at the very
// end of a streamed reply. The format is bit-exact: opening tag, URL, closing
// tag, no surrounding whitespace — the browser client matches on exactly this.
func EmbedAudio(url string) string {
	return audioOpen + url + audioClose
}

// StripAudio removes the first audio marker from the text and returns the URL
// it carried. Text without a complete marker passes through unchanged.
func StripAudio(s string) (url, remainder string) {
	start := strings.Index(s, audioOpen)
	if start < 0 {
		return "", s
	}
	rest := s[start+len(audioOpen):]
	end := strings.Index(rest, audioClose)
	if end < 0 {
		return "", s
	}
	url = rest[:end]
	remainder = s[:start] + rest[end+len(audioClose):]
	return url, remainder
}
