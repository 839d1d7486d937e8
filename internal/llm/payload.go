package llm

import "strings"

// charsPerToken is the rough estimation ratio used for payload
// budgeting. Deliberately conservative for English prose.
const charsPerToken = 4

const truncationMarker = "\n…[truncated]"

// EstimateTokens approximates the token count of a text.
func EstimateTokens(text string) int {
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// TruncateToTokens cuts text to roughly maxTokens, appending a marker
// when anything was dropped. Cuts on a rune boundary.
func TruncateToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	maxChars := maxTokens * charsPerToken
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars]) + truncationMarker
}

// WrapContent fences untrusted article text so prompt instructions and
// data stay distinguishable. Any closing fence inside the text is
// stripped first.
func WrapContent(text string) string {
	text = strings.ReplaceAll(text, "</CONTENT>", "")
	return "<CONTENT>\n" + text + "\n</CONTENT>"
}
