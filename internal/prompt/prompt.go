// Package prompt builds the text sent to the model for one question.
package prompt

import "strings"

// DefaultMaxChars bounds how much of the document is forwarded per question
const DefaultMaxChars = 500

// Truncate returns the first maxChars characters of text. The cut ignores word
// and sentence boundaries.
func Truncate(text string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	n := 0
	for i := range text {
		if n == maxChars {
			return text[:i]
		}
		n++
	}
	return text
}

// Assemble builds the completion-style prompt: the truncated document, the
// question verbatim, then an answer cue.
func Assemble(documentText string, maxChars int, question string) string {
	var sb strings.Builder
	sb.WriteString("Document content (truncated): ")
	sb.WriteString(Truncate(documentText, maxChars))
	sb.WriteString("...\n\nUser question: ")
	sb.WriteString(question)
	sb.WriteString("\nAnswer:")
	return sb.String()
}
