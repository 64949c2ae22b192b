package corpus

import "strings"

// tokenDelimiters is the fixed punctuation/whitespace class messages are
// split on before tag matching. Covers ASCII and full-width CJK punctuation.
const tokenDelimiters = " \t\n\r,，。！？、；：“”‘’（）()《》[]【】"

// Tokenize splits a message on the fixed delimiter class, dropping empties.
func Tokenize(message string) []string {
	return strings.FieldsFunc(message, func(r rune) bool {
		return strings.ContainsRune(tokenDelimiters, r)
	})
}

// Search returns the entries whose tags hit the message. A hit is
// bidirectional containment between any tag and any token, which tolerates
// partial and plural forms in both directions.
func (c *Corpus) Search(message string) ([]Entry, error) {
	entries, err := c.Entries()
	if err != nil {
		return nil, err
	}
	tokens := Tokenize(message)

	var hits []Entry
	for _, entry := range entries {
		if matchesTags(entry.Tags, tokens) {
			hits = append(hits, entry)
		}
	}
	return hits, nil
}

func matchesTags(tags, tokens []string) bool {
	for _, tag := range tags {
		for _, token := range tokens {
			if strings.Contains(tag, token) || strings.Contains(token, tag) {
				return true
			}
		}
	}
	return false
}
