package domain

// DefaultNgramSize is the window length used by the search index.
const DefaultNgramSize = 3

// NgramEntry is the exported form of one posting list.
type NgramEntry struct {
	Ngram   string   `json:"ngram"`
	Handles []string `json:"handles"`
}

// Ngrams decomposes s into overlapping rune windows of length n, de-duplicated
// in first-seen order. Strings shorter than n yield themselves; the empty string
// yields nothing. n <= 0 selects DefaultNgramSize.
func Ngrams(s string, n int) []string {
	if n <= 0 {
		n = DefaultNgramSize
	}
	runes := []rune(s)
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= n {
		return []string{s}
	}
	seen := make(map[string]struct{}, len(runes)-n+1)
	out := make([]string, 0, len(runes)-n+1)
	for i := 0; i+n <= len(runes); i++ {
		g := string(runes[i : i+n])
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	return out
}
