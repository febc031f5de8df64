package vectorstore

import "strings"

// tokenize converts content into a set of lowercase words for similarity
// comparison.
func tokenize(content string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(content))
	wordSet := make(map[string]struct{}, len(words))
	for _, word := range words {
		// Remove common punctuation
		word = strings.Trim(word, ".,!?;:\"'()[]{}=<>")
		if len(word) > 2 { // Skip very short tokens
			wordSet[word] = struct{}{}
		}
	}
	return wordSet
}

// jaccardSimilarity computes the Jaccard similarity between two word sets.
// Returns a value between 0 (no overlap) and 1 (identical).
func jaccardSimilarity(set1, set2 map[string]struct{}) float64 {
	if len(set1) == 0 && len(set2) == 0 {
		return 1.0
	}
	if len(set1) == 0 || len(set2) == 0 {
		return 0.0
	}

	intersection := 0
	for word := range set1 {
		if _, exists := set2[word]; exists {
			intersection++
		}
	}

	union := len(set1) + len(set2) - intersection
	return float64(intersection) / float64(union)
}

// LexicalSimilarity scores how well a chunk's text matches the query text.
// Used as the lexical leg of hybrid scoring.
func LexicalSimilarity(queryText, content string) float32 {
	return float32(jaccardSimilarity(tokenize(queryText), tokenize(content)))
}

// CombineScores composes the hybrid score from the vector and lexical legs.
func CombineScores(vectorScore, lexicalScore, vectorWeight float32) float32 {
	return vectorWeight*vectorScore + (1-vectorWeight)*lexicalScore
}
