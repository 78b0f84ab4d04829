package correction

// MaxCompareRunes bounds how much of each text [Similarity] compares.
// The distance is quadratic in length; replies past this point are
// judged on their leading runes.
const MaxCompareRunes = 5000

// Distance returns the Levenshtein edit distance between a and b,
// counted in runes.
func Distance(a, b string) int {
	return runeDistance([]rune(a), []rune(b))
}

func runeDistance(ra, rb []rune) int {
	if len(ra) < len(rb) {
		ra, rb = rb, ra
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// Similarity maps an edit distance onto [0,1], where 1 means identical.
// Two empty strings are identical. Only the first [MaxCompareRunes] of
// each side are compared.
func Similarity(a, b string) (distance int, similarity float64) {
	ra, rb := truncateRunes([]rune(a)), truncateRunes([]rune(b))
	distance = runeDistance(ra, rb)
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 0, 1
	}
	return distance, 1 - float64(distance)/float64(longest)
}

func truncateRunes(r []rune) []rune {
	if len(r) > MaxCompareRunes {
		return r[:MaxCompareRunes]
	}
	return r
}
