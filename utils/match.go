package utils

import "strings"

// MatchGlob reports whether value matches a Redis-style glob pattern.
// Supported metacharacters:
//   - '*' matches any sequence of characters, including none and ':'.
//   - '?' matches exactly one character.
//   - '\' escapes the following character.
func MatchGlob(pattern, value string) bool {
	if !strings.ContainsAny(pattern, `*?\`) {
		return pattern == value
	}
	pIndex, vIndex := 0, 0
	starP, starV := -1, 0
	pLen, vLen := len(pattern), len(value)

	for vIndex < vLen {
		if pIndex < pLen {
			switch pattern[pIndex] {
			case '*':
				// remember the star and first try matching it against nothing
				starP, starV = pIndex, vIndex
				pIndex++
				continue
			case '?':
				pIndex++
				vIndex++
				continue
			case '\\':
				if pIndex+1 < pLen && pattern[pIndex+1] == value[vIndex] {
					pIndex += 2
					vIndex++
					continue
				}
			default:
				if pattern[pIndex] == value[vIndex] {
					pIndex++
					vIndex++
					continue
				}
			}
		}
		if starP == -1 {
			return false
		}
		// backtrack: let the last star swallow one more character
		starV++
		vIndex = starV
		pIndex = starP + 1
	}
	for pIndex < pLen && pattern[pIndex] == '*' {
		pIndex++
	}
	return pIndex == pLen
}

// PrefixOf returns the literal prefix of a glob pattern, up to the first
// metacharacter.
func PrefixOf(pattern string) string {
	if i := strings.IndexAny(pattern, `*?\`); i >= 0 {
		return pattern[:i]
	}
	return pattern
}
