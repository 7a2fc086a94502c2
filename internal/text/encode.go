package text

import (
	"fmt"
	"unicode"
)

// VocabSize is the symbol-table size the model's embedding is trained with:
// symbol ids are the 7-bit ASCII codepoints, with 0 reserved for padding.
const VocabSize = 128

// replacements maps common non-ASCII runes onto their closest ASCII symbols
// before encoding.
var replacements = map[rune]string{
	'‘': "'", '’': "'", // curly single quotes
	'“': `"`, '”': `"`, // curly double quotes
	'–': "-", '—': "-", // en and em dash
	'…': "...",
}

// Encode normalizes text and maps every rune to its symbol id. Runes outside
// the symbol table that cannot be replaced are rejected.
func Encode(s string) ([]int64, error) {
	s, err := Normalize(s)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(s))

	for _, r := range s {
		if r > 0 && r < VocabSize {
			ids = append(ids, int64(r))
			continue
		}

		repl, ok := replacements[r]
		if !ok {
			repl, ok = foldRune(r)
		}

		if !ok {
			return nil, fmt.Errorf("text: unsupported character %q", r)
		}

		for _, rr := range repl {
			ids = append(ids, int64(rr))
		}
	}

	return ids, nil
}

// foldRune strips a single combining-free diacritic by mapping the rune to
// its ASCII base letter where one exists.
func foldRune(r rune) (string, bool) {
	base, ok := diacritics[unicode.ToLower(r)]
	if !ok {
		return "", false
	}

	if unicode.IsUpper(r) {
		base = unicode.ToUpper(base)
	}

	return string(base), true
}

var diacritics = map[rune]rune{
	'à': 'a', 'á': 'a', 'â': 'a', 'ã': 'a', 'ä': 'a', 'å': 'a',
	'è': 'e', 'é': 'e', 'ê': 'e', 'ë': 'e',
	'ì': 'i', 'í': 'i', 'î': 'i', 'ï': 'i',
	'ò': 'o', 'ó': 'o', 'ô': 'o', 'õ': 'o', 'ö': 'o',
	'ù': 'u', 'ú': 'u', 'û': 'u', 'ü': 'u',
	'ç': 'c', 'ñ': 'n', 'ý': 'y',
}
