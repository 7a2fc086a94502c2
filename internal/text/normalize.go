// Package text turns raw input text into the symbol id sequences the
// acoustic model consumes.
package text

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrEmptyText is returned when the input text is empty or whitespace-only.
var ErrEmptyText = errors.New("text is empty")

// Normalize prepares raw input text for synthesis.
// It folds all whitespace runs (including line endings) into single spaces,
// trims surrounding whitespace, adds a trailing period when the text ends in
// a letter or digit, and rejects empty or whitespace-only input.
func Normalize(s string) (string, error) {
	s = strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
	if s == "" {
		return "", ErrEmptyText
	}

	last, _ := utf8.DecodeLastRuneInString(s)
	if unicode.IsLetter(last) || unicode.IsDigit(last) {
		s += "."
	}

	return s, nil
}
