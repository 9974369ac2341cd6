package naming

import (
	"fmt"
	"strings"
	"unicode"
)

// Casing selects how a type name is transformed into a broker name
type Casing int

const (
	CasePreserve Casing = iota
	CaseLower
	CaseUpper
	CaseKebab
	CaseSnake
	CasePascal
	CaseCamel
)

func (c Casing) String() string {
	switch c {
	case CasePreserve:
		return "preserve"
	case CaseLower:
		return "lower"
	case CaseUpper:
		return "upper"
	case CaseKebab:
		return "kebab"
	case CaseSnake:
		return "snake"
	case CasePascal:
		return "pascal"
	case CaseCamel:
		return "camel"
	default:
		return "unknown"
	}
}

// ParseCasing converts a casing name as accepted on the command line
func ParseCasing(s string) (Casing, error) {
	for c := CasePreserve; c <= CaseCamel; c++ {
		if strings.EqualFold(c.String(), s) {
			return c, nil
		}
	}
	return CasePreserve, fmt.Errorf("%w: unknown casing %q", ErrInvalidArgument, s)
}

// Apply transforms s according to the casing
func (c Casing) Apply(s string) string {
	switch c {
	case CaseLower:
		return strings.ToLower(s)
	case CaseUpper:
		return strings.ToUpper(s)
	case CaseKebab:
		return joinLower(splitWords(s), "-")
	case CaseSnake:
		return joinLower(splitWords(s), "_")
	case CasePascal:
		var b strings.Builder
		for _, w := range splitWords(s) {
			b.WriteString(title(w))
		}
		return b.String()
	case CaseCamel:
		var b strings.Builder
		for i, w := range splitWords(s) {
			if i == 0 {
				b.WriteString(strings.ToLower(w))
				continue
			}
			b.WriteString(title(w))
		}
		return b.String()
	default:
		return s
	}
}

// splitWords breaks an identifier into words. A run of capitals is one acronym
// token; it only ends where the last capital starts the next word, so
// "HTTPRequestReceived" splits into HTTP, Request, Received.
func splitWords(s string) []string {
	runes := []rune(s)
	var words []string
	start := -1

	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			if start >= 0 {
				words = append(words, string(runes[start:i]))
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
			continue
		}

		if !unicode.IsUpper(r) {
			continue
		}
		prev := runes[i-1]
		boundary := unicode.IsLower(prev) || unicode.IsDigit(prev)
		if !boundary && unicode.IsUpper(prev) && i+1 < len(runes) && unicode.IsLower(runes[i+1]) {
			boundary = true
		}
		if boundary {
			words = append(words, string(runes[start:i]))
			start = i
		}
	}
	if start >= 0 {
		words = append(words, string(runes[start:]))
	}

	return words
}

func joinLower(words []string, sep string) string {
	for i, w := range words {
		words[i] = strings.ToLower(w)
	}
	return strings.Join(words, sep)
}

func title(w string) string {
	runes := []rune(strings.ToLower(w))
	if len(runes) == 0 {
		return ""
	}
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
