package cable

import "strings"

// toSnakeCase lower-cases a PascalCase/camelCase identifier, inserting an
// underscore before each internal capital letter. Adjacent capitals are
// treated as one acronym until a lower-case letter follows:
//
//	AcronymURITest -> acronym_uri_test
//	propertyWithP  -> property_with_p
//	Property       -> property
//	lowercase      -> lowercase
func toSnakeCase(name string) string {
	if name == "" {
		return ""
	}
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if isUpper(r) {
			switch {
			case i == 0:
				// no boundary before the very first rune
			case !isUpper(runes[i-1]):
				// lower/digit -> upper: start of a new word
				b.WriteByte('_')
			case i+1 < len(runes) && !isUpper(runes[i+1]) && runes[i+1] != '_':
				// last letter of an acronym run immediately before a new word
				b.WriteByte('_')
			}
			b.WriteRune(toLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUpper(r rune) bool { return r >= 'A' && r <= 'Z' }

func toLower(r rune) rune {
	if isUpper(r) {
		return r + ('a' - 'A')
	}
	return r
}
