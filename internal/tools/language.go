package tools

import "strings"

// languageExtensions maps ask_code language values to path suffixes.
var languageExtensions = map[string][]string{
	"ts":   {".ts", ".tsx"},
	"tsx":  {".tsx"},
	"js":   {".js", ".jsx"},
	"jsx":  {".jsx"},
	"py":   {".py"},
	"md":   {".md"},
	"json": {".json"},
	"yaml": {".yaml", ".yml"},
	"yml":  {".yml", ".yaml"},
	"txt":  {".txt"},
}

// extensionsForLanguage resolves a language value to extension suffixes.
// A value starting with "." is a literal suffix; any other unknown value
// maps to ".<value>".
func extensionsForLanguage(language string) []string {
	if exts, ok := languageExtensions[language]; ok {
		return exts
	}
	if strings.HasPrefix(language, ".") {
		return []string{language}
	}
	return []string{"." + language}
}

// matchesLanguage reports whether path carries one of the language's
// extensions.
func matchesLanguage(path, language string) bool {
	for _, ext := range extensionsForLanguage(language) {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}
