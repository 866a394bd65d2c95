package scope

import (
	"path/filepath"
	"strings"
)

// DefaultIgnore lists runtime artifacts that are not user variables
var DefaultIgnore = []string{
	"__FRAME_END__",
	"__dso_handle",
}

// SymbolFilter decides which variables are shown
type SymbolFilter struct {
	// Ignore holds exact names, glob patterns, or prefixes ending in "..."
	Ignore []string
}

// Show reports whether a variable with this name should be rendered
func (f SymbolFilter) Show(name string) bool {
	if name == "" {
		return false
	}
	for _, pattern := range f.Ignore {
		if matchesSymbol(name, pattern) {
			return false
		}
	}
	return true
}

// matchesSymbol checks if a symbol matches a pattern
func matchesSymbol(name, pattern string) bool {
	// Handle prefix patterns
	if strings.HasSuffix(pattern, "...") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "..."))
	}

	// Direct or glob match
	matched, _ := filepath.Match(pattern, name)
	return matched
}
