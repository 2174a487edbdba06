package wsbase

import (
	"fmt"
	"regexp"
)

// ConversationFilter narrows which conversations a bridge client hears
// about. The zero value passes everything.
type ConversationFilter struct {
	Include *regexp.Regexp
	Exclude *regexp.Regexp
}

// CompileFilter compiles optional include/exclude regex strings. Empty
// strings leave that side unset.
func CompileFilter(includeStr, excludeStr string) (ConversationFilter, error) {
	var f ConversationFilter
	if includeStr != "" {
		re, err := regexp.Compile(includeStr)
		if err != nil {
			return ConversationFilter{}, fmt.Errorf("invalid include filter: %w", err)
		}
		f.Include = re
	}
	if excludeStr != "" {
		re, err := regexp.Compile(excludeStr)
		if err != nil {
			return ConversationFilter{}, fmt.Errorf("invalid exclude filter: %w", err)
		}
		f.Exclude = re
	}
	return f, nil
}

// Passes checks a conversation id against the filter.
func (f ConversationFilter) Passes(conversationID string) bool {
	if f.Include != nil && !f.Include.MatchString(conversationID) {
		return false
	}
	if f.Exclude != nil && f.Exclude.MatchString(conversationID) {
		return false
	}
	return true
}
