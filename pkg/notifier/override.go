package notifier

import (
	"fmt"
	"regexp"
)

// Override actions a wiki operator can set. Both suppress matching posts
// from every user's digest; they differ only in intent on the remote side.
const (
	ActionMute       = "mute"
	ActionMuteThread = "mute_thread"
)

// TitleMatchMode selects how ThreadTitleMatches is interpreted.
type TitleMatchMode string

// Supported title match modes.
const (
	TitleMatchExact TitleMatchMode = "exact"
	TitleMatchRegex TitleMatchMode = "regex"
)

// GlobalOverride is a wiki-operator-level suppression rule, independent of
// any individual user's subscriptions. At least one matcher field must be
// set; all set matchers must match for the rule to apply.
type GlobalOverride struct {
	Action             string `json:"action"`
	CategoryIDIs       string `json:"category_id_is,omitempty"`
	ThreadIDIs         string `json:"thread_id_is,omitempty"`
	ThreadTitleMatches string `json:"thread_title_matches,omitempty"`
}

// GlobalOverrides is the full set of override rules, keyed by wiki ID.
type GlobalOverrides map[string][]GlobalOverride

// Valid reports whether the override names a known action and carries at
// least one matcher.
func (o GlobalOverride) Valid() bool {
	if o.Action != ActionMute && o.Action != ActionMuteThread {
		return false
	}
	return o.CategoryIDIs != "" || o.ThreadIDIs != "" || o.ThreadTitleMatches != ""
}

// Matches reports whether the override applies to the given post. An
// invalid override never matches, so a malformed remote rule cannot
// silently mute everything.
func (o GlobalOverride) Matches(p *PostInfo, mode TitleMatchMode) bool {
	if !o.Valid() {
		return false
	}
	if o.CategoryIDIs != "" && o.CategoryIDIs != p.CategoryID {
		return false
	}
	if o.ThreadIDIs != "" && o.ThreadIDIs != p.ThreadID {
		return false
	}
	if o.ThreadTitleMatches != "" && !matchTitle(o.ThreadTitleMatches, p.ThreadTitle, mode) {
		return false
	}
	return true
}

// Muted reports whether any rule for the post's wiki matches it.
func (os GlobalOverrides) Muted(p *PostInfo, mode TitleMatchMode) bool {
	for _, o := range os[p.WikiID] {
		if o.Matches(p, mode) {
			return true
		}
	}
	return false
}

func matchTitle(pattern, title string, mode TitleMatchMode) bool {
	switch mode {
	case TitleMatchRegex:
		re, err := regexp.Compile(pattern)
		if err != nil {
			// A pattern that does not compile matches nothing.
			return false
		}
		return re.MatchString(title)
	default:
		return pattern == title
	}
}

// ParseTitleMatchMode validates a configured mode string.
func ParseTitleMatchMode(s string) (TitleMatchMode, error) {
	switch TitleMatchMode(s) {
	case TitleMatchExact, TitleMatchRegex:
		return TitleMatchMode(s), nil
	case "":
		return TitleMatchExact, nil
	}
	return "", fmt.Errorf("unknown title match mode %q", s)
}
