package notifier

import "testing"

func overridePost() *PostInfo {
	return &PostInfo{
		ID:          "200",
		ThreadID:    "77",
		ThreadTitle: "Per-page discussion: sandbox",
		WikiID:      "somewiki",
		CategoryID:  "12",
	}
}

func TestOverrideMatches(t *testing.T) {
	tests := []struct {
		name     string
		override GlobalOverride
		mode     TitleMatchMode
		want     bool
	}{
		{"thread id match", GlobalOverride{Action: ActionMuteThread, ThreadIDIs: "77"}, TitleMatchExact, true},
		{"thread id mismatch", GlobalOverride{Action: ActionMuteThread, ThreadIDIs: "88"}, TitleMatchExact, false},
		{"category match", GlobalOverride{Action: ActionMute, CategoryIDIs: "12"}, TitleMatchExact, true},
		{"category mismatch", GlobalOverride{Action: ActionMute, CategoryIDIs: "13"}, TitleMatchExact, false},
		{"exact title match", GlobalOverride{Action: ActionMute, ThreadTitleMatches: "Per-page discussion: sandbox"}, TitleMatchExact, true},
		{"exact title is not a pattern", GlobalOverride{Action: ActionMute, ThreadTitleMatches: "^Per-page"}, TitleMatchExact, false},
		{"regex title match", GlobalOverride{Action: ActionMute, ThreadTitleMatches: "^Per-page"}, TitleMatchRegex, true},
		{"regex title mismatch", GlobalOverride{Action: ActionMute, ThreadTitleMatches: "^General"}, TitleMatchRegex, false},
		{"bad regex matches nothing", GlobalOverride{Action: ActionMute, ThreadTitleMatches: "("}, TitleMatchRegex, false},
		{"all matchers must agree", GlobalOverride{Action: ActionMute, ThreadIDIs: "77", CategoryIDIs: "13"}, TitleMatchExact, false},
		{"unknown action never matches", GlobalOverride{Action: "shout", ThreadIDIs: "77"}, TitleMatchExact, false},
		{"no matcher never matches", GlobalOverride{Action: ActionMute}, TitleMatchExact, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.override.Matches(overridePost(), tt.mode); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOverridesMutedScopedToWiki(t *testing.T) {
	overrides := GlobalOverrides{
		"otherwiki": {{Action: ActionMuteThread, ThreadIDIs: "77"}},
	}
	if overrides.Muted(overridePost(), TitleMatchExact) {
		t.Error("rule for another wiki muted this post")
	}

	overrides["somewiki"] = []GlobalOverride{{Action: ActionMuteThread, ThreadIDIs: "77"}}
	if !overrides.Muted(overridePost(), TitleMatchExact) {
		t.Error("matching rule did not mute")
	}
}

func TestParseTitleMatchMode(t *testing.T) {
	tests := []struct {
		in      string
		want    TitleMatchMode
		wantErr bool
	}{
		{"exact", TitleMatchExact, false},
		{"regex", TitleMatchRegex, false},
		{"", TitleMatchExact, false},
		{"fuzzy", "", true},
	}
	for _, tt := range tests {
		got, err := ParseTitleMatchMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTitleMatchMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTitleMatchMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
