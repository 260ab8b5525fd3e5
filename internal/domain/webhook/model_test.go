package webhook

import "testing"

func TestWantsMatchesWildcards(t *testing.T) {
	cases := []struct {
		name       string
		eventTypes []string
		eventType  string
		want       bool
	}{
		{"empty list subscribes to everything", nil, EventConnectionRevoked, true},
		{"exact match", []string{EventConnectionCreated}, EventConnectionCreated, true},
		{"exact mismatch", []string{EventConnectionCreated}, EventConnectionRevoked, false},
		{"bare wildcard", []string{"*"}, EventConnectionRefreshed, true},
		{"prefix wildcard matches", []string{"connection.*"}, EventConnectionReauth, true},
		{"prefix wildcard mismatch", []string{"record.*"}, EventConnectionCreated, false},
		{"prefix requires the dot boundary", []string{"connection.*"}, "connections.created", false},
		{"mixed list", []string{EventConnectionRevoked, "record.*"}, EventConnectionRevoked, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wh := &Webhook{EventTypes: tc.eventTypes}
			if got := wh.Wants(tc.eventType); got != tc.want {
				t.Errorf("Wants(%q) with %v = %v, want %v", tc.eventType, tc.eventTypes, got, tc.want)
			}
		})
	}
}

func TestAppliesTo(t *testing.T) {
	cases := []struct {
		name    string
		subject string
		owner   string
		want    bool
	}{
		{"owner matches", "alice", "alice", true},
		{"owner differs", "alice", "bob", false},
		{"unscoped event reaches everyone", "alice", "", true},
		{"platform-wide webhook sees everything", "", "bob", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wh := &Webhook{Subject: tc.subject}
			if got := wh.AppliesTo(tc.owner); got != tc.want {
				t.Errorf("AppliesTo(%q) with subject %q = %v, want %v", tc.owner, tc.subject, got, tc.want)
			}
		})
	}
}
