package topic

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"a/b", "a/b"},
		{"a//b", "a/b"},
		{"a///b", "a/b"},
		{"a/b/", "a/b"},
		{"a/b//", "a/b"},
		{"/", "/"},
		{"//", "/"},
		{"a", "a"},
		{"/a/b/", "/a/b"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// TestNormalizeIdempotent asserts property 3 from spec §8: repeated
// normalization never changes the result further.
func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{"", "/", "a", "a/b", "a//b/", "///a///b///", "a/b/c/"}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("Normalize(Normalize(%q)) = %q, want %q", in, twice, once)
		}
	}
}

func TestSysWildcardExcluded(t *testing.T) {
	tests := []struct {
		publishedTopic string
		subTopic       string
		excluded       bool
	}{
		{"$SYS/uptime", "#", true},
		{"$SYS/uptime", "$SYS/#", false},
		{"$SYS/broker/clients", "+/broker/clients", true},
		{"$SYS/broker/clients", "$SYS/broker/+", false},
		{"sensors/temp", "#", false},
		{"$SYS/uptime", "$S/#", false}, // wildcard not within first two characters
	}

	for _, tt := range tests {
		t.Run(tt.publishedTopic+"_"+tt.subTopic, func(t *testing.T) {
			if got := SysWildcardExcluded(tt.publishedTopic, tt.subTopic); got != tt.excluded {
				t.Errorf("SysWildcardExcluded(%q, %q) = %v, want %v", tt.publishedTopic, tt.subTopic, got, tt.excluded)
			}
		})
	}
}
