package urlnorm

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		stripQuery bool
		expected   string
		wantErr    bool
	}{
		{"fragment removed", "https://Example.com/a#top", false, "https://example.com/a", false},
		{"query kept", "https://example.com/a?x=1", false, "https://example.com/a?x=1", false},
		{"query stripped", "https://example.com/a?x=1#f", true, "https://example.com/a", false},
		{"relative rejected", "/a/b", false, "", true},
		{"bad escape", "https://example.com/%zz", false, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.input, tt.stripQuery)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Normalize(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.expected {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSameHost(t *testing.T) {
	if !SameHost("https://www.example.com/a", "https://example.com/b") {
		t.Error("expected www and bare host to match")
	}
	if SameHost("https://example.com/a", "https://cdn.example.com/b") {
		t.Error("expected subdomain to differ from host")
	}
}

func TestSameSite(t *testing.T) {
	tests := []struct {
		seed, target string
		expected     bool
	}{
		{"https://example.com/", "https://blog.example.com/x", true},
		{"https://example.com/", "https://example.org/x", false},
		{"https://example.co.uk/", "https://shop.example.co.uk/", true},
		{"https://example.com/", "mailto:someone@example.com", false},
		{"http://127.0.0.1:8080/", "http://127.0.0.1:8080/page", true},
	}

	for _, tt := range tests {
		if got := SameSite(tt.seed, tt.target); got != tt.expected {
			t.Errorf("SameSite(%q, %q) = %v, want %v", tt.seed, tt.target, got, tt.expected)
		}
	}
}
