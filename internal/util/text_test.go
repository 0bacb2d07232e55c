package util

import "testing"

func TestStripANSI(t *testing.T) {
	in := "\x1b[31mred\x1b[0m plain \x1b]0;title\a"
	if got := StripANSI(in); got != "red plain " {
		t.Errorf("StripANSI() = %q, want %q", got, "red plain ")
	}
}

func TestLastNLines(t *testing.T) {
	tests := []struct {
		name string
		text string
		n    int
		want string
	}{
		{"fewer lines", "a\nb", 5, "a\nb"},
		{"exact tail", "a\nb\nc\nd", 2, "c\nd"},
		{"trailing blanks", "a\nb\nc\n\n\n", 2, "b\nc"},
		{"zero", "a", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LastNLines(tt.text, tt.n); got != tt.want {
				t.Errorf("LastNLines(%q, %d) = %q, want %q", tt.text, tt.n, got, tt.want)
			}
		})
	}
}

func TestLastNonEmptyLine(t *testing.T) {
	if got := LastNonEmptyLine("one\n$ \n\n  \n"); got != "$ " {
		t.Errorf("LastNonEmptyLine() = %q, want %q", got, "$ ")
	}
	if got := LastNonEmptyLine("\n\n"); got != "" {
		t.Errorf("LastNonEmptyLine(blank) = %q, want empty", got)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"hello", 10, "hello"},
		{"hello world", 8, "hello..."},
		{"hello", 0, ""},
		{"hello", 2, "he"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.width); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
		}
	}
}

func TestHashStable(t *testing.T) {
	if Hash("abc") != Hash("abc") {
		t.Error("Hash should be deterministic")
	}
	if Hash("abc") == Hash("abd") {
		t.Error("Hash should differ for different input")
	}
	if len(Hash("")) != 64 {
		t.Errorf("len(Hash) = %d, want 64", len(Hash("")))
	}
}
