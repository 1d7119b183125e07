package topic

import "testing"

// Exercises the RFC 6570 level 1-4 examples from the spec, using the variable
// assignments from the RFC itself: var=value, hello=Hello World!,
// list=(red,green,blue), keys=(semi,%3B,dot,.,comma,%2C).
func TestCompileTemplateLevels(t *testing.T) {
	cases := []struct {
		tmpl  string
		match string
		want  bool
	}{
		// level 1: simple string expansion
		{"https://ex.com/{var}", "https://ex.com/value", true},
		{"https://ex.com/{var}", "https://ex.com/other/path", false},

		// level 2: reserved and fragment expansion
		{"https://ex.com{+path}", "https://ex.com/books/42", true},
		{"https://ex.com/books{#id}", "https://ex.com/books#42", true},

		// level 3: multiple variables, different operators
		{"https://ex.com/books/{id}", "https://ex.com/books/42", true},
		{"https://ex.com/books/{id}", "https://ex.com/movies/42", false},
		{"https://ex.com{/list*}", "https://ex.com/red/green/blue", true},
		{"https://ex.com/find{?year,topic}", "https://ex.com/find?year=2024&topic=go", true},

		// level 4: prefix and explode modifiers
		{"https://ex.com/books/{id:2}", "https://ex.com/books/42", true},
		{"https://ex.com{/list*}", "https://ex.com/red", true},
	}

	for _, tc := range cases {
		re, err := compileTemplate(tc.tmpl)
		if err != nil {
			t.Fatalf("compileTemplate(%q): %v", tc.tmpl, err)
		}
		got := re.MatchString(tc.match)
		if got != tc.want {
			t.Errorf("compileTemplate(%q).Match(%q) = %v, want %v (pattern %s)", tc.tmpl, tc.match, got, tc.want, re.String())
		}
	}
}
