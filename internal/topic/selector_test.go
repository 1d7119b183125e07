package topic

import "testing"

func TestWildcardMatchesAnything(t *testing.T) {
	sel, err := Compile("*", "")
	if err != nil {
		t.Fatal(err)
	}
	if sel.Kind() != KindWildcard {
		t.Fatalf("expected KindWildcard, got %v", sel.Kind())
	}
	if !sel.Match([]string{"https://example.com/anything"}) {
		t.Fatal("wildcard should match any candidate")
	}
	if !sel.Match(nil) {
		t.Fatal("wildcard should match even an empty candidate set is still true per spec invariant 3")
	}
}

func TestLiteralMatchesExactly(t *testing.T) {
	sel, err := Compile("https://example.com/books/42", "")
	if err != nil {
		t.Fatal(err)
	}
	if sel.Kind() != KindLiteral {
		t.Fatalf("expected KindLiteral, got %v", sel.Kind())
	}
	if !sel.MatchOne("https://example.com/books/42") {
		t.Fatal("literal selector should match its own IRI")
	}
	if sel.MatchOne("https://example.com/books/43") {
		t.Fatal("literal selector should not match a different IRI")
	}
}

func TestTemplateMatchesBooksNotMovies(t *testing.T) {
	sel, err := Compile("https://example.com/books/{id}", "")
	if err != nil {
		t.Fatal(err)
	}
	if sel.Kind() != KindTemplate {
		t.Fatalf("expected KindTemplate, got %v", sel.Kind())
	}
	if !sel.MatchOne("https://example.com/books/42") {
		t.Fatal("template should match books/42")
	}
	if sel.MatchOne("https://example.com/movies/42") {
		t.Fatal("template should not match movies/42")
	}
}

func TestMatchAgainstAlternateTopics(t *testing.T) {
	sel, err := Compile("https://example.com/alt", "")
	if err != nil {
		t.Fatal(err)
	}
	if !sel.Match([]string{"https://example.com/canonical", "https://example.com/alt"}) {
		t.Fatal("selector should match if any candidate in the set matches")
	}
}

func TestAnyMatches(t *testing.T) {
	a, _ := Compile("https://example.com/a", "")
	b, _ := Compile("https://example.com/b", "")
	if !AnyMatches([]*Selector{a, b}, []string{"https://example.com/b"}) {
		t.Fatal("expected one of the selectors to match")
	}
	if AnyMatches([]*Selector{a, b}, []string{"https://example.com/c"}) {
		t.Fatal("expected no selector to match")
	}
}

func TestCompileCachesTemplates(t *testing.T) {
	const tmpl = "https://example.com/cache-test/{id}"
	first, err := Compile(tmpl, "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := Compile(tmpl, "")
	if err != nil {
		t.Fatal(err)
	}
	if first.pattern != second.pattern {
		t.Fatal("expected the compiled regexp to be reused from the LRU cache")
	}
}

func TestRelativeTemplateResolvedAgainstBase(t *testing.T) {
	sel, err := Compile("/books/{id}", "https://example.com/.well-known/mercure")
	if err != nil {
		t.Fatal(err)
	}
	if !sel.MatchOne("https://example.com/books/42") {
		t.Fatal("relative selector should resolve against the request's base URL")
	}
}
