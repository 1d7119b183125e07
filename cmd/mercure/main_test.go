package main

import (
	"reflect"
	"testing"
)

func TestExtractServeFlagsSeparateValues(t *testing.T) {
	configFile, envFile, rest := extractServeFlags([]string{"-config", "hub.yaml", "-env-file", ".env", "-addr", "0.0.0.0:3000"})
	if configFile != "hub.yaml" || envFile != ".env" {
		t.Fatalf("got config=%q env=%q", configFile, envFile)
	}
	if !reflect.DeepEqual(rest, []string{"-addr", "0.0.0.0:3000"}) {
		t.Fatalf("rest = %v", rest)
	}
}

func TestExtractServeFlagsEqualsForm(t *testing.T) {
	configFile, _, rest := extractServeFlags([]string{"-config=hub.yaml", "-anonymous-access=true"})
	if configFile != "hub.yaml" {
		t.Fatalf("got config=%q", configFile)
	}
	if !reflect.DeepEqual(rest, []string{"-anonymous-access=true"}) {
		t.Fatalf("rest = %v", rest)
	}
}

func TestExtractServeFlagsNoneGiven(t *testing.T) {
	configFile, envFile, rest := extractServeFlags([]string{"-addr", ":3000"})
	if configFile != "" || envFile != "" {
		t.Fatalf("expected no config/env-file, got %q %q", configFile, envFile)
	}
	if !reflect.DeepEqual(rest, []string{"-addr", ":3000"}) {
		t.Fatalf("rest = %v", rest)
	}
}

func TestSplitNonEmpty(t *testing.T) {
	got := splitNonEmpty("a, b ,,c")
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if splitNonEmpty("") != nil {
		t.Fatal("expected nil for an empty string")
	}
}

func TestBigIntBytes(t *testing.T) {
	if !reflect.DeepEqual(bigIntBytes(65537), []byte{0x01, 0x00, 0x01}) {
		t.Fatalf("got %v", bigIntBytes(65537))
	}
	if !reflect.DeepEqual(bigIntBytes(0), []byte{0}) {
		t.Fatalf("got %v", bigIntBytes(0))
	}
}
