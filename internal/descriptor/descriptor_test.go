package descriptor

import "testing"

func TestParseBytesMinimal(t *testing.T) {
	doc := []byte(`
identifier: com.example.hello
version: 1.0.0
name: Hello
provider: Example Corp
api_version: 1.0.0
`)
	info, err := ParseBytes(doc, "synthetic")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Identifier != "com.example.hello" {
		t.Fatalf("unexpected identifier: %s", info.Identifier)
	}
	if info.Version.String() != "1.0.0" {
		t.Fatalf("unexpected version: %s", info.Version.String())
	}
	if info.Path != "synthetic" {
		t.Fatalf("unexpected path: %s", info.Path)
	}
}

func TestParseBytesMissingIdentifier(t *testing.T) {
	doc := []byte(`
version: 1.0.0
`)
	if _, err := ParseBytes(doc, "synthetic"); err == nil {
		t.Fatalf("expected error for missing identifier")
	}
}

func TestParseBytesMalformed(t *testing.T) {
	doc := []byte("not: [valid: yaml")
	if _, err := ParseBytes(doc, "synthetic"); err == nil {
		t.Fatalf("expected error for malformed yaml")
	}
}

func TestParseBytesIncompatibleAPIVersion(t *testing.T) {
	doc := []byte(`
identifier: com.example.hello
api_version: 2.0.0
`)
	if _, err := ParseBytes(doc, "synthetic"); err == nil {
		t.Fatalf("expected error for incompatible major api_version")
	}
}

func TestParseBytesCompatibleMinorAPIVersion(t *testing.T) {
	doc := []byte(`
identifier: com.example.hello
api_version: 1.5.0
`)
	if _, err := ParseBytes(doc, "synthetic"); err != nil {
		t.Fatalf("expected minor version drift within the same major to be compatible, got: %v", err)
	}
}

func TestParseBytesImports(t *testing.T) {
	doc := []byte(`
identifier: com.example.hello
imports:
  - identifier: com.example.base
    version: 1.0.0
`)
	info, err := ParseBytes(doc, "synthetic")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(info.Imports) != 1 || info.Imports[0].Identifier != "com.example.base" {
		t.Fatalf("unexpected imports: %+v", info.Imports)
	}
}
