package task

import (
	"errors"
	"strings"
	"testing"
)

func TestParseHeader(t *testing.T) {
	t.Run("parses canonical header and body", func(t *testing.T) {
		content := "---\n" +
			"title: Announce Launch\n" +
			"status: received\n" +
			"skill: email\n" +
			"priority: standard\n" +
			"---\n" +
			"\n" +
			"Send to team@example.com\n"

		header, body, err := ParseHeader(content)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := header.Value("title"); got != "Announce Launch" {
			t.Errorf("expected title 'Announce Launch', got %q", got)
		}
		if got := header.Value("status"); got != "received" {
			t.Errorf("expected status 'received', got %q", got)
		}
		if body != "Send to team@example.com\n" {
			t.Errorf("unexpected body: %q", body)
		}
	})

	t.Run("missing opening delimiter", func(t *testing.T) {
		_, _, err := ParseHeader("status: received\n---\n")
		var herr *HeaderError
		if !errors.As(err, &herr) {
			t.Fatalf("expected *HeaderError, got %v", err)
		}
	})

	t.Run("missing closing delimiter", func(t *testing.T) {
		_, _, err := ParseHeader("---\nstatus: received\n")
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("missing status field", func(t *testing.T) {
		_, _, err := ParseHeader("---\ntitle: No Status\n---\nbody\n")
		if err == nil {
			t.Fatal("expected error for missing status")
		}
	})

	t.Run("line without colon", func(t *testing.T) {
		_, _, err := ParseHeader("---\nstatus received\n---\n")
		if err == nil {
			t.Fatal("expected error for malformed line")
		}
	})

	t.Run("unknown keys preserved in order", func(t *testing.T) {
		content := "---\nstatus: received\nx_custom: keep me\nanother: 42\n---\n"
		header, _, err := ParseHeader(content)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		keys := header.Keys()
		want := []string{"status", "x_custom", "another"}
		if len(keys) != len(want) {
			t.Fatalf("expected %d keys, got %d", len(want), len(keys))
		}
		for i, k := range want {
			if keys[i] != k {
				t.Errorf("key %d: expected %q, got %q", i, k, keys[i])
			}
		}
	})

	t.Run("value containing colon", func(t *testing.T) {
		header, _, err := ParseHeader("---\nstatus: received\ncreated: 2026-01-02T15:04:05Z\n---\n")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := header.Value("created"); got != "2026-01-02T15:04:05Z" {
			t.Errorf("expected timestamp preserved, got %q", got)
		}
	})
}

func TestHeaderRoundTrip(t *testing.T) {
	header := NewHeader()
	header.Set(FieldTitle, "Quarterly Report")
	header.Set(FieldStatus, "classified")
	header.Set(FieldDomain, "Business")
	header.Set(FieldDomainCategory, "reporting")
	header.Set("x_unknown", "preserved")

	body := "Some body text\n\n## Execution Plan\n\n- [ ] step one\n"
	serialized := Serialize(header, body)

	parsed, parsedBody, err := ParseHeader(serialized)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !parsed.Equal(header) {
		t.Errorf("header did not round-trip:\noriginal: %v\nparsed: %v", header.Keys(), parsed.Keys())
	}
	if parsedBody != body {
		t.Errorf("body did not round-trip:\noriginal: %q\nparsed: %q", body, parsedBody)
	}

	// A second serialize/parse cycle must be byte-identical.
	again := Serialize(parsed, parsedBody)
	if again != serialized {
		t.Errorf("serialize is not stable:\nfirst: %q\nsecond: %q", serialized, again)
	}
}

func TestHeaderSetPreservesPosition(t *testing.T) {
	header := NewHeader()
	header.Set("status", "received")
	header.Set("title", "Test")
	header.Set("status", "classified")

	keys := header.Keys()
	if keys[0] != "status" || keys[1] != "title" {
		t.Errorf("updating a field must not reorder keys, got %v", keys)
	}
	if got := header.Value("status"); got != "classified" {
		t.Errorf("expected updated value, got %q", got)
	}
}

func TestHeaderDelete(t *testing.T) {
	header := NewHeader()
	header.Set("status", "received")
	header.Set("skill", "email")
	header.Delete("skill")

	if header.Has("skill") {
		t.Error("expected skill to be deleted")
	}
	if len(header.Keys()) != 1 {
		t.Errorf("expected 1 key, got %d", len(header.Keys()))
	}
	// Deleting again is a no-op.
	header.Delete("skill")
}

func TestSerializeEmptyBody(t *testing.T) {
	header := NewHeader()
	header.Set("status", "received")

	serialized := Serialize(header, "")
	if strings.Count(serialized, Delimiter) != 2 {
		t.Errorf("expected two delimiters, got %q", serialized)
	}
	_, body, err := ParseHeader(serialized)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body != "" {
		t.Errorf("expected empty body, got %q", body)
	}
}
