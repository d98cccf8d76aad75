package changeset

import (
	"strings"
	"testing"
)

func TestHashDescriptorDeterministic(t *testing.T) {
	descriptor := "wpkh(xpub661MyMwAqRbcF/84'/0'/0'/0/*)"

	a := HashDescriptor(descriptor)
	b := HashDescriptor(descriptor)
	if a != b {
		t.Fatalf("expected identical descriptors to hash identically")
	}
	if c := HashDescriptor(descriptor + "x"); c == a {
		t.Fatalf("expected distinct descriptors to hash differently")
	}
}

func TestDescriptorIDString(t *testing.T) {
	id := HashDescriptor("wpkh(xpub/0/*)")

	s := id.String()
	if len(s) != 64 {
		t.Fatalf("expected 64 hex characters, got %d", len(s))
	}
	if s != strings.ToLower(s) {
		t.Fatalf("expected lowercase hex, got %q", s)
	}

	parsed, err := ParseDescriptorID(s)
	if err != nil {
		t.Fatalf("parse descriptor id: %v", err)
	}
	if parsed != id {
		t.Fatalf("expected round trip to return the same id")
	}
}

func TestParseDescriptorIDRejectsMalformedInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "not hex", input: strings.Repeat("zz", 32)},
		{name: "too short", input: "00aa"},
		{name: "too long", input: strings.Repeat("ab", 33)},
		{name: "empty", input: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseDescriptorID(tt.input); err == nil {
				t.Fatalf("expected error for %q", tt.input)
			}
		})
	}
}
