package pii

import (
	"testing"

	"github.com/lunaroute/lunaroute/internal/core/domain"
)

func TestRedactChunkRemove(t *testing.T) {
	r, err := New(ModeRemove, []byte("secret"), "tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	got := r.RedactChunk("contact me at jane@example.com please")
	if got == "contact me at jane@example.com please" {
		t.Fatal("expected email to be redacted")
	}
}

func TestRedactChunkTokenizeIsStable(t *testing.T) {
	r, err := New(ModeTokenize, []byte("secret"), "tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	a := r.RedactChunk("email jane@example.com")
	b := r.RedactChunk("email jane@example.com")
	if a != b {
		t.Errorf("tokenization should be deterministic for the same input: %q vs %q", a, b)
	}
}

func TestRedactChunkTokenizeDiffersByTenant(t *testing.T) {
	r1, _ := New(ModeTokenize, []byte("secret"), "tenant-a")
	r2, _ := New(ModeTokenize, []byte("secret"), "tenant-b")

	a := r1.RedactChunk("jane@example.com")
	b := r2.RedactChunk("jane@example.com")
	if a == b {
		t.Error("tokens for the same value under different tenants must not collide")
	}
}

func TestRedactChunkPartialMask(t *testing.T) {
	r, _ := New(ModePartialMask, nil, "")
	got := r.RedactChunk("jane@example.com")
	if got == "jane@example.com" {
		t.Fatal("expected masking")
	}
	if got[0] != 'j' {
		t.Errorf("expected first character preserved, got %q", got)
	}
}

func TestRedactChunkOffIsNoop(t *testing.T) {
	r, _ := New(ModeOff, nil, "")
	const text = "jane@example.com"
	if got := r.RedactChunk(text); got != text {
		t.Errorf("off mode must not modify text, got %q", got)
	}
}

func TestRedactRequestDoesNotMutateOriginal(t *testing.T) {
	r, _ := New(ModeRemove, []byte("secret"), "tenant-a")
	req := &domain.NormalizedRequest{
		Model: "gpt-4o",
		System: "contact jane@example.com",
		Messages: []domain.Message{
			{Role: domain.RoleUser, Text: "my email is jane@example.com"},
		},
	}

	redacted := r.RedactRequest(req)

	if req.System != "contact jane@example.com" {
		t.Error("original request System must be untouched")
	}
	if req.Messages[0].Text != "my email is jane@example.com" {
		t.Error("original request Messages must be untouched")
	}
	if redacted.System == req.System {
		t.Error("redacted copy's System should differ from the original")
	}
}

func TestRedactEventRedactsTextFields(t *testing.T) {
	r, _ := New(ModeRemove, []byte("secret"), "tenant-a")
	event := domain.SessionEvent{
		RequestText:  "email jane@example.com",
		ResponseText: "call 555-123-4567",
	}
	redacted := r.RedactEvent(event)
	if redacted.RequestText == event.RequestText {
		t.Error("expected RequestText to be redacted")
	}
	if redacted.ResponseText == event.ResponseText {
		t.Error("expected ResponseText to be redacted")
	}
}
