// Package pii implements ports.PiiRedactor: a small set of regex-based
// structured-field detectors plus three redaction modes (Remove, Tokenize,
// PartialMask). Richer detector implementations can replace this one behind
// the same interface; this package supplies the reference set.
//
// Layered the same way as internal/adapter/security: a ports-defined
// interface implemented by one concrete adapter, constructed from validated
// config and wired into the request path as a single dependency, not a
// registry of plugins.
package pii

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"regexp"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/lunaroute/lunaroute/internal/core/domain"
	"github.com/lunaroute/lunaroute/internal/core/ports"
)

// Mode selects how a detected PII span is transformed.
type Mode string

const (
	ModeOff         Mode = "off"
	ModeRemove      Mode = "remove"
	ModeTokenize    Mode = "tokenize"
	ModePartialMask Mode = "partial_mask"
)

// detector pairs a compiled pattern with a label used in tokenized output
// (e.g. "[EMAIL:3fae1c2b9d04e7a1]") so two redacted occurrences of the same value
// still compare equal without revealing the original.
type detector struct {
	label   string
	pattern *regexp.Regexp
}

// defaultDetectors is the reference set: email addresses, phone numbers
// (E.164-ish, country code optional), credit card numbers (13-19 digits,
// optionally grouped), and US Social Security numbers. Each detector runs
// against one complete string at a time; a pattern split across two stream
// chunks is not detected.
var defaultDetectors = []detector{
	{label: "EMAIL", pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{label: "PHONE", pattern: regexp.MustCompile(`(?:\+?\d{1,3}[\s.\-]?)?\(?\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}\b`)},
	{label: "CARD", pattern: regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`)},
	{label: "SSN", pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
}

// Redactor implements ports.PiiRedactor.
type Redactor struct {
	mode       Mode
	detectors  []detector
	tokenKey   []byte
}

var _ ports.PiiRedactor = (*Redactor)(nil)

// New derives the HMAC tokenization key from rootSecret via HKDF-SHA256,
// scoped to the given tenant so two tenants never produce colliding tokens
// for the same raw value.
func New(mode Mode, rootSecret []byte, tenant string) (*Redactor, error) {
	r := &Redactor{mode: mode, detectors: defaultDetectors}
	if mode != ModeTokenize {
		return r, nil
	}

	kdf := hkdf.New(sha256.New, rootSecret, []byte(tenant), []byte("lunaroute-pii-tokenize"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	r.tokenKey = key
	return r, nil
}

// RedactChunk applies the configured mode to a single string in isolation;
// this is what both the streaming chunk path and the structured-field
// helpers below call.
func (r *Redactor) RedactChunk(text string) string {
	if r.mode == ModeOff || text == "" {
		return text
	}
	for _, d := range r.detectors {
		text = d.pattern.ReplaceAllStringFunc(text, func(match string) string {
			return r.transform(d.label, match)
		})
	}
	return text
}

func (r *Redactor) transform(label, match string) string {
	switch r.mode {
	case ModeRemove:
		return "[REDACTED:" + label + "]"
	case ModeTokenize:
		return "[" + label + ":" + r.token(match) + "]"
	case ModePartialMask:
		return partialMask(match)
	default:
		return match
	}
}

func (r *Redactor) token(value string) string {
	mac := hmac.New(sha256.New, r.tokenKey)
	_, _ = mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))[:16]
}

// partialMask keeps the first and last visible character and masks the
// rest, e.g. "jane@example.com" -> "j**************m".
func partialMask(s string) string {
	runes := []rune(s)
	if len(runes) <= 2 {
		return strings.Repeat("*", len(runes))
	}
	masked := make([]rune, len(runes))
	masked[0] = runes[0]
	masked[len(runes)-1] = runes[len(runes)-1]
	for i := 1; i < len(runes)-1; i++ {
		masked[i] = '*'
	}
	return string(masked)
}

// RedactRequest redacts every text-bearing field of a NormalizedRequest:
// message text/parts, system prompt, and tool call arguments/results. The
// request is copied shallowly before mutation so the caller's original
// (e.g. the copy the router still needs for retry) is left untouched.
func (r *Redactor) RedactRequest(req *domain.NormalizedRequest) *domain.NormalizedRequest {
	if r.mode == ModeOff || req == nil {
		return req
	}

	out := *req
	out.System = r.RedactChunk(req.System)
	out.Messages = make([]domain.Message, len(req.Messages))
	for i, m := range req.Messages {
		out.Messages[i] = r.redactMessage(m)
	}
	if len(req.ToolResults) > 0 {
		out.ToolResults = make([]domain.ToolResult, len(req.ToolResults))
		for i, tr := range req.ToolResults {
			tr.Content = r.RedactChunk(tr.Content)
			out.ToolResults[i] = tr
		}
	}
	return &out
}

func (r *Redactor) redactMessage(m domain.Message) domain.Message {
	m.Text = r.RedactChunk(m.Text)
	if len(m.Parts) > 0 {
		parts := make([]domain.ContentPart, len(m.Parts))
		for i, p := range m.Parts {
			p.Text = r.RedactChunk(p.Text)
			p.ToolResultText = r.RedactChunk(p.ToolResultText)
			parts[i] = p
		}
		m.Parts = parts
	}
	if len(m.ToolCalls) > 0 {
		calls := make([]domain.ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			tc.Arguments = r.RedactChunk(tc.Arguments)
			calls[i] = tc
		}
		m.ToolCalls = calls
	}
	return m
}

// RedactEvent redacts the free-text fields of a SessionEvent. Callers run
// it before the event leaves the producer goroutine, so nothing unredacted
// ever sits in the recorder channel or a writer batch.
func (r *Redactor) RedactEvent(event domain.SessionEvent) domain.SessionEvent {
	if r.mode == ModeOff {
		return event
	}
	event.RequestText = r.RedactChunk(event.RequestText)
	event.ResponseText = r.RedactChunk(event.ResponseText)
	event.RequestJSON = r.RedactChunk(event.RequestJSON)
	event.ResponseJSON = r.RedactChunk(event.ResponseJSON)
	return event
}
