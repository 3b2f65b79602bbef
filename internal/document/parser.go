// Package document turns raw inbox documents into validated envelopes.
package document

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"inboxrelay/internal/domain"
)

// Recipient policy.
const (
	DefaultCountryCode     = "966"
	DefaultRecipientDigits = 9
)

var (
	ErrEmptyDocument    = errors.New("empty document")
	ErrInvalidRecipient = errors.New("invalid recipient")
)

// ParseError reports why a document could not become an envelope.
// It matches ErrEmptyDocument or ErrInvalidRecipient with errors.Is.
type ParseError struct {
	Kind   error
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *ParseError) Is(target error) bool { return target == e.Kind }

// Parser extracts the recipient from the first non-blank line and the body
// from the second. Further lines are ignored.
type Parser struct {
	CountryCode     string
	RecipientDigits int
}

// Default is the parser used by Parse and ParseText.
var Default = Parser{CountryCode: DefaultCountryCode, RecipientDigits: DefaultRecipientDigits}

// Parse extracts text from data and parses it with the default policy.
func Parse(data []byte) (domain.Envelope, error) {
	return Default.Parse(data)
}

// ParseText parses already extracted text with the default policy.
func ParseText(text string) (domain.Envelope, error) {
	return Default.ParseText(text)
}

func (p Parser) Parse(data []byte) (domain.Envelope, error) {
	text, err := Extract(data)
	if err != nil {
		return domain.Envelope{}, err
	}
	return p.ParseText(text)
}

func (p Parser) ParseText(text string) (domain.Envelope, error) {
	lines := nonBlankLines(text)
	if len(lines) < 2 {
		return domain.Envelope{}, &ParseError{
			Kind:   ErrEmptyDocument,
			Detail: fmt.Sprintf("%d non-blank line(s), need 2", len(lines)),
		}
	}

	number, ok := p.normalize(lines[0])
	if !ok {
		return domain.Envelope{}, &ParseError{Kind: ErrInvalidRecipient, Detail: fmt.Sprintf("%q", lines[0])}
	}

	return domain.Envelope{
		Recipient: p.CountryCode + number,
		Body:      lines[1],
	}, nil
}

// normalize strips a leading '+' and all whitespace, then checks the
// remainder is exactly RecipientDigits ASCII digits.
func (p Parser) normalize(raw string) (string, bool) {
	raw = strings.TrimPrefix(raw, "+")
	number := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, raw)

	if len(number) != p.RecipientDigits {
		return "", false
	}
	for _, r := range number {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return number, true
}

func nonBlankLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
