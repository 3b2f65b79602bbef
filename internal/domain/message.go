package domain

// Envelope is the normalized content extracted from one inbox document.
// It is created once per file and never modified afterwards.
type Envelope struct {
	Recipient      string // digits only, country prefix applied
	Body           string
	SourceFile     string
	AttachmentPath string
}

// WithSource returns a copy of env bound to the file it was parsed from.
// The source file doubles as the attachment.
func (env Envelope) WithSource(path string) Envelope {
	env.SourceFile = path
	env.AttachmentPath = path
	return env
}
