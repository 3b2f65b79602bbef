package domain

import (
	"strings"
	"time"
)

// Disposition is the terminal state of an inbox file.
type Disposition string

const (
	Consumed             Disposition = "consumed"
	QuarantinedWithError Disposition = "quarantined"
)

// ChannelResult is one channel's answer for one file. Err is nil on success.
type ChannelResult struct {
	Channel string
	Err     error
}

// OK reports whether the channel delivered.
func (r ChannelResult) OK() bool { return r.Err == nil }

// Outcome collects everything known about one file's processing.
type Outcome struct {
	ID          string
	File        string
	Recipient   string
	Results     []ChannelResult
	Err         error // parse or task-level failure; no channel was attempted
	Disposition Disposition
	StartedAt   time.Time
	Duration    time.Duration
}

// Decide applies the all-or-nothing reduction rule: a file is consumed when
// every attempted channel succeeded, including when none was enabled.
// Any failure quarantines the whole file, even if other channels delivered.
func (o Outcome) Decide() Disposition {
	if o.Err != nil {
		return QuarantinedWithError
	}
	for _, r := range o.Results {
		if !r.OK() {
			return QuarantinedWithError
		}
	}
	return Consumed
}

// Summary renders per-channel results as "sms=ok whatsapp=timeout".
func (o Outcome) Summary() string {
	if len(o.Results) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(o.Results))
	for _, r := range o.Results {
		if r.OK() {
			parts = append(parts, r.Channel+"=ok")
			continue
		}
		parts = append(parts, r.Channel+"="+string(KindOf(r.Err)))
	}
	return strings.Join(parts, " ")
}

// Failed returns the results that did not deliver.
func (o Outcome) Failed() []ChannelResult {
	var out []ChannelResult
	for _, r := range o.Results {
		if !r.OK() {
			out = append(out, r)
		}
	}
	return out
}
