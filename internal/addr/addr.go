// Package addr implements the small string and address helpers shared by
// the SMTP session handler: extracting a mailbox from a command line,
// deriving its domain, and stripping line terminators.
package addr

import (
	"regexp"
	"strings"
)

// mailboxRE matches a full, simple mailbox address. It intentionally does
// not attempt to cover every corner of RFC 5322 — it is the same narrow
// check the original receiver used to decide whether a MAIL FROM sender is
// well-formed enough to run through SPF at all.
var mailboxRE = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)

// DomainOf returns the domain part of mailbox if mailbox matches the
// mailbox regular expression, or "" otherwise.
func DomainOf(mailbox string) string {
	if !mailboxRE.MatchString(mailbox) {
		return ""
	}
	at := strings.LastIndexByte(mailbox, '@')
	return mailbox[at+1:]
}

// ExtractMailbox pulls the mailbox out of a MAIL FROM / RCPT TO argument
// line. It prefers the content between the first '<' and the following
// '>' (the normal "FROM:<user@domain>" shape); if there are no angle
// brackets, it falls back to whatever follows prefix, trimmed.
//
// prefix is matched case-insensitively and is expected to include the
// trailing colon, e.g. "MAIL FROM:" or "RCPT TO:".
func ExtractMailbox(line, prefix string) string {
	if start := strings.IndexByte(line, '<'); start >= 0 {
		if end := strings.IndexByte(line[start:], '>'); end > 0 {
			return line[start+1 : start+end]
		}
	}

	if len(line) > len(prefix) && strings.EqualFold(line[:len(prefix)], prefix) {
		return strings.TrimSpace(line[len(prefix):])
	}

	return ""
}

// RStripCRLF removes trailing '\r' and '\n' bytes from s.
func RStripCRLF(s string) string {
	return strings.TrimRight(s, "\r\n")
}
