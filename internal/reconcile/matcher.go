package reconcile

import (
	"net/mail"
	"strings"

	"formline/internal/domain"
	"formline/internal/mailbox"
)

// IsLikelyReply reports whether a message looks like the candidate's answer
// to the form: it must come from the candidate's address and its subject must
// contain the subject the form was sent with. A false negative leaves the
// form for the web path; a false positive would complete it with wrong data,
// so both conditions are required.
func IsLikelyReply(m mailbox.MessageRef, f domain.Form) bool {
	fragment := strings.TrimSpace(f.Subject)
	if fragment == "" || f.CandidateEmail == "" {
		return false
	}
	if !strings.EqualFold(Address(m.From), strings.TrimSpace(f.CandidateEmail)) {
		return false
	}
	return strings.Contains(strings.ToLower(m.Subject), strings.ToLower(fragment))
}

// Address extracts the bare address from a From header value such as
// "Ada Lovelace <ada@example.com>".
func Address(from string) string {
	from = strings.TrimSpace(from)
	if addr, err := mail.ParseAddress(from); err == nil {
		return addr.Address
	}
	if i, j := strings.LastIndex(from, "<"), strings.LastIndex(from, ">"); i >= 0 && j > i {
		return strings.TrimSpace(from[i+1 : j])
	}
	return from
}
