package logger

import "strings"

// RedactEmail masks the local part of an address so logs never carry a full
// recipient: "jane.doe@example.com" becomes "ja***@example.com". Local
// parts of two characters or fewer are masked entirely, as is anything that
// does not look like an address.
func RedactEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || domain == "" || strings.Contains(domain, "@") {
		return "***@***"
	}
	if len(local) <= 2 {
		return "***@" + domain
	}
	return local[:2] + "***@" + domain
}
