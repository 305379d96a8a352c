package whatsapp

import "strings"

// UserSuffix is the address suffix of one-to-one chats.
const UserSuffix = "@c.us"

// NormalizeChatID turns a bare phone number into a chat id. Ids that
// already carry a domain ("@c.us", "@g.us", "@lid") are returned as is.
// A leading "+" and spaces are stripped. Returns "" for blank input.
func NormalizeChatID(to string) string {
	to = strings.TrimSpace(to)
	if to == "" {
		return ""
	}
	if strings.Contains(to, "@") {
		return to
	}
	to = strings.TrimPrefix(to, "+")
	to = strings.NewReplacer(" ", "", "-", "").Replace(to)
	if to == "" {
		return ""
	}
	return to + UserSuffix
}
