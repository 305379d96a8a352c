package whatsapp

import (
	"strings"

	"github.com/emersion/go-vcard"
)

// SummarizeVCard renders a shared contact card as one line of text the
// brain can read, e.g. "Contact card: Jane Doe, +1 555 0100, jane@example.com".
// Returns "" if the card cannot be parsed or carries nothing useful.
func SummarizeVCard(raw string) string {
	card, err := vcard.NewDecoder(strings.NewReader(raw)).Decode()
	if err != nil {
		return ""
	}

	var parts []string
	name := card.PreferredValue(vcard.FieldFormattedName)
	if name == "" {
		if n := card.Name(); n != nil {
			name = strings.TrimSpace(n.GivenName + " " + n.FamilyName)
		}
	}
	if name != "" {
		parts = append(parts, name)
	}

	for _, f := range card[vcard.FieldTelephone] {
		tel := strings.TrimSpace(f.Value)
		if id := waID(f.Params); id != "" {
			tel += " (" + id + UserSuffix + ")"
		}
		if tel != "" {
			parts = append(parts, tel)
		}
	}
	for _, email := range card.Values(vcard.FieldEmail) {
		if email = strings.TrimSpace(email); email != "" {
			parts = append(parts, email)
		}
	}
	if org := card.PreferredValue(vcard.FieldOrganization); org != "" {
		parts = append(parts, org)
	}

	if len(parts) == 0 {
		return ""
	}
	return "Contact card: " + strings.Join(parts, ", ")
}

// waID returns the WhatsApp id WhatsApp attaches to a TEL field.
func waID(params vcard.Params) string {
	for k, v := range params {
		if strings.EqualFold(k, "waid") && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}
