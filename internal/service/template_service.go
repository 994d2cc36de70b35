package service

import (
	"strings"

	"github.com/mifumohq/dispatch/internal/models"
)

// RenderBody substitutes per-contact placeholders in a message body.
// Supported placeholders: {name}, {phone}, and {attr} for any contact
// attribute key. Unknown placeholders are left verbatim so typos are visible
// in the delivered text instead of silently disappearing.
func RenderBody(body string, contact *models.Contact) string {
	if !strings.Contains(body, "{") {
		return body
	}

	pairs := make([]string, 0, 4+2*len(contact.Attributes))
	pairs = append(pairs,
		"{name}", contact.Name,
		"{phone}", contact.PhoneE164,
	)
	for key, value := range contact.Attributes {
		pairs = append(pairs, "{"+key+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(body)
}
