package notify

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/frePPLe/frepple-data-admin/internal/store"
)

// Subject derives the email subject line for a change event.
func Subject(ev *store.Event) string {
	switch ev.Kind {
	case store.EventAdd:
		return fmt.Sprintf("data-admin: Added %s '%s'", ev.Model, ev.ObjectRepr)
	case store.EventChange:
		return fmt.Sprintf("data-admin: Changed %s '%s'", ev.Model, ev.ObjectRepr)
	case store.EventDelete:
		return fmt.Sprintf("data-admin: Deleted %s '%s'", ev.Model, ev.ObjectRepr)
	case store.EventComment:
		return fmt.Sprintf("data-admin: Comment on %s '%s'", ev.Model, ev.ObjectRepr)
	default:
		return fmt.Sprintf("data-admin: Update on %s '%s'", ev.Model, ev.ObjectRepr)
	}
}

// Body derives the plain text email body for a change event.
func Body(ev *store.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s '%s'", capitalize(ev.Kind), ev.Model, ev.ObjectRepr)
	if ev.Username != "" {
		fmt.Fprintf(&b, " by %s", ev.Username)
	}
	fmt.Fprintf(&b, " at %s\n", ev.LastModified.Format(time.RFC1123))
	if ev.Comment != "" {
		fmt.Fprintf(&b, "\n%s\n", ev.Comment)
	}
	if ev.Attachment != "" {
		fmt.Fprintf(&b, "\nAttachment: %s\n", ev.Attachment)
	}
	return b.String()
}

// BodyHTML derives the text/html alternative part for a change event email.
func BodyHTML(ev *store.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<p>%s %s <b>%s</b>",
		capitalize(ev.Kind), html.EscapeString(ev.Model), html.EscapeString(ev.ObjectRepr))
	if ev.Username != "" {
		fmt.Fprintf(&b, " by %s", html.EscapeString(ev.Username))
	}
	fmt.Fprintf(&b, " at %s</p>\n", ev.LastModified.Format(time.RFC1123))
	if ev.Comment != "" {
		fmt.Fprintf(&b, "<p>%s</p>\n", html.EscapeString(ev.Comment))
	}
	if ev.Attachment != "" {
		fmt.Fprintf(&b, "<p>Attachment: <a href=\"%s\">%s</a></p>\n",
			ev.Attachment, html.EscapeString(ev.Attachment))
	}
	return b.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
