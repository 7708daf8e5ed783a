package messaging

import (
	"fmt"
	"strings"
)

// Placeholder renders the stored text for a non-text inbound message.
// detail is the caption for image and video, and the file name for documents.
func Placeholder(msgType, detail string) string {
	switch msgType {
	case "image":
		return "[Image]" + detail
	case "video":
		return "[Video]" + detail
	case "document":
		return fmt.Sprintf("[Document: %s]", detail)
	case "audio", "voice":
		return "[Voice message]"
	case "location":
		return "[Location shared]"
	case "contacts":
		return "[Contact shared]"
	default:
		return fmt.Sprintf("[Message type: %s]", msgType)
	}
}

// RenderTemplate renders a template send as plain text for providers without templates.
func RenderTemplate(name string, params []string) string {
	if len(params) == 0 {
		return name
	}
	return strings.Join(params, "\n")
}

// RenderButtons renders reply buttons as a numbered list under the body.
func RenderButtons(body string, buttons []string) string {
	if len(buttons) == 0 {
		return body
	}
	var b strings.Builder
	b.WriteString(body)
	b.WriteString("\n")
	for i, title := range buttons {
		fmt.Fprintf(&b, "\n%d. %s", i+1, title)
	}
	return b.String()
}
