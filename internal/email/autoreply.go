package email

import "strings"

// FallbackSubject is used when an inbound message carries no subject.
const FallbackSubject = "No Subject"

// ShouldAutoReply reports whether an inbound subject gets an automatic reply.
// Replies and auto-replies are never answered. Only subjects mentioning
// "test" qualify.
func ShouldAutoReply(subject string) bool {
	s := strings.ToLower(subject)
	return !strings.HasPrefix(s, "re:") &&
		!strings.Contains(s, "auto-reply") &&
		strings.Contains(s, "test")
}

// AutoReply returns the subject and body of the reply to subject.
func AutoReply(subject string) (string, string) {
	return "Re: " + subject,
		"Thank you for your email. We received your message about: " + subject
}
