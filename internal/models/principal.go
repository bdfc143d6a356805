package models

// Principal is the textual form of a remote identity.
type Principal string

// DefaultBio is the placeholder bio given to profiles created on first login.
const DefaultBio = "Welcome to BlockVerse!"

func (p Principal) String() string { return string(p) }

// IsZero reports whether the principal is empty.
func (p Principal) IsZero() bool { return p == "" }

// DefaultUsername derives the username assigned on first login from the
// trailing eight characters of the principal's text.
func DefaultUsername(p Principal) string {
	text := string(p)
	if len(text) > 8 {
		text = text[len(text)-8:]
	}
	return "user_" + text
}
