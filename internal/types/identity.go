package types

import "strings"

// userIDLength is the length of a canonical user ID: the 24-character hex
// form used by the mobile app's user store.
const userIDLength = 24

// CanonicalUserID normalizes a stored recipient reference into the canonical
// user-ID form. The composer historically persisted references in several
// shapes -- bare hex strings, driver-native ObjectId("...") wrappers, values
// with stray whitespace, uppercase hex -- so this is the single place that
// tolerance lives. Returns the lowercase 24-hex id and true, or "" and false
// when the reference cannot be interpreted as a user ID.
func CanonicalUserID(raw string) (string, bool) {
	s := strings.TrimSpace(raw)

	// Unwrap ObjectId("...") / ObjectID("...") driver forms.
	if i := strings.IndexByte(s, '('); i >= 0 && strings.HasSuffix(s, ")") {
		prefix := strings.ToLower(s[:i])
		if prefix == "objectid" {
			s = strings.Trim(s[i+1:len(s)-1], `"'`)
			s = strings.TrimSpace(s)
		}
	}

	if len(s) != userIDLength {
		return "", false
	}
	for i := 0; i < len(s); i++ {
		if !isHexChar(s[i]) {
			return "", false
		}
	}

	return strings.ToLower(s), true
}

func isHexChar(c byte) bool {
	switch {
	case c >= '0' && c <= '9':
		return true
	case c >= 'a' && c <= 'f':
		return true
	case c >= 'A' && c <= 'F':
		return true
	}
	return false
}
