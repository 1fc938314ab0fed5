// Package callback encodes and decodes the compact tokens carried by chat
// buttons, "namespace:key:value".
package callback

import "strings"

// Delimiter separates the three parts of a token.
const Delimiter = ":"

// Token is a decoded callback.
type Token struct {
	Namespace string
	Key       string
	Value     string
}

// String encodes the token.
func (t Token) String() string {
	return Encode(t.Namespace, t.Key, t.Value)
}

// Encode joins the parts with Delimiter. The namespace and key must not
// contain the delimiter; the value may.
func Encode(namespace, key, value string) string {
	return namespace + Delimiter + key + Delimiter + value
}

// Decode splits s on the first two delimiters. Everything after the second
// delimiter is the value, delimiters included. It returns false when s has
// fewer than two delimiters.
func Decode(s string) (Token, bool) {
	parts := strings.SplitN(s, Delimiter, 3)
	if len(parts) < 3 {
		return Token{}, false
	}
	return Token{Namespace: parts[0], Key: parts[1], Value: parts[2]}, true
}
