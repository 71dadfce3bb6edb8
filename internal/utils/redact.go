package utils

import "regexp"

var uriCredentials = regexp.MustCompile(`(mongodb(?:\+srv)?://[^:/@\s]+:)([^@\s]+)@`)

// RedactCredentials masks the password of any mongodb:// or mongodb+srv://
// URI appearing in s. Applied to connection profiles before they leave the
// API and to every log line before it is stored or published, since the
// dump and restore tools may echo the URI they were given.
func RedactCredentials(s string) string {
	return uriCredentials.ReplaceAllString(s, "${1}*****@")
}
