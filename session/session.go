// Package session implements the /_session/{id} URL convention that tags
// otherwise-identical upstream traffic with a session identity.
package session

import "regexp"

// prefixRe matches an optional /_session/{id} prefix. The id is restricted
// to the characters allowed in path segments that also make sense as
// filenames, so sessions can be referenced from the CLI without quoting.
var prefixRe = regexp.MustCompile(`^/_session/([A-Za-z0-9._\-]{1,128})(/.*)?$`)

// Extract inspects the incoming request path. If it matches the session
// prefix convention, it returns the session id and the path to forward
// upstream (defaulting to "/" when nothing follows the id). Otherwise it
// returns a nil session id and the original path unchanged.
func Extract(path string) (sessionID *string, forwardPath string) {
	m := prefixRe.FindStringSubmatch(path)
	if m == nil {
		return nil, path
	}

	id := m[1]
	rest := m[2]
	if rest == "" {
		rest = "/"
	}
	return &id, rest
}
