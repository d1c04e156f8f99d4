// Package link builds and parses share links. The object id travels in the
// query string; the data key lives only in the fragment, which browsers never
// send to the server.
package link

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"securesend/internal/common"
	"securesend/internal/cryptox"
)

const (
	downloadPath = "/download"
	idBytes      = 16
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{22}$`)

// Parsed is the result of Parse. DataKey is nil when the link carries no
// fragment, meaning the key must be recovered with the password.
type Parsed struct {
	ObjectID          string
	DataKey           []byte
	PasswordProtected bool
}

// NewObjectID returns 128 random bits, base64url without padding.
func NewObjectID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate object id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ValidObjectID reports whether id has the shape NewObjectID produces.
func ValidObjectID(id string) bool {
	return idPattern.MatchString(id)
}

// Build returns https://<host>/download?id=<id>[&pw=1]#<key>.
func Build(baseURL, objectID string, dataKey []byte, passwordProtected bool) (string, error) {
	if !ValidObjectID(objectID) {
		return "", fmt.Errorf("%w: bad object id", common.ErrInvalidLink)
	}
	if len(dataKey) != cryptox.KeySize {
		return "", fmt.Errorf("%w: bad key length %d", common.ErrInvalidLink, len(dataKey))
	}

	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: base url %q", common.ErrInvalidLink, baseURL)
	}

	q := url.Values{}
	q.Set("id", objectID)
	if passwordProtected {
		q.Set("pw", "1")
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + downloadPath
	u.RawQuery = q.Encode()
	u.Fragment = ""
	u.RawFragment = ""

	return u.String() + "#" + base64.RawURLEncoding.EncodeToString(dataKey), nil
}

// Parse extracts the object id, the optional key and the password flag.
func Parse(raw string) (*Parsed, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidLink, err)
	}

	q := u.Query()
	id := q.Get("id")
	if !ValidObjectID(id) {
		return nil, fmt.Errorf("%w: missing or malformed id", common.ErrInvalidLink)
	}

	p := &Parsed{ObjectID: id, PasswordProtected: q.Get("pw") == "1"}

	frag := u.EscapedFragment()
	if frag == "" {
		return p, nil
	}
	key, err := base64.RawURLEncoding.DecodeString(frag)
	if err != nil || len(key) != cryptox.KeySize {
		return nil, fmt.Errorf("%w: malformed key fragment", common.ErrInvalidLink)
	}
	p.DataKey = key
	return p, nil
}

// ServerVisible returns the part of a link a browser transmits: everything
// before the fragment.
func ServerVisible(raw string) string {
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		return raw[:i]
	}
	return raw
}
