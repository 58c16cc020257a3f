package sip

import (
	"bytes"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/icholy/digest"
	"github.com/opd-ai/phonecheck/failure"
	"github.com/sirupsen/logrus"
)

// Digest algorithm names accepted in challenges.
const (
	AlgorithmMD5     = "MD5"
	AlgorithmMD5Sess = "MD5-sess"
)

// QOP values.
const (
	QOPAuth    = "auth"
	QOPAuthInt = "auth-int"
)

// Challenge is a parsed WWW-Authenticate or Proxy-Authenticate header.
type Challenge struct {
	digest.Challenge
	// Proxy is set for 407 Proxy-Authenticate challenges.
	Proxy bool
}

// ResponseHeader returns the header that answers this challenge.
func (c *Challenge) ResponseHeader() string {
	if c.Proxy {
		return HeaderProxyAuthorization
	}
	return HeaderAuthorization
}

// selectQOP picks auth over auth-int, or "" when the server offered none.
func (c *Challenge) selectQOP() string {
	switch {
	case c.SupportsQOP(QOPAuth):
		return QOPAuth
	case c.SupportsQOP(QOPAuthInt):
		return QOPAuthInt
	default:
		return ""
	}
}

// ParseChallenge parses a Digest challenge header value.
//
// Only MD5 and MD5-sess (or no algorithm, meaning MD5) are accepted, and
// MD5-sess only together with qop. Any other algorithm, a missing nonce or
// a qop list without auth or auth-int is reported as
// failure.ErrAuthenticationFailed rather than answered with a guess.
func ParseChallenge(header string, proxy bool) (*Challenge, error) {
	header = strings.TrimSpace(header)
	if len(header) >= len(digest.Prefix) && strings.EqualFold(header[:len(digest.Prefix)], digest.Prefix) {
		header = digest.Prefix + header[len(digest.Prefix):]
	}

	parsed, err := digest.ParseChallenge(header)
	if err != nil {
		return nil, authError(err)
	}

	qops := parsed.QOP[:0]
	for _, q := range parsed.QOP {
		if q = strings.TrimSpace(q); q != "" {
			qops = append(qops, q)
		}
	}
	parsed.QOP = qops

	ch := &Challenge{Challenge: *parsed, Proxy: proxy}
	if err := validateChallenge(ch); err != nil {
		return nil, authError(err)
	}
	return ch, nil
}

func validateChallenge(ch *Challenge) error {
	switch {
	case ch.Algorithm == "",
		strings.EqualFold(ch.Algorithm, AlgorithmMD5),
		strings.EqualFold(ch.Algorithm, AlgorithmMD5Sess):
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, ch.Algorithm)
	}
	if ch.Nonce == "" {
		return fmt.Errorf("%w: challenge has no nonce", ErrMissingChallenge)
	}
	if len(ch.QOP) > 0 && ch.selectQOP() == "" {
		return fmt.Errorf("%w: %q", ErrUnsupportedQOP, strings.Join(ch.QOP, ","))
	}
	// MD5-sess hashes a client nonce into A1, and the Authorization header
	// only carries cnonce alongside qop.
	if strings.EqualFold(ch.Algorithm, AlgorithmMD5Sess) && len(ch.QOP) == 0 {
		return fmt.Errorf("%w: %s without qop", ErrUnsupportedAlgorithm, AlgorithmMD5Sess)
	}
	return nil
}

func authError(err error) error {
	return failure.Authentication("digest", 0, "", err)
}

// DigestInput holds everything the response hash depends on.
type DigestInput struct {
	Username   string
	Password   string
	Realm      string
	Nonce      string
	Method     string
	URI        string
	QOP        string
	Cnonce     string
	NonceCount uint32
	Body       []byte
	Algorithm  string
}

// ComputeResponse returns the RFC 2617 request-digest for in:
//
//	A1 = MD5(username:realm:password)
//	     MD5(A1:nonce:cnonce) for MD5-sess
//	A2 = MD5(method:uri), or MD5(method:uri:MD5(body)) for auth-int
//	response = MD5(A1:nonce:A2)                     without qop
//	response = MD5(A1:nonce:nc:cnonce:qop:A2)       with qop
func ComputeResponse(in DigestInput) (string, error) {
	cred, err := computeCredentials(in)
	if err != nil {
		return "", err
	}
	return cred.Response, nil
}

func computeCredentials(in DigestInput) (*digest.Credentials, error) {
	chal := &digest.Challenge{Realm: in.Realm, Nonce: in.Nonce}
	if in.QOP != "" {
		chal.QOP = []string{in.QOP}
	}

	opts := digest.Options{
		Method:   in.Method,
		URI:      in.URI,
		Username: in.Username,
		Password: in.Password,
		Count:    int(in.NonceCount),
		Cnonce:   in.Cnonce,
		GetBody: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(in.Body)), nil
		},
	}

	switch {
	case in.Algorithm == "", strings.EqualFold(in.Algorithm, AlgorithmMD5):
	case strings.EqualFold(in.Algorithm, AlgorithmMD5Sess):
		if in.Cnonce == "" {
			return nil, authError(fmt.Errorf("%w: MD5-sess needs a cnonce", ErrUnsupportedAlgorithm))
		}
		opts.A1 = sessionA1(in.Username, in.Realm, in.Password, in.Nonce, in.Cnonce)
	default:
		return nil, authError(fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, in.Algorithm))
	}

	cred, err := digest.Digest(chal, opts)
	if err != nil {
		return nil, authError(err)
	}
	return cred, nil
}

// sessionA1 computes the MD5-sess A1, which the digest library does not
// implement.
func sessionA1(username, realm, password, nonce, cnonce string) string {
	return md5Hex(md5Hex(username+":"+realm+":"+password) + ":" + nonce + ":" + cnonce)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Authenticator answers digest challenges for one set of credentials.
//
// The nonce-count is kept per server nonce: it increments with every
// authorized request and restarts at 1 when the server issues a new nonce.
// A fresh client nonce is generated for each request.
type Authenticator struct {
	username string
	password string

	mu     sync.Mutex
	nonce  string
	count  uint32
	cnonce func() string
}

// NewAuthenticator creates an authenticator for username and password.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
		cnonce:   newCnonce,
	}
}

func newCnonce() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return randomHex(8)
	}
	return hex.EncodeToString(b)
}

// HasCredentials reports whether a username is configured.
func (a *Authenticator) HasCredentials() bool {
	return a.username != ""
}

// Authorize returns the Authorization (or Proxy-Authorization) header
// value for a request answering ch.
//
// Parameters:
//   - ch: the parsed challenge
//   - method: request method, e.g. INVITE
//   - uri: the Request-URI of the request being authorized
//   - body: request body, hashed only for qop=auth-int
//
// Returns:
//   - string: header value starting with "Digest "
//   - error: failure.ErrAuthenticationFailed kind when no response can be computed
func (a *Authenticator) Authorize(ch *Challenge, method, uri string, body []byte) (string, error) {
	if !a.HasCredentials() {
		return "", authError(ErrNoCredentials)
	}
	if err := validateChallenge(ch); err != nil {
		return "", authError(err)
	}

	a.mu.Lock()
	if ch.Nonce != a.nonce {
		a.nonce = ch.Nonce
		a.count = 0
	}
	a.count++
	nc := a.count
	cnonce := a.cnonce()
	a.mu.Unlock()

	algorithm := ch.Algorithm
	if algorithm == "" {
		algorithm = AlgorithmMD5
	}

	cred, err := computeCredentials(DigestInput{
		Username:   a.username,
		Password:   a.password,
		Realm:      ch.Realm,
		Nonce:      ch.Nonce,
		Method:     method,
		URI:        uri,
		QOP:        ch.selectQOP(),
		Cnonce:     cnonce,
		NonceCount: nc,
		Body:       body,
		Algorithm:  algorithm,
	})
	if err != nil {
		return "", err
	}
	cred.Algorithm = algorithm
	cred.Opaque = ch.Opaque

	logrus.WithFields(logrus.Fields{
		"function":  "Authenticator.Authorize",
		"realm":     ch.Realm,
		"algorithm": algorithm,
		"qop":       cred.QOP,
		"nc":        nc,
		"proxy":     ch.Proxy,
	}).Debug("Computed digest credentials")

	return cred.String(), nil
}
