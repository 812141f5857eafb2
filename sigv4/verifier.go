// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

// Package sigv4 verifies AWS Signature Version 4 signed requests.
//
// The verifier is a pure function over the request data, the candidate
// secret and the current time, so it can be exercised without any I/O.
// All syntactic checks run before any cryptographic material is touched,
// and the final signature comparison is constant time.
package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/errs"
)

const (
	// Algorithm is the only signing algorithm the verifier accepts.
	Algorithm = "AWS4-HMAC-SHA256"

	// MaxClockSkew bounds the distance between the request timestamp and
	// the server clock. The window is strict: a request exactly this old
	// is rejected.
	MaxClockSkew = 900 * time.Second

	unsignedPayload  = "UNSIGNED-PAYLOAD"
	amzDateFormat    = "20060102T150405Z"
	credentialSuffix = "aws4_request"
)

var (
	// Error is the default sigv4 errs class.
	Error = errs.Class("sigv4")

	// ErrMalformed is returned for authorization headers that fail the
	// syntactic checks. No secret is inspected for these.
	ErrMalformed = errs.Class("sigv4: malformed")

	// ErrMismatch is returned when the recomputed signature does not
	// equal the provided one.
	ErrMismatch = errs.Class("sigv4: signature mismatch")

	// ErrStale is returned when the request timestamp is missing,
	// unparsable, or too far from the server clock in either direction.
	ErrStale = errs.Class("sigv4: stale request")
)

// Authorization is the parsed form of an AWS4-HMAC-SHA256 header.
type Authorization struct {
	AccessKeyID   string
	Date          string // YYYYMMDD, scope date
	Region        string
	Service       string
	SignedHeaders []string
	Signature     string
}

// Request carries the request fields the signature covers. Headers hold
// the canonical-cased header values the server received; the verifier
// lowercases names itself.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   func(name string) string
}

// ParseAuthorization splits an Authorization header into its SigV4
// components, applying strict character-class checks to every field.
func ParseAuthorization(header string) (Authorization, error) {
	var auth Authorization

	if !strings.HasPrefix(header, Algorithm+" ") {
		return auth, ErrMalformed.New("unexpected algorithm")
	}

	for _, part := range strings.Split(header[len(Algorithm)+1:], ",") {
		part = strings.TrimSpace(part)
		name, value, found := strings.Cut(part, "=")
		if !found {
			return auth, ErrMalformed.New("component %q is not key=value", name)
		}

		switch name {
		case "Credential":
			scope := strings.Split(value, "/")
			if len(scope) != 5 || scope[4] != credentialSuffix {
				return auth, ErrMalformed.New("credential scope must have five parts")
			}
			auth.AccessKeyID = scope[0]
			auth.Date = scope[1]
			auth.Region = scope[2]
			auth.Service = scope[3]
		case "SignedHeaders":
			if value == "" {
				return auth, ErrMalformed.New("empty signed headers")
			}
			auth.SignedHeaders = strings.Split(value, ";")
		case "Signature":
			auth.Signature = value
		default:
			return auth, ErrMalformed.New("unknown component %q", name)
		}
	}

	if !isAlnum(auth.AccessKeyID) {
		return auth, ErrMalformed.New("invalid access key id")
	}
	if len(auth.Date) != 8 || !isDigits(auth.Date) {
		return auth, ErrMalformed.New("invalid scope date")
	}
	if !isLowerAlnumDash(auth.Region) {
		return auth, ErrMalformed.New("invalid region")
	}
	if !isLowerAlnum(auth.Service) {
		return auth, ErrMalformed.New("invalid service")
	}
	if len(auth.Signature) != 64 || !isLowerHex(auth.Signature) {
		return auth, ErrMalformed.New("invalid signature encoding")
	}
	for _, h := range auth.SignedHeaders {
		if !isLowerAlnumDash(h) {
			return auth, ErrMalformed.New("invalid signed header name %q", h)
		}
	}

	return auth, nil
}

// Verify recomputes the request signature with the candidate secret and
// compares it to the provided one in constant time. It also enforces the
// freshness window on the x-amz-date header; missing or malformed
// timestamps fail closed.
func (auth Authorization) Verify(req Request, secret string, now time.Time) error {
	amzDate := req.Header("x-amz-date")
	if amzDate == "" {
		return ErrStale.New("missing x-amz-date")
	}
	signedAt, err := time.Parse(amzDateFormat, amzDate)
	if err != nil {
		return ErrStale.New("unparsable x-amz-date")
	}
	skew := now.Sub(signedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew >= MaxClockSkew {
		return ErrStale.New("request signed %s from server time", skew)
	}

	canonical := auth.canonicalRequest(req)

	scope := strings.Join([]string{auth.Date, auth.Region, auth.Service, credentialSuffix}, "/")
	stringToSign := strings.Join([]string{
		Algorithm,
		amzDate,
		scope,
		hexSHA256([]byte(canonical)),
	}, "\n")

	key := signingKey(secret, auth.Date, auth.Region, auth.Service)
	computed := hex.EncodeToString(hmacSHA256(key, []byte(stringToSign)))

	if len(computed) != len(auth.Signature) {
		return ErrMismatch.New("signature length")
	}
	if subtle.ConstantTimeCompare([]byte(computed), []byte(auth.Signature)) != 1 {
		return ErrMismatch.New("signature does not match")
	}
	return nil
}

// canonicalRequest reconstructs the canonical request string the client
// signed.
func (auth Authorization) canonicalRequest(req Request) string {
	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteByte('\n')
	b.WriteString(req.Path)
	b.WriteByte('\n')
	b.WriteString(canonicalQuery(req.RawQuery))
	b.WriteByte('\n')
	for _, name := range auth.SignedHeaders {
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(strings.TrimSpace(req.Header(name)))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.WriteString(strings.Join(auth.SignedHeaders, ";"))
	b.WriteByte('\n')

	payloadHash := req.Header("x-amz-content-sha256")
	if payloadHash == "" {
		payloadHash = unsignedPayload
	}
	b.WriteString(payloadHash)

	return b.String()
}

// canonicalQuery sorts the query parameters ascending and strips any
// X-Amz-Signature parameter, the one part of the request that cannot
// sign itself.
func canonicalQuery(rawQuery string) string {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		// an unparsable query canonicalizes to itself; the signature
		// comparison will reject the request
		return rawQuery
	}
	values.Del("X-Amz-Signature")

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var pairs []string
	for _, key := range keys {
		vs := values[key]
		sort.Strings(vs)
		for _, v := range vs {
			pairs = append(pairs, uriEncode(key)+"="+uriEncode(v))
		}
	}
	return strings.Join(pairs, "&")
}

// uriEncode implements the AWS variant of percent-encoding: unreserved
// characters pass through, everything else (including space) is encoded.
func uriEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
		}
	}
	return b.String()
}

func signingKey(secret, date, region, service string) []byte {
	key := hmacSHA256([]byte("AWS4"+secret), []byte(date))
	key = hmacSHA256(key, []byte(region))
	key = hmacSHA256(key, []byte(service))
	return hmacSHA256(key, []byte(credentialSuffix))
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(data)
	return mac.Sum(nil)
}

func hexSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func isAlnum(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'A' || c > 'Z') && (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isLowerAlnum(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

func isLowerAlnumDash(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return false
		}
	}
	return true
}

func isLowerHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'f') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
