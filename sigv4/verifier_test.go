// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

package sigv4_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"haex.io/vaultsync/sigv4"
)

const emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// signedRequest is a test helper producing a request signed the way an
// S3 client would sign it.
type signedRequest struct {
	method  string
	path    string
	query   string
	headers map[string]string

	accessKeyID string
	region      string
	service     string
	signedAt    time.Time
}

func (sr *signedRequest) header(name string) string {
	return sr.headers[name]
}

func (sr *signedRequest) sign(secret string) string {
	amzDate := sr.signedAt.UTC().Format("20060102T150405Z")
	sr.headers["x-amz-date"] = amzDate
	scopeDate := amzDate[:8]

	signedHeaders := make([]string, 0, len(sr.headers))
	for name := range sr.headers {
		signedHeaders = append(signedHeaders, name)
	}
	sort.Strings(signedHeaders)

	payloadHash := sr.headers["x-amz-content-sha256"]
	if payloadHash == "" {
		payloadHash = "UNSIGNED-PAYLOAD"
	}

	var canonical strings.Builder
	canonical.WriteString(sr.method + "\n" + sr.path + "\n" + canonicalizeQuery(sr.query) + "\n")
	for _, name := range signedHeaders {
		canonical.WriteString(name + ":" + strings.TrimSpace(sr.headers[name]) + "\n")
	}
	canonical.WriteString("\n" + strings.Join(signedHeaders, ";") + "\n" + payloadHash)

	scope := scopeDate + "/" + sr.region + "/" + sr.service + "/aws4_request"
	canonicalHash := sha256.Sum256([]byte(canonical.String()))
	stringToSign := "AWS4-HMAC-SHA256\n" + amzDate + "\n" + scope + "\n" + hex.EncodeToString(canonicalHash[:])

	key := []byte("AWS4" + secret)
	for _, part := range []string{scopeDate, sr.region, sr.service, "aws4_request"} {
		mac := hmac.New(sha256.New, key)
		mac.Write([]byte(part))
		key = mac.Sum(nil)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(stringToSign))
	signature := hex.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("AWS4-HMAC-SHA256 Credential=%s/%s/%s/%s/aws4_request, SignedHeaders=%s, Signature=%s",
		sr.accessKeyID, scopeDate, sr.region, sr.service, strings.Join(signedHeaders, ";"), signature)
}

func canonicalizeQuery(rawQuery string) string {
	values, _ := url.ParseQuery(rawQuery)
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var pairs []string
	for _, key := range keys {
		for _, v := range values[key] {
			pairs = append(pairs, url.QueryEscape(key)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(pairs, "&")
}

func newSignedRequest(now time.Time) *signedRequest {
	return &signedRequest{
		method: "GET",
		path:   "/user-7f1b0a50/notes.db",
		query:  "",
		headers: map[string]string{
			"host":                 "storage.example.test",
			"x-amz-content-sha256": "UNSIGNED-PAYLOAD",
		},
		accessKeyID: "HAEXABCDEFGH12345678",
		region:      "us-east-1",
		service:     "s3",
		signedAt:    now,
	}
}

func verify(t *testing.T, sr *signedRequest, header, secret string, now time.Time) error {
	t.Helper()
	auth, err := sigv4.ParseAuthorization(header)
	if err != nil {
		return err
	}
	return auth.Verify(sigv4.Request{
		Method:   sr.method,
		Path:     sr.path,
		RawQuery: sr.query,
		Header:   sr.header,
	}, secret, now)
}

func TestVerifyRoundTrip(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	secret := "c2VjcmV0c2VjcmV0c2VjcmV0c2VjcmV0c2VjcmV0"

	sr := newSignedRequest(now)
	header := sr.sign(secret)

	require.NoError(t, verify(t, sr, header, secret, now.Add(time.Minute)))
	require.Error(t, verify(t, sr, header, "wrong-secret-wrong-secret-wrong-secret-x", now))
}

func TestVerifyGoldenVector(t *testing.T) {
	// the ListUsers example from the AWS SigV4 documentation
	sr := &signedRequest{
		method: "GET",
		path:   "/",
		query:  "Action=ListUsers&Version=2010-05-08",
		headers: map[string]string{
			"content-type":         "application/x-www-form-urlencoded; charset=utf-8",
			"host":                 "iam.amazonaws.com",
			"x-amz-date":           "20150830T123600Z",
			"x-amz-content-sha256": emptyPayloadHash,
		},
	}
	header := "AWS4-HMAC-SHA256 " +
		"Credential=AKIDEXAMPLE/20150830/us-east-1/iam/aws4_request, " +
		"SignedHeaders=content-type;host;x-amz-date, " +
		"Signature=5d672d79c15b13162d9279b0855cfba6789a8edb4c82c400e06b5924a6f2b5d7"

	now := time.Date(2015, 8, 30, 12, 36, 30, 0, time.UTC)
	err := verify(t, sr, header, "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY", now)
	require.NoError(t, err)
}

func TestVerifyRejectsMutations(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	secret := "c2VjcmV0c2VjcmV0c2VjcmV0c2VjcmV0c2VjcmV0"

	mutations := map[string]func(*signedRequest){
		"method":       func(sr *signedRequest) { sr.method = "PUT" },
		"path":         func(sr *signedRequest) { sr.path = "/user-7f1b0a50/other.db" },
		"query":        func(sr *signedRequest) { sr.query = "prefix=x" },
		"header value": func(sr *signedRequest) { sr.headers["host"] = "evil.example.test" },
		"payload hash": func(sr *signedRequest) { sr.headers["x-amz-content-sha256"] = emptyPayloadHash },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			sr := newSignedRequest(now)
			header := sr.sign(secret)
			mutate(sr)
			err := verify(t, sr, header, secret, now)
			require.Error(t, err)
			require.True(t, sigv4.ErrMismatch.Has(err))
		})
	}
}

func TestVerifyRejectsSignatureBitFlip(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	secret := "c2VjcmV0c2VjcmV0c2VjcmV0c2VjcmV0c2VjcmV0"

	sr := newSignedRequest(now)
	header := sr.sign(secret)

	// flip one hex digit of the signature
	idx := strings.LastIndex(header, "Signature=") + len("Signature=")
	flipped := byte('0')
	if header[idx] == '0' {
		flipped = '1'
	}
	mutated := header[:idx] + string(flipped) + header[idx+1:]

	err := verify(t, sr, mutated, secret, now)
	require.Error(t, err)
	require.True(t, sigv4.ErrMismatch.Has(err))
}

func TestVerifyFreshnessWindow(t *testing.T) {
	secret := "c2VjcmV0c2VjcmV0c2VjcmV0c2VjcmV0c2VjcmV0"
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name     string
		signedAt time.Time
		ok       bool
	}{
		{"10 minutes old", now.Add(-10 * time.Minute), true},
		{"899 seconds old", now.Add(-899 * time.Second), true},
		{"exactly 900 seconds old", now.Add(-900 * time.Second), false},
		{"16 minutes old", now.Add(-16 * time.Minute), false},
		{"16 minutes in the future", now.Add(16 * time.Minute), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sr := newSignedRequest(tc.signedAt)
			header := sr.sign(secret)
			err := verify(t, sr, header, secret, now)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				require.True(t, sigv4.ErrStale.Has(err))
			}
		})
	}
}

func TestVerifyMissingDateFailsClosed(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	secret := "c2VjcmV0c2VjcmV0c2VjcmV0c2VjcmV0c2VjcmV0"

	sr := newSignedRequest(now)
	header := sr.sign(secret)

	delete(sr.headers, "x-amz-date")
	err := verify(t, sr, header, secret, now)
	require.True(t, sigv4.ErrStale.Has(err))

	sr = newSignedRequest(now)
	header = sr.sign(secret)
	sr.headers["x-amz-date"] = "not-a-timestamp"
	err = verify(t, sr, header, secret, now)
	require.True(t, sigv4.ErrStale.Has(err))
}

func TestParseAuthorizationRejectsMalformed(t *testing.T) {
	valid := "AWS4-HMAC-SHA256 " +
		"Credential=HAEXABCDEFGH12345678/20250601/us-east-1/s3/aws4_request, " +
		"SignedHeaders=host;x-amz-date, " +
		"Signature=" + strings.Repeat("ab", 32)

	_, err := sigv4.ParseAuthorization(valid)
	require.NoError(t, err)

	bad := []string{
		"",
		"Bearer abc",
		"AWS4-HMAC-SHA512 Credential=x/20250601/us-east-1/s3/aws4_request, SignedHeaders=host, Signature=" + strings.Repeat("ab", 32),
		// non-alphanumeric access key
		strings.Replace(valid, "HAEXABCDEFGH12345678", "HAEX_BADKEY!", 1),
		// scope date not eight digits
		strings.Replace(valid, "20250601", "2025061", 1),
		// uppercase region
		strings.Replace(valid, "us-east-1", "US-EAST-1", 1),
		// service with dash
		strings.Replace(valid, "/s3/", "/s-3/", 1),
		// truncated signature
		valid[:len(valid)-2],
		// signature with uppercase hex
		strings.Replace(valid, "Signature=abab", "Signature=ABAB", 1),
		// signed header with invalid characters
		strings.Replace(valid, "host;x-amz-date", "host;X_Amz_Date", 1),
		// missing aws4_request terminator
		strings.Replace(valid, "/aws4_request", "/aws4_token", 1),
	}

	for _, header := range bad {
		_, err := sigv4.ParseAuthorization(header)
		require.Error(t, err, "header %q should not parse", header)
	}
}
