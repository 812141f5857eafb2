// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

package gateway_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"haex.io/vaultsync/auth"
	"haex.io/vaultsync/creds"
	"haex.io/vaultsync/gateway"
)

type fakeObject struct {
	data        []byte
	contentType string
	etag        string
	modified    time.Time
}

// fakeBackend keeps per-bucket object maps in memory.
type fakeBackend struct {
	mu      gosync.Mutex
	buckets map[string]map[string]fakeObject
	putETag string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{buckets: map[string]map[string]fakeObject{}}
}

func (b *fakeBackend) EnsureBucket(ctx context.Context, bucket string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.buckets[bucket]; !ok {
		b.buckets[bucket] = map[string]fakeObject{}
	}
	return nil
}

func (b *fakeBackend) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	objects, ok := b.buckets[bucket]
	if !ok {
		return "", gateway.ErrBucketNotFound.New("bucket %s", bucket)
	}
	objects[key] = fakeObject{
		data:        data,
		contentType: contentType,
		etag:        b.putETag,
		modified:    time.Now(),
	}
	return b.putETag, nil
}

func (b *fakeBackend) lookup(bucket, key string) (fakeObject, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	objects, ok := b.buckets[bucket]
	if !ok {
		return fakeObject{}, gateway.ErrBucketNotFound.New("bucket %s", bucket)
	}
	object, ok := objects[key]
	if !ok {
		return fakeObject{}, gateway.ErrObjectNotFound.New("key %s", key)
	}
	return object, nil
}

func (b *fakeBackend) Get(ctx context.Context, bucket, key string, rng *gateway.Range) (io.ReadCloser, gateway.ObjectInfo, error) {
	object, err := b.lookup(bucket, key)
	if err != nil {
		return nil, gateway.ObjectInfo{}, err
	}
	data := object.data
	if rng != nil {
		offset, length, ok := rng.Resolve(int64(len(data)))
		if !ok {
			return nil, gateway.ObjectInfo{}, gateway.Error.New("range not satisfiable")
		}
		data = data[offset : offset+length]
	}
	return io.NopCloser(bytes.NewReader(data)), infoOf(key, object), nil
}

func (b *fakeBackend) Stat(ctx context.Context, bucket, key string) (gateway.ObjectInfo, error) {
	object, err := b.lookup(bucket, key)
	if err != nil {
		return gateway.ObjectInfo{}, err
	}
	return infoOf(key, object), nil
}

func (b *fakeBackend) Remove(ctx context.Context, bucket, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if objects, ok := b.buckets[bucket]; ok {
		delete(objects, key)
	}
	return nil
}

func (b *fakeBackend) List(ctx context.Context, bucket, prefix, delimiter, startAfter string, maxKeys int) (gateway.ListResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	objects, ok := b.buckets[bucket]
	if !ok {
		return gateway.ListResult{}, gateway.ErrBucketNotFound.New("bucket %s", bucket)
	}
	var result gateway.ListResult
	for key, object := range objects {
		if strings.HasPrefix(key, prefix) && key > startAfter {
			result.Objects = append(result.Objects, infoOf(key, object))
		}
	}
	return result, nil
}

func infoOf(key string, object fakeObject) gateway.ObjectInfo {
	return gateway.ObjectInfo{
		Key:          key,
		Size:         int64(len(object.data)),
		ETag:         object.etag,
		ContentType:  object.contentType,
		LastModified: object.modified,
	}
}

type fakeTokens map[string]uuid.UUID

func (f fakeTokens) UserID(ctx context.Context, token string) (uuid.UUID, error) {
	if userID, ok := f[token]; ok {
		return userID, nil
	}
	return uuid.UUID{}, auth.ErrUnauthenticated.New("unknown token")
}

type memCredDB struct {
	mu    gosync.Mutex
	byKey map[string]creds.Credential
	byUID map[uuid.UUID]creds.Credential
}

func newMemCredDB() *memCredDB {
	return &memCredDB{byKey: map[string]creds.Credential{}, byUID: map[uuid.UUID]creds.Credential{}}
}

func (db *memCredDB) Insert(ctx context.Context, cred creds.Credential) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.byUID[cred.UserID]; ok {
		return creds.Error.New("duplicate")
	}
	db.byKey[cred.AccessKeyID] = cred
	db.byUID[cred.UserID] = cred
	return nil
}

func (db *memCredDB) GetByUser(ctx context.Context, userID uuid.UUID) (*creds.Credential, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if cred, ok := db.byUID[userID]; ok {
		return &cred, nil
	}
	return nil, creds.ErrNotFound.New("user %s", userID)
}

func (db *memCredDB) GetByAccessKey(ctx context.Context, accessKeyID string) (*creds.Credential, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if cred, ok := db.byKey[accessKeyID]; ok {
		return &cred, nil
	}
	return nil, creds.ErrNotFound.New("access key %s", accessKeyID)
}

func (db *memCredDB) DeleteByUser(ctx context.Context, userID uuid.UUID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if cred, ok := db.byUID[userID]; ok {
		delete(db.byKey, cred.AccessKeyID)
		delete(db.byUID, userID)
	}
	return nil
}

type fixture struct {
	gateway *gateway.Gateway
	router  *mux.Router
	backend *fakeBackend
	creds   *creds.Service
	userID  uuid.UUID
	token   string
}

func newFixture(t *testing.T, backend gateway.Backend) *fixture {
	log := zaptest.NewLogger(t)
	userID := uuid.New()
	token := "token-" + userID.String()

	credsService, err := creds.NewService(log, newMemCredDB(), "process-secret")
	require.NoError(t, err)

	g := gateway.New(log, backend, credsService, fakeTokens{token: userID}, nil, gateway.Config{})
	router := mux.NewRouter()
	g.Register(router.PathPrefix("/storage").Subrouter())

	f := &fixture{gateway: g, router: router, creds: credsService, userID: userID, token: token}
	if fb, ok := backend.(*fakeBackend); ok {
		f.backend = fb
	}
	return f
}

func (f *fixture) do(t *testing.T, method, target string, body io.Reader, decorate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if decorate != nil {
		decorate(req)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) bearer(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+f.token)
}

func TestDegradedMode(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/storage/s3", nil, f.bearer)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.do(t, http.MethodPut, "/storage/s3/user-x/file", strings.NewReader("x"), f.bearer)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuthenticationRequired(t *testing.T) {
	f := newFixture(t, newFakeBackend())

	rec := f.do(t, http.MethodGet, "/storage/s3", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), `"error"`)

	rec = f.do(t, http.MethodGet, "/storage/s3", nil, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer bogus")
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/storage/s3", nil, func(req *http.Request) {
		req.Header.Set("Authorization", "Digest nope")
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBucketIsolation(t *testing.T) {
	f := newFixture(t, newFakeBackend())

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodHead} {
		target := "/storage/s3/user-" + uuid.NewString() + "/secret.bin"
		var body io.Reader
		if method == http.MethodPut {
			body = strings.NewReader("data")
		}
		rec := f.do(t, method, target, body, f.bearer)
		require.Equal(t, http.StatusForbidden, rec.Code, "method %s must not cross buckets", method)
	}
}

func TestObjectRoundTrip(t *testing.T) {
	f := newFixture(t, newFakeBackend())
	bucket := f.gateway.Bucket(f.userID)

	// first write provisions the bucket and synthesizes an ETag when
	// the backend has none
	rec := f.do(t, http.MethodPut, "/storage/s3/"+bucket+"/notes/a.bin",
		strings.NewReader("ciphertext"), func(req *http.Request) {
			f.bearer(req)
			req.Header.Set("Content-Type", "application/octet-stream")
		})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("ETag"))

	rec = f.do(t, http.MethodGet, "/storage/s3/"+bucket+"/notes/a.bin", nil, f.bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ciphertext", rec.Body.String())
	require.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))

	rec = f.do(t, http.MethodHead, "/storage/s3/"+bucket+"/notes/a.bin", nil, f.bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "10", rec.Header().Get("Content-Length"))

	rec = f.do(t, http.MethodDelete, "/storage/s3/"+bucket+"/notes/a.bin", nil, f.bearer)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/storage/s3/"+bucket+"/notes/a.bin", nil, f.bearer)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRangedDownload(t *testing.T) {
	f := newFixture(t, newFakeBackend())
	bucket := f.gateway.Bucket(f.userID)

	rec := f.do(t, http.MethodPut, "/storage/s3/"+bucket+"/blob.bin",
		strings.NewReader("0123456789"), f.bearer)
	require.Equal(t, http.StatusOK, rec.Code)

	get := func(rangeHeader string) *httptest.ResponseRecorder {
		return f.do(t, http.MethodGet, "/storage/s3/"+bucket+"/blob.bin", nil,
			func(req *http.Request) {
				f.bearer(req)
				if rangeHeader != "" {
					req.Header.Set("Range", rangeHeader)
				}
			})
	}

	// a single-byte range must return exactly that byte, not the object
	rec = get("bytes=0-0")
	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, "0", rec.Body.String())
	require.Equal(t, "bytes 0-0/10", rec.Header().Get("Content-Range"))
	require.Equal(t, "1", rec.Header().Get("Content-Length"))

	rec = get("bytes=2-5")
	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, "2345", rec.Body.String())
	require.Equal(t, "bytes 2-5/10", rec.Header().Get("Content-Range"))
	require.Equal(t, "4", rec.Header().Get("Content-Length"))

	rec = get("bytes=5-")
	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, "56789", rec.Body.String())
	require.Equal(t, "bytes 5-9/10", rec.Header().Get("Content-Range"))

	rec = get("bytes=-3")
	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, "789", rec.Body.String())
	require.Equal(t, "bytes 7-9/10", rec.Header().Get("Content-Range"))

	// an end past the object is clamped rather than rejected
	rec = get("bytes=8-100")
	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, "89", rec.Body.String())
	require.Equal(t, "bytes 8-9/10", rec.Header().Get("Content-Range"))

	rec = get("bytes=50-")
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	require.Equal(t, "bytes */10", rec.Header().Get("Content-Range"))

	// a malformed header is ignored and the full object served
	rec = get("bytes=banana")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "0123456789", rec.Body.String())
	require.Equal(t, "10", rec.Header().Get("Content-Length"))
}

func TestListBucket(t *testing.T) {
	f := newFixture(t, newFakeBackend())
	bucket := f.gateway.Bucket(f.userID)

	// a never-written bucket lists empty instead of erroring
	rec := f.do(t, http.MethodGet, "/storage/s3/"+bucket, nil, f.bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "<ListBucketResult")
	require.Contains(t, rec.Body.String(), "<KeyCount>0</KeyCount>")
	require.Contains(t, rec.Body.String(), "<IsTruncated>false</IsTruncated>")

	rec = f.do(t, http.MethodPut, "/storage/s3/"+bucket+"/a&b<c.bin",
		strings.NewReader("x"), f.bearer)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/storage/s3/"+bucket, nil, f.bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "<KeyCount>1</KeyCount>")
	// dynamic text is escaped in the synthesized XML
	require.Contains(t, body, "a&amp;b&lt;c.bin")
	require.NotContains(t, body, "a&b<c.bin")
}

func TestListBucketMaxKeys(t *testing.T) {
	f := newFixture(t, newFakeBackend())
	bucket := f.gateway.Bucket(f.userID)

	rec := f.do(t, http.MethodPut, "/storage/s3/"+bucket+"/a.bin",
		strings.NewReader("x"), f.bearer)
	require.Equal(t, http.StatusOK, rec.Code)

	// max-keys=0 is a well-formed empty listing, not the default page
	rec = f.do(t, http.MethodGet, "/storage/s3/"+bucket+"?max-keys=0", nil, f.bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "<KeyCount>0</KeyCount>")
	require.Contains(t, body, "<MaxKeys>0</MaxKeys>")
	require.NotContains(t, body, "a.bin")

	rec = f.do(t, http.MethodGet, "/storage/s3/"+bucket+"?max-keys=-1", nil, f.bearer)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/storage/s3/"+bucket+"?max-keys=borked", nil, f.bearer)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// signV4 signs a request the way a real S3 client would, over the
// header set named in signedHeaders.
func signV4(req *http.Request, accessKeyID, secret string, signedAt time.Time) {
	amzDate := signedAt.UTC().Format("20060102T150405Z")
	req.Header.Set("x-amz-date", amzDate)
	date := amzDate[:8]
	region, service := "us-east-1", "s3"

	canonical := strings.Join([]string{
		req.Method,
		req.URL.EscapedPath(),
		"", // no query
		"x-amz-date:" + amzDate,
		"",
		"x-amz-date",
		"UNSIGNED-PAYLOAD",
	}, "\n")

	scope := strings.Join([]string{date, region, service, "aws4_request"}, "/")
	sum := sha256.Sum256([]byte(canonical))
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(sum[:]),
	}, "\n")

	sign := func(key, data []byte) []byte {
		mac := hmac.New(sha256.New, key)
		mac.Write(data)
		return mac.Sum(nil)
	}
	key := sign([]byte("AWS4"+secret), []byte(date))
	key = sign(key, []byte(region))
	key = sign(key, []byte(service))
	key = sign(key, []byte("aws4_request"))
	signature := hex.EncodeToString(sign(key, []byte(stringToSign)))

	req.Header.Set("Authorization", fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=x-amz-date, Signature=%s",
		accessKeyID, scope, signature))
}

func TestSigV4Authentication(t *testing.T) {
	f := newFixture(t, newFakeBackend())
	bucket := f.gateway.Bucket(f.userID)

	pair, err := f.creds.Ensure(context.Background(), f.userID)
	require.NoError(t, err)

	target := "/storage/s3/" + bucket + "/file.bin"
	rec := f.do(t, http.MethodPut, target, strings.NewReader("x"), func(req *http.Request) {
		signV4(req, pair.AccessKeyID, pair.Secret, time.Now())
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// wrong secret
	rec = f.do(t, http.MethodPut, target, strings.NewReader("x"), func(req *http.Request) {
		signV4(req, pair.AccessKeyID, "not-the-secret", time.Now())
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	// unknown access key id
	rec = f.do(t, http.MethodPut, target, strings.NewReader("x"), func(req *http.Request) {
		signV4(req, "HAEXAAAABBBBCCCCDDDD", pair.Secret, time.Now())
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	// stale signature
	rec = f.do(t, http.MethodPut, target, strings.NewReader("x"), func(req *http.Request) {
		signV4(req, pair.AccessKeyID, pair.Secret, time.Now().Add(-16*time.Minute))
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
}
