// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

// Package gateway proxies an S3-compatible object store with per-user
// bucket isolation. Requests authenticate either with the platform's
// bearer tokens or with AWS SigV4 over credentials minted by the creds
// service; either way the caller only ever reaches its own bucket.
package gateway

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"haex.io/vaultsync/auth"
	"haex.io/vaultsync/creds"
	"haex.io/vaultsync/sigv4"
)

var (
	mon = monkit.Package()

	// Error is the default gateway errs class.
	Error = errs.Class("gateway")
)

// Config shapes the gateway's bucket derivation and listing limits.
type Config struct {
	// BucketPrefix prepends the user id to derive the caller's bucket,
	// "user-" by default, "storage-" for managed S3 deployments.
	BucketPrefix string
	// MaxKeys caps a single listing page.
	MaxKeys int
}

// QuotaCatalog records storage entitlement on first provisioning.
type QuotaCatalog interface {
	EnsureDefault(ctx context.Context, userID uuid.UUID) error
}

// Gateway authenticates storage requests and forwards object operations
// to the backend. A nil backend puts every route into degraded mode.
type Gateway struct {
	log     *zap.Logger
	backend Backend
	creds   *creds.Service
	tokens  auth.TokenResolver
	quotas  QuotaCatalog
	config  Config

	provisionedMu gosync.Mutex
	provisioned   map[uuid.UUID]struct{}
}

// New creates the gateway. backend and quotas may be nil: a nil backend
// serves 503s, a nil quotas skips entitlement recording.
func New(log *zap.Logger, backend Backend, credsService *creds.Service, tokens auth.TokenResolver, quotas QuotaCatalog, config Config) *Gateway {
	if config.BucketPrefix == "" {
		config.BucketPrefix = "user-"
	}
	if config.MaxKeys <= 0 {
		config.MaxKeys = 1000
	}
	return &Gateway{
		log:         log,
		backend:     backend,
		creds:       credsService,
		tokens:      tokens,
		quotas:      quotas,
		config:      config,
		provisioned: make(map[uuid.UUID]struct{}),
	}
}

// Bucket derives the only bucket the user may address.
func (g *Gateway) Bucket(userID uuid.UUID) string {
	return g.config.BucketPrefix + userID.String()
}

// Register mounts the storage routes on the router, which is expected
// to already be scoped under the storage path prefix.
func (g *Gateway) Register(router *mux.Router) {
	router.HandleFunc("/s3", g.ListOwn).Methods(http.MethodGet)
	router.HandleFunc("/s3/{bucket}", g.List).Methods(http.MethodGet)
	router.HandleFunc("/s3/{bucket}/{key:.+}", g.Object).
		Methods(http.MethodPut, http.MethodGet, http.MethodDelete, http.MethodHead)
}

// authenticate resolves the caller from the Authorization header,
// discriminating on the scheme prefix. SigV4 failures report 403,
// bearer failures 401, and an absent or unknown scheme 401.
func (g *Gateway) authenticate(ctx context.Context, r *http.Request) (uuid.UUID, int, error) {
	header := r.Header.Get("Authorization")
	switch {
	case strings.HasPrefix(header, "AWS4-HMAC-SHA256 "):
		parsed, err := sigv4.ParseAuthorization(header)
		if err != nil {
			return uuid.UUID{}, http.StatusForbidden, err
		}
		userID, secret, err := g.creds.Lookup(ctx, parsed.AccessKeyID)
		if err != nil {
			if creds.ErrNotFound.Has(err) {
				return uuid.UUID{}, http.StatusForbidden, Error.New("unknown access key")
			}
			return uuid.UUID{}, http.StatusInternalServerError, err
		}
		err = parsed.Verify(sigv4.Request{
			Method:   r.Method,
			Path:     r.URL.EscapedPath(),
			RawQuery: r.URL.RawQuery,
			Header:   r.Header.Get,
		}, secret, time.Now())
		if err != nil {
			return uuid.UUID{}, http.StatusForbidden, err
		}
		return userID, 0, nil

	case strings.HasPrefix(header, "Bearer "):
		userID, err := g.tokens.UserID(ctx, auth.BearerToken(r))
		if err != nil {
			return uuid.UUID{}, http.StatusUnauthorized, err
		}
		return userID, 0, nil
	}
	return uuid.UUID{}, http.StatusUnauthorized, Error.New("missing or unsupported authorization")
}

// admit runs the common gate of every route: degraded mode, caller
// authentication and bucket isolation. An empty bucket token skips the
// isolation check for routes that address the caller's bucket directly.
func (g *Gateway) admit(w http.ResponseWriter, r *http.Request, bucket string) (uuid.UUID, bool) {
	ctx := r.Context()

	if g.backend == nil {
		g.serveError(w, http.StatusServiceUnavailable, "storage backend is not configured")
		return uuid.UUID{}, false
	}

	userID, status, err := g.authenticate(ctx, r)
	if err != nil {
		g.log.Debug("storage auth rejected", zap.Error(err))
		g.serveError(w, status, "authentication failed")
		return uuid.UUID{}, false
	}

	if bucket != "" && bucket != g.Bucket(userID) {
		g.serveError(w, http.StatusForbidden, "bucket access denied")
		return uuid.UUID{}, false
	}
	return userID, true
}

// Object dispatches a single-object operation.
func (g *Gateway) Object(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	userID, ok := g.admit(w, r, vars["bucket"])
	if !ok {
		return
	}
	bucket, key := g.Bucket(userID), vars["key"]

	switch r.Method {
	case http.MethodPut:
		err = g.put(ctx, w, r, userID, bucket, key)
	case http.MethodGet:
		err = g.get(ctx, w, r, bucket, key)
	case http.MethodHead:
		err = g.head(ctx, w, bucket, key)
	case http.MethodDelete:
		err = g.remove(ctx, w, bucket, key)
	}
	if err != nil {
		g.serveBackendError(w, err)
	}
}

func (g *Gateway) put(ctx context.Context, w http.ResponseWriter, r *http.Request, userID uuid.UUID, bucket, key string) error {
	if err := g.provision(ctx, userID, bucket); err != nil {
		return err
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	size := r.ContentLength
	if size == 0 && r.Header.Get("Transfer-Encoding") != "" {
		size = -1
	}

	etag, err := g.backend.Put(ctx, bucket, key, r.Body, size, contentType)
	if err != nil {
		return err
	}
	if etag == "" {
		etag = fmt.Sprintf("%x", time.Now().UnixNano())
	}
	w.Header().Set("ETag", `"`+strings.Trim(etag, `"`)+`"`)
	w.WriteHeader(http.StatusOK)
	return nil
}

func (g *Gateway) get(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket, key string) error {
	rng, err := ParseRange(r.Header.Get("Range"))
	if err != nil {
		// a syntactically invalid Range header is ignored, per RFC 9110
		g.log.Debug("ignoring malformed range header",
			zap.String("range", r.Header.Get("Range")), zap.Error(err))
		rng = nil
	}
	if rng != nil {
		return g.getRange(ctx, w, bucket, key, rng)
	}

	body, info, err := g.backend.Get(ctx, bucket, key, nil)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	writeObjectHeaders(w, info)
	if info.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	// stream; the response writer flushes without buffering the object
	_, copyErr := io.Copy(w, body)
	if copyErr != nil {
		g.log.Debug("storage download aborted", zap.String("key", key), zap.Error(copyErr))
	}
	return nil
}

// getRange serves a partial download: the object is stat'd first so the
// 206 response can carry Content-Range and Content-Length, which
// resuming clients depend on.
func (g *Gateway) getRange(ctx context.Context, w http.ResponseWriter, bucket, key string, rng *Range) error {
	info, err := g.backend.Stat(ctx, bucket, key)
	if err != nil {
		return err
	}

	offset, length, ok := rng.Resolve(info.Size)
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", info.Size))
		g.serveError(w, http.StatusRequestedRangeNotSatisfiable, "range not satisfiable")
		return nil
	}

	body, _, err := g.backend.Get(ctx, bucket, key, rng)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	writeObjectHeaders(w, info)
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, info.Size))
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)
	_, copyErr := io.Copy(w, body)
	if copyErr != nil {
		g.log.Debug("storage download aborted", zap.String("key", key), zap.Error(copyErr))
	}
	return nil
}

func (g *Gateway) head(ctx context.Context, w http.ResponseWriter, bucket, key string) error {
	info, err := g.backend.Stat(ctx, bucket, key)
	if err != nil {
		return err
	}
	writeObjectHeaders(w, info)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.WriteHeader(http.StatusOK)
	return nil
}

func (g *Gateway) remove(ctx context.Context, w http.ResponseWriter, bucket, key string) error {
	if err := g.backend.Remove(ctx, bucket, key); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// ListOwn lists the caller's bucket without a bucket path segment.
func (g *Gateway) ListOwn(w http.ResponseWriter, r *http.Request) {
	userID, ok := g.admit(w, r, "")
	if !ok {
		return
	}
	g.list(w, r, g.Bucket(userID))
}

// List lists the addressed bucket, which isolation pins to the caller's.
func (g *Gateway) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := g.admit(w, r, mux.Vars(r)["bucket"])
	if !ok {
		return
	}
	g.list(w, r, g.Bucket(userID))
}

// list serves an S3-compatible ListBucketResult. A bucket the backend
// has never seen lists as empty rather than erroring, so clients can
// list before their first write.
func (g *Gateway) list(w http.ResponseWriter, r *http.Request, bucket string) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	query := r.URL.Query()
	prefix := query.Get("prefix")
	delimiter := query.Get("delimiter")
	token := query.Get("continuation-token")

	maxKeys := g.config.MaxKeys
	if raw := query.Get("max-keys"); raw != "" {
		parsed, parseErr := strconv.Atoi(raw)
		if parseErr != nil || parsed < 0 {
			g.serveError(w, http.StatusBadRequest, "invalid max-keys")
			return
		}
		if parsed < maxKeys {
			maxKeys = parsed
		}
	}

	// max-keys=0 is an empty, well-formed listing without touching the
	// backend
	var result ListResult
	if maxKeys > 0 {
		result, err = g.backend.List(ctx, bucket, prefix, delimiter, token, maxKeys)
		if err != nil && !ErrBucketNotFound.Has(err) {
			g.serveBackendError(w, err)
			return
		}
	}

	out := listBucketResult{
		Xmlns:       "http://s3.amazonaws.com/doc/2006-03-01/",
		Name:        bucket,
		Prefix:      prefix,
		Delimiter:   delimiter,
		MaxKeys:     maxKeys,
		KeyCount:    len(result.Objects) + len(result.CommonPrefixes),
		IsTruncated: result.IsTruncated,

		NextContinuationToken: result.NextContinuationToken,
	}
	for _, object := range result.Objects {
		out.Contents = append(out.Contents, listEntry{
			Key:          object.Key,
			LastModified: object.LastModified.UTC().Format("2006-01-02T15:04:05.000Z"),
			ETag:         `"` + strings.Trim(object.ETag, `"`) + `"`,
			Size:         object.Size,
			StorageClass: "STANDARD",
		})
	}
	for _, commonPrefix := range result.CommonPrefixes {
		out.CommonPrefixes = append(out.CommonPrefixes, listPrefix{Prefix: commonPrefix})
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	// the xml encoder escapes every dynamic value
	fmt.Fprint(w, xml.Header)
	if encodeErr := xml.NewEncoder(w).Encode(out); encodeErr != nil {
		g.log.Debug("listing response aborted", zap.Error(encodeErr))
	}
}

type listBucketResult struct {
	XMLName     xml.Name `xml:"ListBucketResult"`
	Xmlns       string   `xml:"xmlns,attr"`
	Name        string   `xml:"Name"`
	Prefix      string   `xml:"Prefix"`
	Delimiter   string   `xml:"Delimiter,omitempty"`
	MaxKeys     int      `xml:"MaxKeys"`
	KeyCount    int      `xml:"KeyCount"`
	IsTruncated bool     `xml:"IsTruncated"`

	NextContinuationToken string       `xml:"NextContinuationToken,omitempty"`
	Contents              []listEntry  `xml:"Contents"`
	CommonPrefixes        []listPrefix `xml:"CommonPrefixes"`
}

type listEntry struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
}

type listPrefix struct {
	Prefix string `xml:"Prefix"`
}

func writeObjectHeaders(w http.ResponseWriter, info ObjectInfo) {
	if info.ContentType != "" {
		w.Header().Set("Content-Type", info.ContentType)
	}
	if info.ETag != "" {
		w.Header().Set("ETag", `"`+strings.Trim(info.ETag, `"`)+`"`)
	}
	if !info.LastModified.IsZero() {
		w.Header().Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	}
}

// provision makes sure the user's bucket and quota record exist before
// the first write. Successful provisioning is cached per process.
func (g *Gateway) provision(ctx context.Context, userID uuid.UUID, bucket string) error {
	g.provisionedMu.Lock()
	_, done := g.provisioned[userID]
	g.provisionedMu.Unlock()
	if done {
		return nil
	}

	if err := g.backend.EnsureBucket(ctx, bucket); err != nil {
		return err
	}
	if g.quotas != nil {
		// entitlement recording is best effort
		if err := g.quotas.EnsureDefault(ctx, userID); err != nil {
			g.log.Warn("recording storage quota failed",
				zap.String("user_id", userID.String()), zap.Error(err))
		}
	}

	g.provisionedMu.Lock()
	g.provisioned[userID] = struct{}{}
	g.provisionedMu.Unlock()
	return nil
}

func (g *Gateway) serveBackendError(w http.ResponseWriter, err error) {
	switch {
	case ErrObjectNotFound.Has(err) || ErrBucketNotFound.Has(err):
		g.serveError(w, http.StatusNotFound, "object not found")
	default:
		g.log.Error("storage backend error", zap.Error(err))
		g.serveError(w, http.StatusBadGateway, "storage backend error")
	}
}

func (g *Gateway) serveError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`+"\n", message)
}
