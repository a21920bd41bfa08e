// Package cache implements the asset cache: two named namespaces of stored
// HTTP responses (the app shell and the dynamic cache) over a pluggable
// storage backend.
package cache

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// Response is the stored form of an HTTP response.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// NewResponse captures resp with an already-read body. A missing
// Content-Type is sniffed from the body so offline replies keep a type.
func NewResponse(resp *http.Response, body []byte) *Response {
	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if header.Get("Content-Type") == "" && len(body) > 0 {
		header.Set("Content-Type", mimetype.Detect(body).String())
	}
	return &Response{
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: time.Now(),
	}
}

// HTTPResponse rebuilds a live response for req.
func (r *Response) HTTPResponse(req *http.Request) *http.Response {
	header := r.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(r.Body)))
	return &http.Response{
		Status:        strconv.Itoa(r.Status) + " " + http.StatusText(r.Status),
		StatusCode:    r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

// RequestKey is the request identity used as the cache key.
func RequestKey(method, url string) string {
	return method + " " + url
}

// KeyFor returns the cache key of req.
func KeyFor(req *http.Request) string {
	return RequestKey(req.Method, req.URL.String())
}

// Entry pairs a key with a response for batch writes.
type Entry struct {
	Key      string
	Response *Response
}

// Cache is one named namespace.
type Cache interface {
	Name() string
	// Match returns the stored response for key, or ok=false on a miss.
	Match(ctx context.Context, key string) (resp *Response, ok bool, err error)
	Put(ctx context.Context, key string, resp *Response) error
	// PutAll writes every entry or none.
	PutAll(ctx context.Context, entries []Entry) error
	Keys(ctx context.Context) ([]string, error)
}

// Storage holds the set of namespaces.
type Storage interface {
	// Open returns the namespace, creating it if absent.
	Open(ctx context.Context, name string) (Cache, error)
	Has(ctx context.Context, name string) (bool, error)
	// Keys lists namespace names, sorted.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes a namespace and all its entries.
	Delete(ctx context.Context, name string) (bool, error)
}
