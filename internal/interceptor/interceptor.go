// Package interceptor routes every proxied request: reads go through the
// asset cache, submissions that cannot reach the origin are buffered in the
// pending store and acknowledged locally.
package interceptor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	apperrors "github.com/kimhsiao/offlinegate/internal/errors"
	"github.com/kimhsiao/offlinegate/internal/logging"
	"github.com/kimhsiao/offlinegate/internal/models"
)

// Fetcher serves non-submission requests, normally the cache manager.
type Fetcher interface {
	GetOrFetch(req *http.Request) (*http.Response, error)
}

// Enqueuer buffers a submission for later replay.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload map[string]interface{}) (*models.PendingRecord, error)
}

// QueuedHeader carries the pending record id on a synthetic acknowledgement.
const QueuedHeader = "X-Offlinegate-Queued"

// Config tunes submission buffering.
type Config struct {
	OfflineMessage string
	// QueuePaths restricts buffering to these paths. Empty means every POST.
	QueuePaths []string
}

// Interceptor implements http.RoundTripper.
type Interceptor struct {
	fetcher Fetcher
	network http.RoundTripper
	store   Enqueuer
	cfg     Config
}

// New creates an Interceptor. network must reach the origin directly.
func New(fetcher Fetcher, network http.RoundTripper, store Enqueuer, cfg Config) *Interceptor {
	if network == nil {
		network = http.DefaultTransport
	}
	if cfg.OfflineMessage == "" {
		cfg.OfflineMessage = "Datos guardados offline"
	}
	return &Interceptor{fetcher: fetcher, network: network, store: store, cfg: cfg}
}

// RoundTrip implements http.RoundTripper.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return i.network.RoundTrip(req)
	}
	if req.Method == http.MethodPost && i.queueable(req.URL.Path) {
		return i.submit(req)
	}
	return i.fetcher.GetOrFetch(req)
}

func (i *Interceptor) queueable(path string) bool {
	if len(i.cfg.QueuePaths) == 0 {
		return true
	}
	for _, p := range i.cfg.QueuePaths {
		if p == path {
			return true
		}
	}
	return false
}

// submit forwards a POST unmodified and buffers it if the origin is unreachable.
func (i *Interceptor) submit(req *http.Request) (*http.Response, error) {
	body, err := readBody(req)
	if err != nil {
		return nil, err
	}

	payload, parseErr := parsePayload(body)
	if parseErr != nil {
		logging.WarnWithCode("Submission body is not a JSON object; it will not be buffered",
			string(apperrors.ErrBodyParse), parseErr,
			map[string]interface{}{"url": req.URL.String()})
	}

	resp, err := i.network.RoundTrip(req)
	if err == nil {
		return resp, nil
	}
	if req.Context().Err() != nil {
		return nil, err
	}
	if parseErr != nil {
		return nil, err
	}

	logging.WarnWithCode("Origin unreachable; buffering submission",
		string(apperrors.ErrNetworkUnavailable), err,
		map[string]interface{}{"url": req.URL.String()})

	record, qerr := i.store.Enqueue(context.WithoutCancel(req.Context()), payload)
	if qerr != nil {
		logging.ErrorWithCode("Failed to buffer submission", string(apperrors.CodeOf(qerr)), qerr,
			map[string]interface{}{"url": req.URL.String()})
	}
	return i.acknowledge(req, record), nil
}

// acknowledge builds the synthetic "saved offline" response.
func (i *Interceptor) acknowledge(req *http.Request, record *models.PendingRecord) *http.Response {
	body, _ := json.Marshal(map[string]string{"message": i.cfg.OfflineMessage})

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Content-Length", strconv.Itoa(len(body)))
	if record != nil {
		header.Set(QueuedHeader, strconv.FormatInt(record.ID, 10))
	}

	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// readBody buffers the request body and rewinds it for the network call.
func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.ContentLength = int64(len(body))
	return body, nil
}

// parsePayload decodes a JSON object body.
func parsePayload(body []byte) (map[string]interface{}, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, apperrors.New(apperrors.ErrBodyParse, "empty body")
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrBodyParse, "body is not a JSON object", err)
	}
	if payload == nil {
		return nil, apperrors.New(apperrors.ErrBodyParse, "body is null")
	}
	return payload, nil
}
