package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
)

const (
	defaultFetchTimeout = 10 * time.Second
	defaultMaxBodyBytes = 4 << 20
)

var defaultUserAgent = "mdblog/" + version

// Fetcher returns the raw markdown of one article file at one reference.
type Fetcher interface {
	Fetch(ctx context.Context, filename, reference string) ([]byte, error)
}

// HTTPFetcher reads raw files from a content host laid out as <base>/<reference>/<filename>.
type HTTPFetcher struct {
	client    *http.Client
	baseURL   string
	userAgent string
	timeout   time.Duration
	maxBody   int64
}

type FetcherOption func(*HTTPFetcher)

func WithHTTPClient(client *http.Client) FetcherOption {
	return func(f *HTTPFetcher) {
		if client != nil {
			f.client = client
		}
	}
}

func WithFetchTimeout(timeout time.Duration) FetcherOption {
	return func(f *HTTPFetcher) {
		if timeout > 0 {
			f.timeout = timeout
		}
	}
}

func WithUserAgent(userAgent string) FetcherOption {
	return func(f *HTTPFetcher) {
		if userAgent != "" {
			f.userAgent = userAgent
		}
	}
}

func WithMaxBodyBytes(limit int64) FetcherOption {
	return func(f *HTTPFetcher) {
		if limit > 0 {
			f.maxBody = limit
		}
	}
}

func NewHTTPFetcher(baseURL string, options ...FetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client:    http.DefaultClient,
		baseURL:   baseURL,
		userAgent: defaultUserAgent,
		timeout:   defaultFetchTimeout,
		maxBody:   defaultMaxBodyBytes,
	}
	for _, option := range options {
		option(f)
	}
	return f
}

func (f *HTTPFetcher) Fetch(ctx context.Context, filename, reference string) ([]byte, error) {
	if err := (ArticleKey{Filename: filename, Reference: reference}).Validate(); err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "fetch article")
	}
	target, err := url.JoinPath(f.baseURL, reference, filename)
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "build article url")
	}
	return f.Get(ctx, target)
}

// Get performs one bounded GET. Transport failures, non-2xx statuses, oversized and empty
// bodies are all reported as errors.
func (f *HTTPFetcher) Get(ctx context.Context, target string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "new request")
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err, target)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, platformerrors.Newf(platformerrors.CodeNotFound, "get %s: %s", target, resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, platformerrors.Newf(platformerrors.CodeNetwork, "get %s: %s", target, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, classifyTransportError(err, target)
	}
	if int64(len(body)) > f.maxBody {
		return nil, platformerrors.Newf(platformerrors.CodeInvalidInput, "get %s: body exceeds %d bytes", target, f.maxBody)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, platformerrors.Newf(platformerrors.CodeInvalidInput, "get %s: empty body", target)
	}
	return body, nil
}

func classifyTransportError(err error, target string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return platformerrors.Wrap(err, platformerrors.CodeTimeout, fmt.Sprintf("get %s", target))
	}
	return platformerrors.Wrap(err, platformerrors.CodeNetwork, fmt.Sprintf("get %s", target))
}
