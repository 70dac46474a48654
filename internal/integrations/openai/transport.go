package openai

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
)

const maxLoggedBody = 4096

// loggingTransport logs provider request and response bodies at debug level.
// Headers are never logged so the bearer token stays out of the logs.
type loggingTransport struct {
	base   http.RoundTripper
	logger *slog.Logger
}

// NewLoggingTransport wraps base (http.DefaultTransport when nil).
func NewLoggingTransport(base http.RoundTripper, logger *slog.Logger) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &loggingTransport{base: base, logger: logger}
}

func (l *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
		req.Body = io.NopCloser(bytes.NewReader(b))
		req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(b)), nil }
		l.logger.Debug("openai outbound", "method", req.Method, "url", req.URL.String(), "body", truncate(b))
	}

	resp, err := l.base.RoundTrip(req)
	if err != nil {
		l.logger.Debug("openai transport error", "url", req.URL.String(), "err", err)
		return resp, err
	}

	if resp.Body != nil {
		b, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(b))
		if readErr != nil {
			return nil, readErr
		}
		l.logger.Debug("openai inbound", "url", req.URL.String(), "status", resp.StatusCode, "body", truncate(b))
	}
	return resp, nil
}

func truncate(b []byte) string {
	if len(b) > maxLoggedBody {
		return string(b[:maxLoggedBody]) + "... (truncated)"
	}
	return string(b)
}
