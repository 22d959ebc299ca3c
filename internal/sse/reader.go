package sse

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Reader consumes a "text/event-stream" response body and delivers each
// "data:" payload on Events. It is used by the client to subscribe to
// syncd's /v1/sync/events endpoint.
type Reader struct {
	resp   *http.Response
	Events chan []byte
	errCh  chan error
}

// Open issues a GET to url and begins streaming SSE frames in a background
// goroutine. The caller must call Close when done.
func Open(ctx context.Context, httpClient *http.Client, url string) (*Reader, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build sse request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open sse stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("sse stream returned status %d", resp.StatusCode)
	}

	r := &Reader{
		resp:   resp,
		Events: make(chan []byte, 16),
		errCh:  make(chan error, 1),
	}
	go r.pump()
	return r, nil
}

// pump reads the stream line by line, accumulating "data:" lines until a
// blank line terminates the event, per the SSE wire format.
func (r *Reader) pump() {
	defer close(r.Events)

	scanner := bufio.NewScanner(r.resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				payload := make([]byte, data.Len())
				copy(payload, data.String())
				r.Events <- payload
				data.Reset()
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, ":"):
			// comment / keepalive ping — ignore
		default:
			// event:/id: lines carry metadata we don't currently use
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		r.errCh <- err
	}
}

// Err returns the error that terminated the stream, if any, after Events
// has been closed. Returns nil if the stream ended cleanly (EOF or Close).
func (r *Reader) Err() error {
	select {
	case err := <-r.errCh:
		return err
	default:
		return nil
	}
}

// Close terminates the underlying HTTP response body, stopping pump.
func (r *Reader) Close() error {
	return r.resp.Body.Close()
}
