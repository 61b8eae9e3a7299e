package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/visionguard/detection-client/internal/logger"
	"github.com/visionguard/detection-client/pkg/types"
)

// fieldName is the multipart field the inference service reads the frame
// from. It must stay in sync with the server's request.files lookup.
const fieldName = "image"

// Client sends single frames to the inference service. It performs no
// retries; retry policy lives in the stream controller.
type Client struct {
	endpoint string
	timeout  time.Duration
	http     *http.Client
}

// NewClient creates a detection client for the given endpoint. Each
// request carries a hard deadline of timeout.
func NewClient(endpoint string, timeout time.Duration) *Client {
	return &Client{
		endpoint: endpoint,
		timeout:  timeout,
		// The per-request context enforces the deadline; the transport
		// keeps connections alive between iterations.
		http: &http.Client{},
	}
}

// Send posts one JPEG frame and returns the decoded detection payload.
// Failures are always *Error with a classified Kind.
func (c *Client) Send(ctx context.Context, frame []byte) (*types.DetectionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, contentType, err := encodeFrame(frame)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Err: err}
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		kind := classifyTransport(err)
		if ctx.Err() == context.DeadlineExceeded {
			kind = KindTimeout
		}
		return nil, &Error{Kind: kind, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused, but never parse the body
		// of an error response.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &Error{Kind: KindHTTP, Status: resp.StatusCode}
	}

	var payload types.DetectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		logger.Warn("Detect", "Undecodable response body: %v", err)
		return nil, &Error{Kind: KindDecode, Err: err}
	}

	return &payload, nil
}

// encodeFrame builds the single-part multipart body carrying the frame
// as a JPEG-typed attachment.
func encodeFrame(frame []byte) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, fieldName, "frame.jpg"))
	header.Set("Content-Type", "image/jpeg")

	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create part: %w", err)
	}
	if _, err := part.Write(frame); err != nil {
		return nil, "", fmt.Errorf("write frame: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}

	return buf, w.FormDataContentType(), nil
}
