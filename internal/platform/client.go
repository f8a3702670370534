// Package platform talks to the social platform's publishing endpoint. It is
// the integration boundary: every platform-specific error code is mapped to
// the executor's taxonomy here, and nowhere else.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"publication-pipeline/internal/execute"
)

// Client publishes to a Graph-style page endpoint.
type Client struct {
	baseURL string
	pageID  string
	token   string
	http    *http.Client
}

func NewClient(baseURL, pageID, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		pageID:  pageID,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// PublishText posts a text message and returns the external post id.
func (c *Client) PublishText(ctx context.Context, message string) (string, error) {
	form := url.Values{}
	form.Set("message", message)
	form.Set("access_token", c.token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/%s/feed", c.baseURL, c.pageID),
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", execute.NonRetryable(fmt.Errorf("build publish request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.send(req)
}

// PublishPhoto posts a captioned photo. A hosted image is passed by URL; a
// local rendition is uploaded as multipart.
func (c *Client) PublishPhoto(ctx context.Context, message, imageRef string) (string, error) {
	endpoint := fmt.Sprintf("%s/%s/photos", c.baseURL, c.pageID)

	if strings.HasPrefix(imageRef, "http://") || strings.HasPrefix(imageRef, "https://") {
		form := url.Values{}
		form.Set("message", message)
		form.Set("url", imageRef)
		form.Set("access_token", c.token)

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return "", execute.NonRetryable(fmt.Errorf("build photo request: %w", err))
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return c.send(req)
	}

	body, contentType, err := multipartPhoto(message, imageRef, c.token)
	if err != nil {
		return "", execute.NonRetryable(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return "", execute.NonRetryable(fmt.Errorf("build photo upload: %w", err))
	}
	req.Header.Set("Content-Type", contentType)
	return c.send(req)
}

func multipartPhoto(message, path, token string) (io.Reader, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read image %s: %w", path, err)
	}

	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	part, err := w.CreateFormFile("source", "image")
	if err != nil {
		return nil, "", fmt.Errorf("build multipart: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("write multipart: %w", err)
	}
	_ = w.WriteField("message", message)
	_ = w.WriteField("access_token", token)
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return buf, w.FormDataContentType(), nil
}

type apiResponse struct {
	ID     string `json:"id"`
	PostID string `json:"post_id"`
	Error  *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
		Subcode int    `json:"error_subcode"`
	} `json:"error"`
}

func (c *Client) send(req *http.Request) (string, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return "", execute.Transient(fmt.Errorf("publish call: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", execute.Transient(fmt.Errorf("read publish response: %w", err))
	}

	var parsed apiResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classify(resp.StatusCode, parsed)
	}

	postID := parsed.PostID
	if postID == "" {
		postID = parsed.ID
	}
	if postID == "" {
		return "", execute.NonRetryable(fmt.Errorf("publish response missing post id"))
	}
	return postID, nil
}

// Platform error codes that signal throttling and expired credentials.
var (
	rateLimitCodes = map[int]bool{4: true, 17: true, 32: true, 613: true}
	authCodes      = map[int]bool{102: true, 190: true}
)

func classify(status int, parsed apiResponse) error {
	cause := fmt.Errorf("publish failed: http %d", status)
	code := 0
	if parsed.Error != nil {
		cause = fmt.Errorf("publish failed: http %d code %d: %s", status, parsed.Error.Code, parsed.Error.Message)
		code = parsed.Error.Code
	}

	switch {
	case rateLimitCodes[code]:
		return execute.RateLimited(cause)
	case authCodes[code]:
		return execute.Auth(cause)
	}

	switch execute.KindForHTTPStatus(status) {
	case execute.KindRateLimited:
		return execute.RateLimited(cause)
	case execute.KindAuth:
		return execute.Auth(cause)
	case execute.KindTransient:
		return execute.Transient(cause)
	default:
		return execute.NonRetryable(cause)
	}
}
