package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrPasswordRequired is returned by Download when the share is password
// protected and no password was given.
var ErrPasswordRequired = errors.New("share is password protected")

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// IssuedShare mirrors the upload response.
type IssuedShare struct {
	ShareCode    string    `json:"shareCode"`
	ExpiresAt    time.Time `json:"expiresAt"`
	MaxDownloads int       `json:"maxDownloads"`
	FileName     string    `json:"fileName"`
	Size         int64     `json:"size"`
	OriginalSize int64     `json:"originalSize"`
}

// ShareInfo mirrors the info response.
type ShareInfo struct {
	ShareCode          string    `json:"shareCode"`
	FileName           string    `json:"fileName"`
	FileSize           int64     `json:"fileSize"`
	UploaderID         string    `json:"uploaderId"`
	ExpiresAt          time.Time `json:"expiresAt"`
	DownloadCount      int       `json:"downloadCount"`
	MaxDownloads       int       `json:"maxDownloads"`
	RemainingDownloads int       `json:"remainingDownloads"`
	CanDownload        bool      `json:"canDownload"`
	HasPassword        bool      `json:"hasPassword"`
}

type UploadOptions struct {
	Password     string
	MaxDownloads int
}

// Client talks to the share endpoints of a chillchat server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	backoff func() retry.Backoff
}

func New(baseURL, token string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    hc,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(3, retry.NewExponential(250*time.Millisecond))
		},
	}
}

// Upload sends a ZIP and returns the issued share.
func (c *Client) Upload(ctx context.Context, fileName string, data []byte, opts UploadOptions) (*IssuedShare, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if opts.Password != "" {
		if err := mw.WriteField("password", opts.Password); err != nil {
			return nil, err
		}
	}
	if opts.MaxDownloads > 0 {
		if err := mw.WriteField("maxDownloads", strconv.Itoa(opts.MaxDownloads)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/files/upload", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusCreated {
		return nil, readAPIError(res)
	}
	var issued IssuedShare
	if err := json.NewDecoder(res.Body).Decode(&issued); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return &issued, nil
}

// Info fetches share metadata. Transient failures are retried.
func (c *Client) Info(ctx context.Context, code string) (*ShareInfo, error) {
	var info ShareInfo
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		req, err := c.newRequest(ctx, http.MethodGet, "/files/info/"+url.PathEscape(code), nil)
		if err != nil {
			return err
		}
		res, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("info: %w", err))
		}
		defer res.Body.Close()

		if res.StatusCode != http.StatusOK {
			apiErr := readAPIError(res)
			if res.StatusCode >= http.StatusInternalServerError {
				return retry.RetryableError(apiErr)
			}
			return apiErr
		}
		return json.NewDecoder(res.Body).Decode(&info)
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// Download claims one download of code and copies the ZIP to w. It returns
// the file name the server suggested. Downloads are never retried since
// each attempt may use up the share.
func (c *Client) Download(ctx context.Context, code, password string, w io.Writer) (string, error) {
	path := "/files/download/" + url.PathEscape(code)
	if password != "" {
		path += "?" + url.Values{"password": {password}}.Encode()
	}

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		apiErr := readAPIError(res)
		if apiErr.Status == http.StatusUnauthorized && apiErr.Message == "password_required" {
			return "", ErrPasswordRequired
		}
		return "", apiErr
	}

	name := code + ".zip"
	if _, params, err := mime.ParseMediaType(res.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		name = params["filename"]
	}

	if _, err := io.Copy(w, res.Body); err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	return name, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func readAPIError(res *http.Response) *APIError {
	apiErr := &APIError{Status: res.StatusCode, Message: http.StatusText(res.StatusCode)}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 64*1024)).Decode(&body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
	}
	return apiErr
}
