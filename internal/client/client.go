// Package client talks to the object API over HTTP and implements
// transfer.Backend.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"securesend/internal/api"
	"securesend/internal/common"
	"securesend/internal/cryptox"
	"securesend/internal/models"
	"securesend/internal/service"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/errgroup"
)

// Client is an HTTP backend. Requests have no overall timeout and are bounded
// by their context.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: server url %q", common.ErrValidation, baseURL)
	}
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: time.Minute,
			IdleConnTimeout:       90 * time.Second,
		}},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) objectURL(id string, suffix ...string) string {
	parts := append([]string{c.baseURL, "v1", "objects", url.PathEscape(id)}, suffix...)
	return strings.Join(parts, "/")
}

// Create streams the upload as multipart/form-data through an io.Pipe, so at
// most one frame is held in memory.
func (c *Client) Create(ctx context.Context, req service.CreateRequest, frames cryptox.FrameSource) (*service.CreateResult, error) {
	meta := api.CreateObjectRequest{
		ID:            req.ID,
		SealedMeta:    req.SealedMeta,
		WrappedKey:    req.WrappedKey,
		DownloadLimit: req.DownloadLimit,
		ExpirySeconds: int64(req.Expiry / time.Second),
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	g, gctx := errgroup.WithContext(ctx)

	var writeErr, sendErr error
	g.Go(func() error {
		writeErr = writeUpload(gctx, mw, meta, frames)
		_ = pw.CloseWithError(writeErr)
		return writeErr
	})

	var res service.CreateResult
	g.Go(func() error {
		defer pr.Close()
		httpReq, err := http.NewRequestWithContext(gctx, http.MethodPost, c.baseURL+"/v1/objects", pr)
		if err != nil {
			sendErr = err
			return err
		}
		httpReq.Header.Set("Content-Type", mw.FormDataContentType())
		sendErr = c.do(httpReq, http.StatusCreated, &res)
		return sendErr
	})

	_ = g.Wait()
	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case writeErr != nil && !errors.Is(writeErr, io.ErrClosedPipe) && !errors.Is(writeErr, context.Canceled):
		// The source failed; the request error only echoes it.
		return nil, writeErr
	case sendErr != nil:
		return nil, sendErr
	case writeErr != nil:
		return nil, writeErr
	}
	return &res, nil
}

func writeUpload(ctx context.Context, mw *multipart.Writer, meta api.CreateObjectRequest, frames cryptox.FrameSource) error {
	part, err := mw.CreateFormField("metadata")
	if err != nil {
		return err
	}
	if err := json.NewEncoder(part).Encode(meta); err != nil {
		return err
	}

	part, err = mw.CreateFormFile("frames", meta.ID)
	if err != nil {
		return err
	}
	fw := cryptox.NewFrameWriter(part)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := frames.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if err := fw.WriteFrame(f); err != nil {
			return err
		}
	}
	return mw.Close()
}

func (c *Client) FetchMetadata(ctx context.Context, id string) (*models.Object, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(id), nil)
	if err != nil {
		return nil, err
	}
	var obj models.Object
	if err := c.do(req, http.StatusOK, &obj); err != nil {
		return nil, err
	}
	return &obj, nil
}

func (c *Client) BeginDownload(ctx context.Context, id string, proof []byte) (*service.DownloadHandle, error) {
	body, err := json.Marshal(api.BeginDownloadRequest{PasswordProof: proof})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.objectURL(id, "download"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var h service.DownloadHandle
	if err := c.do(req, http.StatusOK, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// StreamFrames returns the frame stream body. Redirects to presigned
// object-storage URLs are followed; the Authorization header is not
// forwarded to a different host.
func (c *Client) StreamFrames(ctx context.Context, handle string) (io.ReadCloser, error) {
	id, err := handleSubject(handle)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(id, "frames"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+handle)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportErr(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp.Body, nil
}

// handleSubject reads the object id out of a handle without verifying it;
// only the server can do that.
func handleSubject(handle string) (string, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(handle, &claims); err != nil || claims.Subject == "" {
		return "", common.ErrInvalidHandle
	}
	return claims.Subject, nil
}

// Revoke deletes an object using the token returned at upload.
func (c *Client) Revoke(ctx context.Context, id, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.objectURL(id), nil)
	if err != nil {
		return err
	}
	req.Header.Set(api.RevokeTokenHeader, token)
	return c.do(req, http.StatusNoContent, nil)
}

func (c *Client) do(req *http.Request, want int, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return transportErr(req.Context(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w: %v", common.ErrStorageFailure, err)
	}
	return nil
}

func transportErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %v", common.ErrStorageFailure, err)
}

var errorTypes = map[string]error{
	api.TypeUnavailable:          common.ErrNotFound,
	api.TypeWrongPassword:        common.ErrWrongPassword,
	api.TypeInvalidHandle:        common.ErrInvalidHandle,
	api.TypeInvalidToken:         common.ErrInvalidToken,
	api.TypeConflict:             common.ErrConflict,
	api.TypeValidation:           common.ErrValidation,
	api.TypeIncompleteStream:     common.ErrIncompleteStream,
	api.TypeOutOfOrder:           common.ErrOutOfOrder,
	api.TypeAuthenticationFailed: common.ErrAuthenticationFailed,
	api.TypeStorageFailure:       common.ErrStorageFailure,
}

// decodeError maps the error envelope back onto the shared sentinels. Any
// 5xx without a known type is treated as a transient storage failure.
func decodeError(resp *http.Response) error {
	var body api.ErrorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)

	msg := body.Error.Message
	if msg == "" {
		msg = resp.Status
	}
	if sentinel, ok := errorTypes[body.Error.Type]; ok {
		return fmt.Errorf("%w: %s", sentinel, msg)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s", common.ErrStorageFailure, msg)
	}
	return fmt.Errorf("unexpected response %d: %s", resp.StatusCode, msg)
}
