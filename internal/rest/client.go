// Package rest implements the typed client for the gateway's REST
// collaborator: session management, QR pairing, manager access and
// aggregate statistics. Every call carries the bearer token; a missing
// token is a precondition failure, not a network error.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"bridgewatch/internal/gwerr"
	"bridgewatch/internal/model"
)

// ErrMissingToken is returned before any network activity when the
// client has no bearer token.
var ErrMissingToken = gwerr.New(gwerr.CodeAuthError, "bearer token is not set")

// Client talks to the REST collaborator.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a REST client for the given base URL.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// ListSessions returns the full session snapshot for the tenant.
func (c *Client) ListSessions(ctx context.Context) ([]model.Session, error) {
	var out struct {
		Sessions []model.Session `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// CreateSession creates a new messaging session. The display name is
// optional; the server assigns one when empty.
func (c *Client) CreateSession(ctx context.Context, displayName string) (*model.Session, error) {
	body := map[string]string{}
	if displayName != "" {
		body["displayName"] = displayName
	}
	var out struct {
		Session model.Session `json:"session"`
	}
	if err := c.do(ctx, http.MethodPost, "/sessions", body, &out); err != nil {
		return nil, err
	}
	return &out.Session, nil
}

// DisconnectSession logically destroys a session on the backend.
func (c *Client) DisconnectSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/disconnect", nil, nil)
}

// QRResult is the response of the QR endpoint. When pairing completed
// before the QR was fetched, IsConnected is set and Code is empty.
type QRResult struct {
	Code        string `json:"qrCode"`
	IsConnected bool   `json:"isConnected"`
	ExpiresInMs int64  `json:"expiresInMs"`
}

// QRCode fetches the pairing QR payload for an unpaired session.
func (c *Client) QRCode(ctx context.Context, sessionID string) (*QRResult, error) {
	var out QRResult
	if err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID+"/qr", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GrantManager grants a user management access to a session.
func (c *Client) GrantManager(ctx context.Context, sessionID, userID string) error {
	body := map[string]string{"userId": userID}
	return c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/managers", body, nil)
}

// RevokeManager revokes a user's management access to a session.
func (c *Client) RevokeManager(ctx context.Context, sessionID, userID string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+sessionID+"/managers/"+userID, nil, nil)
}

// ListManagers lists users with management access to a session.
func (c *Client) ListManagers(ctx context.Context, sessionID string) ([]model.Manager, error) {
	var out struct {
		Managers []model.Manager `json:"managers"`
	}
	if err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID+"/managers", nil, &out); err != nil {
		return nil, err
	}
	return out.Managers, nil
}

// Stats fetches the tenant's aggregate counters.
func (c *Client) Stats(ctx context.Context) (*model.Stats, error) {
	var out model.Stats
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.token == "" {
		return ErrMissingToken
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return gwerr.Classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return gwerr.New(gwerr.ClassifyStatus(resp.StatusCode),
			fmt.Sprintf("%s %s returned %d", method, path, resp.StatusCode))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return gwerr.Wrap(err, gwerr.CodeUnknown, "decode response")
		}
	}
	return nil
}
