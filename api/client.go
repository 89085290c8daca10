// Package api is a thin client for the chat backend REST endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatsync/models"
)

const (
	// DefaultTimeout bounds each REST round-trip.
	DefaultTimeout = 15 * time.Second

	maxResponseBytes = 4 << 20
)

// Credentials is the token pair returned by sign-in.
type Credentials struct {
	Token        string
	RefreshToken string
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	// Token supplies the bearer credential for authenticated calls.
	Token  func() string
	Logger zerolog.Logger
}

// Client calls the backend REST API.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	token   func() string
	logger  zerolog.Logger
}

// NewClient validates options and returns a Client.
func NewClient(options Options) (*Client, error) {
	if strings.TrimSpace(options.BaseURL) == "" {
		return nil, errors.New("base url is required")
	}
	base, err := url.Parse(strings.TrimRight(options.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("parse base url: unsupported scheme %q", base.Scheme)
	}

	httpClient := options.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	token := options.Token
	if token == nil {
		token = func() string { return "" }
	}

	return &Client{
		baseURL: base,
		http:    httpClient,
		token:   token,
		logger:  options.Logger,
	}, nil
}

type envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// SignIn exchanges email and password for a credential pair.
func (c *Client) SignIn(ctx context.Context, email, password string) (Credentials, error) {
	body := map[string]string{"email": email, "password": password}

	var resp envelope
	status, err := c.do(ctx, http.MethodPost, "/v1/user/signin", body, false, &resp)
	if err != nil {
		switch status {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity:
			return Credentials{}, &rejection{kind: ErrInvalidCredentials, message: BackendMessage(err)}
		}
		return Credentials{}, err
	}
	if resp.Success != nil && !*resp.Success {
		return Credentials{}, &rejection{kind: ErrInvalidCredentials, message: resp.Message}
	}

	var data struct {
		Token        string `json:"token"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return Credentials{}, fmt.Errorf("decode sign-in data: %w", err)
	}
	if data.Token == "" {
		return Credentials{}, &rejection{kind: ErrInvalidCredentials, message: "no token returned"}
	}
	return Credentials{Token: data.Token, RefreshToken: data.RefreshToken}, nil
}

// ListRooms returns every room of the signed-in user.
func (c *Client) ListRooms(ctx context.Context) ([]models.Room, error) {
	var resp struct {
		Data []models.Room `json:"data"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/v1/chat-rooms", nil, true, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// RoomMessages returns the stored history of one room.
func (c *Client) RoomMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, errors.New("room id is required")
	}

	var resp struct {
		Data []models.Message `json:"data"`
	}
	path := "/v1/chat-rooms/" + url.PathEscape(roomID) + "/messages"
	if _, err := c.do(ctx, http.MethodGet, path, nil, true, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// FindContact looks up the room shared with the user registered under email.
func (c *Client) FindContact(ctx context.Context, email string) (models.Room, error) {
	body := map[string]string{"receiverEmail": email}

	var resp struct {
		ChatRoomID    string                       `json:"chatRoomId"`
		Participants  []models.Participant         `json:"participants"`
		LatestMessage *models.LatestMessageSummary `json:"latestMessage"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/v1/user/find", body, true, &resp); err != nil {
		return models.Room{}, err
	}
	if resp.ChatRoomID == "" {
		return models.Room{}, &rejection{kind: ErrNotFound, message: "no chat room returned"}
	}

	return models.Room{
		ID:            resp.ChatRoomID,
		Participants:  resp.Participants,
		LatestMessage: resp.LatestMessage,
	}, nil
}

// do performs one JSON round-trip. The returned status is 0 when no response
// arrived.
func (c *Client) do(ctx context.Context, method, path string, body any, authenticated bool, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authenticated {
		token := c.token()
		if token == "" {
			return 0, ErrSignedOut
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		c.logger.Warn().Err(err).Str("method", method).Str("path", path).Msg("backend unreachable")
		return 0, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%w: read response: %v", ErrUnreachable, err)
	}

	c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("backend response")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := extractMessage(raw)
		switch resp.StatusCode {
		case http.StatusNotFound, http.StatusBadRequest, http.StatusUnprocessableEntity:
			return resp.StatusCode, &rejection{kind: ErrNotFound, message: message}
		default:
			return resp.StatusCode, &StatusError{StatusCode: resp.StatusCode, Message: message}
		}
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func extractMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strings.TrimSpace(string(raw))
}
