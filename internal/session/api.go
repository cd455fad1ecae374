package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Mode selects the account endpoint Login posts to.
type Mode string

const (
	ModeLogin  Mode = "login"
	ModeSignup Mode = "signup"
)

// UserProfile is the account data the server returns.
type UserProfile struct {
	ID         string `json:"_id"`
	Email      string `json:"email"`
	FullName   string `json:"fullName"`
	ProfilePic string `json:"profilePic,omitempty"`
	Bio        string `json:"bio,omitempty"`
}

// Credentials is the login or signup payload. FullName and Bio only matter
// for signup.
type Credentials struct {
	FullName string `json:"fullName,omitempty"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Bio      string `json:"bio,omitempty"`
}

// ProfileUpdate carries the fields to change; nil fields are left alone.
type ProfileUpdate struct {
	FullName   *string `json:"fullName,omitempty"`
	Bio        *string `json:"bio,omitempty"`
	ProfilePic *string `json:"profilePic,omitempty"`
}

type CheckResponse struct {
	Success bool         `json:"success"`
	User    *UserProfile `json:"user"`
	Message string       `json:"message"`
}

type AuthResponse struct {
	Success  bool         `json:"success"`
	Token    string       `json:"token"`
	UserData *UserProfile `json:"userData"`
	Message  string       `json:"message"`
}

type ProfileResponse struct {
	Success bool         `json:"success"`
	User    *UserProfile `json:"user"`
	Message string       `json:"message"`
}

// Backend is the set of account calls the Controller makes.
type Backend interface {
	Check(ctx context.Context) (*CheckResponse, error)
	Login(ctx context.Context, mode Mode, creds Credentials) (*AuthResponse, error)
	UpdateProfile(ctx context.Context, update ProfileUpdate) (*ProfileResponse, error)
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("request failed with status %d", e.Status)
}

// MessageOf picks the text to show for a failed call: the server's message
// when it sent one, otherwise the error itself.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}

// API talks to the account endpoints over HTTP. Every request goes through an
// Interceptor so the stored credential is attached.
type API struct {
	baseURL string
	client  *http.Client
}

func NewAPI(baseURL string, store CredentialStore, timeout time.Duration) *API {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout:   timeout,
			Transport: &Interceptor{Store: store},
		},
	}
}

func (a *API) Check(ctx context.Context) (*CheckResponse, error) {
	var out CheckResponse
	if err := a.do(ctx, http.MethodGet, "/api/auth/check", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) Login(ctx context.Context, mode Mode, creds Credentials) (*AuthResponse, error) {
	if mode != ModeLogin && mode != ModeSignup {
		return nil, errors.Errorf("unknown auth mode %q", mode)
	}
	var out AuthResponse
	if err := a.do(ctx, http.MethodPost, "/api/auth/"+string(mode), creds, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) UpdateProfile(ctx context.Context, update ProfileUpdate) (*ProfileResponse, error) {
	var out ProfileResponse
	if err := a.do(ctx, http.MethodPut, "/api/auth/update-profile", update, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrapf(err, "read %s response", path)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &payload) == nil {
			apiErr.Message = payload.Message
		}
		return apiErr
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(err, "decode %s response", path)
	}
	return nil
}
