package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/pelusa-v/pelusa-dm/internal/chat"
	"github.com/pelusa-v/pelusa-dm/internal/models"
)

const defaultRequestTimeout = 10 * time.Second

// StatusError is a non-2xx answer other than 503.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// HTTPAPI talks to the /api routes over fasthttp.
type HTTPAPI struct {
	base    string
	token   string
	user    string
	client  *fasthttp.Client
	timeout time.Duration
}

// NewHTTPAPI targets base (e.g. http://localhost:5001/api). token is sent as
// a Bearer credential; user as the trusted X-User-Id header when token is empty.
func NewHTTPAPI(base, token, user string) *HTTPAPI {
	return &HTTPAPI{
		base:    base,
		token:   token,
		user:    user,
		client:  &fasthttp.Client{Name: "pelusa-dm-client"},
		timeout: defaultRequestTimeout,
	}
}

func (a *HTTPAPI) do(ctx context.Context, method, path string, body, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(a.base + path)
	req.Header.SetMethod(method)
	switch {
	case a.token != "":
		req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+a.token)
	case a.user != "":
		req.Header.Set("X-User-Id", a.user)
	}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		req.Header.SetContentType("application/json")
		req.SetBody(b)
	}

	deadline := time.Now().Add(a.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := a.client.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	code := resp.StatusCode()
	if code == fasthttp.StatusServiceUnavailable {
		return ErrUnavailable
	}
	if code >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(resp.Body(), &e)
		return &StatusError{Code: code, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp.Body(), out)
}

func (a *HTTPAPI) History(ctx context.Context, peer string) ([]models.Message, error) {
	var msgs []models.Message
	err := a.do(ctx, fasthttp.MethodGet, "/messages/"+url.PathEscape(peer), nil, &msgs)
	return msgs, err
}

func (a *HTTPAPI) Since(ctx context.Context, peer string, since time.Time) ([]models.Message, error) {
	path := "/messages/" + url.PathEscape(peer) + "/new"
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}
	var msgs []models.Message
	err := a.do(ctx, fasthttp.MethodGet, path, nil, &msgs)
	return msgs, err
}

func (a *HTTPAPI) Send(ctx context.Context, peer string, in chat.SendInput) (models.Message, error) {
	var m models.Message
	err := a.do(ctx, fasthttp.MethodPost, "/messages/send/"+url.PathEscape(peer), in, &m)
	return m, err
}

func (a *HTTPAPI) Users(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := a.do(ctx, fasthttp.MethodGet, "/messages/users", nil, &users)
	return users, err
}

func (a *HTTPAPI) Delete(ctx context.Context, messageID string) error {
	return a.do(ctx, fasthttp.MethodDelete, "/messages/"+url.PathEscape(messageID), nil, nil)
}

func (a *HTTPAPI) Clear(ctx context.Context, peer string) (int, error) {
	var out struct {
		DeletedCount int `json:"deletedCount"`
	}
	err := a.do(ctx, fasthttp.MethodDelete, "/messages/"+url.PathEscape(peer)+"/clear", nil, &out)
	return out.DeletedCount, err
}
