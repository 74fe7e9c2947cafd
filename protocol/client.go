package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/snapsync/state"
)

// WarmUpTimeout bounds the fire-and-forget request made by WarmUp.
const WarmUpTimeout = time.Minute

// Client makes protocol requests over HTTP.
type Client struct {
	HTTP   *http.Client
	Logger *slog.Logger
}

// NewClient produces a Client using the given http.Client,
// or http.DefaultClient if it is nil.
func NewClient(hc *http.Client, logger *slog.Logger) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{HTTP: hc, Logger: logger}
}

// NotifyAll tells the public endpoint at base that a new snapshot is available.
// It returns the response status;
// an error means no response was had.
func (c *Client) NotifyAll(ctx context.Context, base string) (int, error) {
	return c.post(ctx, base, OpNotifyAll)
}

// Notify tells the private endpoint at base to pull the latest snapshot.
func (c *Client) Notify(ctx context.Context, base string) (int, error) {
	return c.post(ctx, base, OpNotify)
}

func (c *Client) post(ctx context.Context, base, op string) (int, error) {
	u, err := endpoint(base, op)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "creating request for %s", u)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "sending POST to %s", u)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// WarmUp issues a GET for base in the background and ignores the outcome.
func (c *Client) WarmUp(base string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), WarmUpTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base, nil)
		if err != nil {
			return
		}
		resp, err := c.HTTP.Do(req)
		if err != nil {
			c.logger().Debug("warm-up request failed", "uri", base, "error", err)
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
}

// SetStatus records at the publisher that subscriber id has synced the snapshot with the given token.
func (c *Client) SetStatus(ctx context.Context, publisherURL, id, token string) error {
	u, err := url.JoinPath(publisherURL, "subscribers", id, "status")
	if err != nil {
		return errors.Wrapf(err, "joining %s", publisherURL)
	}
	return c.do(ctx, http.MethodPut, u, StatusRequest{Token: token}, http.StatusNoContent, nil)
}

// Register creates or replaces a subscriber record at the publisher.
func (c *Client) Register(ctx context.Context, publisherURL string, ireq InitRequest) (*state.Agent, error) {
	u, err := url.JoinPath(publisherURL, "subscribers")
	if err != nil {
		return nil, errors.Wrapf(err, "joining %s", publisherURL)
	}
	var a state.Agent
	if err = c.do(ctx, http.MethodPost, u, ireq, http.StatusCreated, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// OutOfSync asks the publisher for its subscribers that have not synced its latest snapshot,
// restricted to those with the given public endpoint if publicURI is not empty.
func (c *Client) OutOfSync(ctx context.Context, publisherURL, publicURI string) ([]*state.Agent, error) {
	u, err := url.JoinPath(publisherURL, "subscribers", "outofsync")
	if err != nil {
		return nil, errors.Wrapf(err, "joining %s", publisherURL)
	}
	if publicURI != "" {
		u += "?" + url.Values{"uri": {publicURI}}.Encode()
	}
	var subs []*state.Agent
	err = c.do(ctx, http.MethodGet, u, nil, http.StatusOK, &subs)
	return subs, err
}

// Status asks the subscriber endpoint at base for its status.
func (c *Client) Status(ctx context.Context, base string) (*Status, error) {
	u, err := endpoint(base, OpStatus)
	if err != nil {
		return nil, err
	}
	var st Status
	if err = c.do(ctx, http.MethodGet, u, nil, http.StatusOK, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// do sends a request with an optional JSON body
// and decodes the JSON response into out, if out is not nil.
func (c *Client) do(ctx context.Context, method, u string, in interface{}, wantStatus int, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encoding request")
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return errors.Wrapf(err, "creating request for %s", u)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errors.Wrapf(err, "sending %s to %s", method, u)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("%s %s: status %d: %s", method, u, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "reading response from %s", u)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return errors.Wrapf(ErrMalformedResponse, "empty response from %s", u)
	}
	if err = json.Unmarshal(b, out); err != nil {
		return errors.Wrapf(ErrMalformedResponse, "decoding response from %s: %s", u, err)
	}
	return nil
}

func (c *Client) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c.Logger
}
