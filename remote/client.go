package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/timzifer/fleetreplay/aggregate"
	"github.com/timzifer/fleetreplay/config"
	"github.com/timzifer/fleetreplay/fleet"
)

// Kind classifies a failed upstream request.
type Kind string

const (
	KindNone    Kind = ""
	KindNetwork Kind = "network"
	KindClient  Kind = "client"
	KindServer  Kind = "server"
	KindDecode  Kind = "decode"
)

// Error describes a failed upstream request.
type Error struct {
	Kind   Kind
	Status int
	URL    string
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s request %s: status %d", e.Kind, e.URL, e.Status)
	}
	return fmt.Sprintf("%s request %s: %v", e.Kind, e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorKind returns the classification of err, or KindNone when err did not
// originate from a Client.
func ErrorKind(err error) Kind {
	var remoteErr *Error
	if errors.As(err, &remoteErr) {
		return remoteErr.Kind
	}
	return KindNone
}

// Client talks to the REST collaborator serving playback snapshots and chart
// history.
type Client struct {
	base    *url.URL
	http    *http.Client
	headers map[string]string
}

// NewClient builds a client from the remote configuration.
func NewClient(cfg config.RemoteConfig, timeout time.Duration) (*Client, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return nil, errors.New("remote url is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse remote url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote url %q must use http or https", raw)
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	return &Client{base: base, http: &http.Client{Timeout: timeout}, headers: headers}, nil
}

// Playback fetches the snapshots of the last hours. It implements fleet.Source.
func (c *Client) Playback(ctx context.Context, enterpriseID string, hours int) ([]fleet.PositionSnapshot, error) {
	query := url.Values{}
	query.Set("idEnterprise", enterpriseID)
	query.Set("hours", strconv.Itoa(hours))
	var snapshots []fleet.PositionSnapshot
	if err := c.get(ctx, "/regiondata/playback", query, &snapshots); err != nil {
		return nil, err
	}
	if snapshots == nil {
		snapshots = []fleet.PositionSnapshot{}
	}
	return snapshots, nil
}

// CountBooleanDate fetches the bucket history of a boolean date chart.
func (c *Client) CountBooleanDate(ctx context.Context, chartID string, min, max time.Time) ([]aggregate.Bucket, error) {
	query := url.Values{}
	query.Set("idChart", chartID)
	query.Set("min", min.UTC().Format("2006-01-02"))
	query.Set("max", max.UTC().Format("2006-01-02"))
	var buckets []aggregate.Bucket
	if err := c.get(ctx, "/sensorstate/chart/manycountbooleandate", query, &buckets); err != nil {
		return nil, err
	}
	return buckets, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	target := c.endpoint(path, query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return &Error{Kind: KindClient, URL: target, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: KindNetwork, URL: target, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, resp.Body)
		return &Error{Kind: KindServer, Status: resp.StatusCode, URL: target}
	case resp.StatusCode >= 400:
		_, _ = io.Copy(io.Discard, resp.Body)
		return &Error{Kind: KindClient, Status: resp.StatusCode, URL: target}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindDecode, URL: target, Err: err}
	}
	return nil
}
