package access

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client calls the HTTP surface of a running monitor
type Client struct {
	base string

	http *http.Client
}

// NewClient returns a Client for the monitor at base, e.g. http://localhost:3000
func NewClient(base string) (*Client, error) {

	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url must be http or https, not %q", u.Scheme)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	return &Client{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{
			Jar:     jar,
			Timeout: 10 * time.Second,
		},
	}, nil
}

// errorFrom returns the error in a non-200 response
func errorFrom(resp *http.Response) error {

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var e Error
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, e.Error)
	}

	return fmt.Errorf("%s", resp.Status)
}

// Login starts a session, kept in the client's cookie jar
func (c *Client) Login(ctx context.Context, password string) error {

	body, err := json.Marshal(Login{Password: &password})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.base+"/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errorFrom(resp)
	}

	return nil
}

// Pump asks the monitor to run the pump for seconds
func (c *Client) Pump(ctx context.Context, seconds int) error {

	req, err := http.NewRequestWithContext(ctx, "GET", c.base+"/pump?time="+strconv.Itoa(seconds), nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errorFrom(resp)
	}

	return nil
}
