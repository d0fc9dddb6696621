package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/dnr/dmapi/common"
)

// simple client for json requests/responses over http over unix socket
type DmapiClient struct {
	addr     string
	cli      *http.Client
	attempts uint
}

// errer is implemented by daemon responses, which all embed a status.
type errer interface {
	Err() error
}

func NewClient(addr string) *DmapiClient {
	cli := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var dialer net.Dialer
				return dialer.DialContext(ctx, "unix", addr)
			},
		},
	}
	return &DmapiClient{addr: addr, cli: cli, attempts: 5}
}

// WithAttempts sets how many times a call is tried when the socket can't be reached.
func (c *DmapiClient) WithAttempts(n uint) *DmapiClient {
	c.attempts = max(n, 1)
	return c
}

func isDialErr(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func (c *DmapiClient) Call(ctx context.Context, path string, req, res any) (int, error) {
	u := &url.URL{
		Scheme: "http",
		Host:   "_",
		Path:   path,
	}
	buf, err := json.Marshal(req)
	if err != nil {
		return 0, err
	}
	httpRes, err := retry.DoWithData(
		func() (*http.Response, error) {
			hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(buf))
			if err != nil {
				return nil, retry.Unrecoverable(err)
			}
			hreq.Header.Set("Content-Type", "application/json")
			return c.cli.Do(hreq)
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return isDialErr(err) && !common.IsContextError(err)
		}),
	)
	if err != nil {
		return 0, err
	}
	defer httpRes.Body.Close()
	body, err := io.ReadAll(httpRes.Body)
	if err != nil {
		return httpRes.StatusCode, err
	}
	if err = json.Unmarshal(body, res); err != nil && httpRes.StatusCode != http.StatusOK {
		return httpRes.StatusCode, common.NewHttpError(httpRes.StatusCode, string(body))
	}
	return httpRes.StatusCode, err
}

// Do is Call plus conversion of a failed response status to an error.
func (c *DmapiClient) Do(ctx context.Context, path string, req, res any) error {
	if _, err := c.Call(ctx, path, req, res); err != nil {
		return err
	}
	if e, ok := res.(errer); ok {
		return e.Err()
	}
	return nil
}

func (c *DmapiClient) CallAndPrint(ctx context.Context, path string, req any) error {
	var res any
	status, err := c.Call(ctx, path, req, &res)
	if err != nil {
		fmt.Println("call error:", err)
		return err
	}
	if status != http.StatusOK {
		fmt.Println("status:", status)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
