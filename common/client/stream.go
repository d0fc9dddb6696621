package client

import (
	"context"
	"errors"
	"net"
	"net/url"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gorilla/websocket"

	"github.com/dnr/dmapi/common"
)

// DialStream opens a websocket on the daemon socket. The caller owns the connection and
// must not have more than one reader and one writer at a time.
func (c *DmapiClient) DialStream(ctx context.Context, path string, query url.Values) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", c.addr)
		},
		HandshakeTimeout: 10 * time.Second,
	}
	u := &url.URL{
		Scheme:   "ws",
		Host:     "_",
		Path:     path,
		RawQuery: query.Encode(),
	}
	return retry.DoWithData(
		func() (*websocket.Conn, error) {
			conn, res, err := dialer.DialContext(ctx, u.String(), nil)
			if errors.Is(err, websocket.ErrBadHandshake) && res != nil {
				defer res.Body.Close()
				return nil, retry.Unrecoverable(common.HttpErrorFromRes(res))
			}
			return conn, err
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return isDialErr(err) && !common.IsContextError(err)
		}),
	)
}
