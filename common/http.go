package common

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
)

// RetryHttpGet fetches url, retrying on errors and some 50x codes until ctx is done. It
// returns the body of the first OK response.
func RetryHttpGet(ctx context.Context, log *zap.Logger, url string) ([]byte, error) {
	log = OrNop(log)
	return retry.DoWithData(
		func() ([]byte, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, retry.Unrecoverable(err)
			}
			res, err := http.DefaultClient.Do(req)
			if err != nil {
				return nil, err
			}
			defer res.Body.Close()
			if res.StatusCode != http.StatusOK {
				return nil, HttpErrorFromRes(res)
			}
			return io.ReadAll(res.Body)
		},
		retry.Context(ctx),
		retry.UntilSucceeded(),
		retry.Delay(100*time.Millisecond),
		retry.RetryIf(func(err error) bool {
			// retry on err or some 50x codes
			if status, ok := err.(HttpError); ok {
				switch status.Code() {
				case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
					return true
				default:
					return false
				}
			} else if IsContextError(err) {
				return false
			}
			return true
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("http error, retrying", zap.Uint("attempt", n), zap.Error(err))
		}))
}
