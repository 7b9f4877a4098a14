package copr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const maxLogBytes = 64 << 20

// FetchBuildLog downloads the builder log below a build chroot's result URL.
// The compressed log is preferred; the plain log is used when it is absent.
func (c *Client) FetchBuildLog(ctx context.Context, resultURL string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(resultURL), "/")
	if base == "" {
		return "", fmt.Errorf("result url is empty")
	}

	text, err := c.download(ctx, base+"/builder-live.log.gz", true)
	if err == nil {
		return text, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	return c.download(ctx, base+"/builder-live.log", false)
}

func (c *Client) download(ctx context.Context, url string, gzipped bool) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("get %s: unexpected status %d", url, resp.StatusCode)
	}

	var r io.Reader = resp.Body
	if gzipped {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return "", fmt.Errorf("gunzip %s: %w", url, err)
		}
		defer zr.Close()
		r = zr
	}

	data, err := io.ReadAll(io.LimitReader(r, maxLogBytes))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", url, err)
	}
	return string(data), nil
}
