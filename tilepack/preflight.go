package tilepack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
)

// CheckReachable makes one request to baseURL. It only informs: callers log the result
// and carry on, since many tile servers reject requests to their root.
func CheckReachable(ctx context.Context, client *http.Client, baseURL string, userAgent string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if userAgent == "" {
		userAgent = httpUserAgent
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			slog.Warn("CHECK", "url", baseURL, "error", "unknown host")
		} else {
			slog.Warn("CHECK", "url", baseURL, "error", err)
		}
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	slog.Info("CHECK", "url", baseURL, "status", resp.Status)
	return nil
}
