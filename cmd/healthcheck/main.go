// Command healthcheck probes the worker's /healthz endpoint and exits
// non-zero when it is unreachable or reports the database as down.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"
)

const defaultAddr = "127.0.0.1:9464"

func main() {
	os.Exit(check(os.Getenv("MAILGATE_LISTEN_ADDR")))
}

func check(listenAddr string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	url := "http://" + probeAddr(listenAddr) + "/healthz"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 1
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 1
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

// probeAddr maps a bind address to one the probe can dial from inside the
// same container: unspecified hosts become loopback.
func probeAddr(raw string) string {
	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		return defaultAddr
	}

	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
