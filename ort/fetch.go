package ort

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
)

const (
	defaultMaxRuntimeArchiveBytes int64 = 1 << 30
	defaultMaxModelBytes          int64 = 2 << 30
)

// fetchRequest describes one download into a temporary file.
type fetchRequest struct {
	client  *http.Client
	url     string
	dir     string
	pattern string // os.CreateTemp pattern
	what    string // used in error messages
	maxSize int64
}

// fetchToTempFile downloads req.url into a new file in req.dir and returns
// its path and hex SHA256. The file is removed on any error.
func fetchToTempFile(ctx context.Context, req fetchRequest) (path string, checksum string, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.url, nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to create download request for %q: %w", req.url, err)
	}

	resp, err := req.client.Do(httpReq)
	if err != nil {
		return "", "", fmt.Errorf("failed to download %s from %q: %w", req.what, req.url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		snippet = []byte(strings.TrimSpace(string(snippet)))
		if len(snippet) > 0 {
			return "", "", fmt.Errorf("failed to download %s from %q: HTTP %d: %s", req.what, req.url, resp.StatusCode, string(snippet))
		}
		return "", "", fmt.Errorf("failed to download %s from %q: HTTP %d", req.what, req.url, resp.StatusCode)
	}
	if req.maxSize > 0 && resp.ContentLength > req.maxSize {
		return "", "", fmt.Errorf("%s exceeds maximum size limit: content-length=%d limit=%d", req.what, resp.ContentLength, req.maxSize)
	}

	if err := os.MkdirAll(req.dir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create directory %q: %w", req.dir, err)
	}

	tmpFile, err := os.CreateTemp(req.dir, req.pattern)
	if err != nil {
		return "", "", fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		closeErr := tmpFile.Close()
		if err == nil && closeErr != nil {
			err = closeErr
			success = false
		}
		if !success {
			_ = os.Remove(tmpPath)
			path, checksum = "", ""
		}
	}()

	var body io.Reader = resp.Body
	if req.maxSize > 0 {
		// One extra byte distinguishes "exactly at the limit" from "over it".
		body = io.LimitReader(resp.Body, req.maxSize+1)
	}

	hasher := sha256.New()
	written, copyErr := io.Copy(io.MultiWriter(tmpFile, hasher), body)
	if copyErr != nil {
		return "", "", fmt.Errorf("failed to write %s to %q: %w", req.what, tmpPath, copyErr)
	}
	if req.maxSize > 0 && written > req.maxSize {
		return "", "", fmt.Errorf("%s exceeds maximum size limit of %d bytes", req.what, req.maxSize)
	}
	if written == 0 {
		return "", "", fmt.Errorf("downloaded %s is empty", req.what)
	}

	success = true
	return tmpPath, hex.EncodeToString(hasher.Sum(nil)), nil
}

func downloadRuntimeArchive(ctx context.Context, cfg bootstrapConfig, url string) (archivePath string, checksum string, err error) {
	return fetchToTempFile(ctx, fetchRequest{
		client:  cfg.httpClient,
		url:     url,
		dir:     cfg.cacheDir,
		pattern: "onnxruntime-*.archive",
		what:    "ONNX Runtime archive",
		maxSize: cfg.maxDownloadSize,
	})
}

// validateDownloadBaseURL accepts https URLs and plain http only for
// loopback hosts.
func validateDownloadBaseURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL %q has no host", raw)
	}
	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopbackHost(parsed.Hostname()) {
			return nil
		}
		return fmt.Errorf("plain http is only allowed for loopback hosts, got %q", parsed.Hostname())
	default:
		return fmt.Errorf("unsupported URL scheme %q", parsed.Scheme)
	}
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// fileSHA256 returns the lower-case hex SHA256 of the file at path.
func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %q: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
