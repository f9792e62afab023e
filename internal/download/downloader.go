// Package download streams release artifacts to private temporary storage,
// reporting progress per chunk and refusing transfers whose length is unknown
// or short.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	// DefaultChunkSize is the read size between progress reports.
	DefaultChunkSize = 512 * 1024
	userAgent        = "autovisor/%s"
)

var bytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "autovisor",
	Subsystem: "download",
	Name:      "bytes_total",
	Help:      "Bytes written by artifact downloads",
})

func init() {
	prometheus.MustRegister(bytesTotal)
}

// Progress is reported after every chunk.
type Progress struct {
	BytesRead  int64
	TotalBytes int64
}

// Config configures a Downloader.
type Config struct {
	ChunkSize  int
	HTTPClient *http.Client
	// TempDir is the parent of per-download directories; empty uses os.TempDir.
	TempDir string
	Version string
	Log     zerolog.Logger
}

// Downloader fetches artifacts. Each call is an independent transfer.
type Downloader struct {
	chunk   int
	client  *http.Client
	tempDir string
	agent   string
	log     zerolog.Logger
}

func New(cfg Config) *Downloader {
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	// No client timeout: a transfer is bounded by its declared length.
	cli := cfg.HTTPClient
	if cli == nil {
		cli = &http.Client{}
	}
	v := cfg.Version
	if v == "" {
		v = "dev"
	}
	return &Downloader{chunk: chunk, client: cli, tempDir: cfg.TempDir, agent: fmt.Sprintf(userAgent, v), log: cfg.Log}
}

// Fetch downloads rawURL and returns the local file path.
func (d *Downloader) Fetch(ctx context.Context, rawURL string, onProgress func(Progress)) (string, error) {
	return d.FetchVerified(ctx, rawURL, "", onProgress)
}

// FetchVerified is Fetch with an optional hex sha256 the file must match.
// On any error no file is left behind and no progress follows the error.
func (d *Downloader) FetchVerified(ctx context.Context, rawURL, sha256Hex string, onProgress func(Progress)) (string, error) {
	name, err := fileName(rawURL)
	if err != nil {
		return "", &DownloadError{URL: rawURL, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", &DownloadError{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", d.agent)
	// The declared length must describe the file bytes, not a compressed body.
	req.Header.Set("Accept-Encoding", "identity")
	d.log.Debug().Str("url", rawURL).Msg("starting download")
	resp, err := d.client.Do(req)
	if err != nil {
		return "", &DownloadError{URL: rawURL, Err: err}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			d.log.Warn().Err(cerr).Msg("error closing response body")
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return "", &DownloadError{URL: rawURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected HTTP status: %s", resp.Status)}
	}
	total := resp.ContentLength
	if total < 0 {
		return "", &DownloadError{URL: rawURL, Err: ErrMissingLength}
	}

	dir, err := os.MkdirTemp(d.tempDir, "autovisor-download-*")
	if err != nil {
		return "", &DownloadError{URL: rawURL, Err: fmt.Errorf("create temporary directory: %w", err)}
	}
	dst := filepath.Join(dir, name)
	var success bool
	defer func() {
		if !success {
			if rerr := os.RemoveAll(dir); rerr != nil {
				d.log.Warn().Err(rerr).Str("dir", dir).Msg("error cleaning up temporary directory")
			}
		}
	}()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", &DownloadError{URL: rawURL, Err: fmt.Errorf("create destination file: %w", err)}
	}
	var h hash.Hash
	var w io.Writer = out
	if sha256Hex != "" {
		h = sha256.New()
		w = io.MultiWriter(out, h)
	}
	read, err := d.copyChunks(w, resp.Body, total, onProgress)
	if cerr := out.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return "", &DownloadError{URL: rawURL, Err: err}
	}
	if read != total {
		return "", &DownloadError{URL: rawURL, Truncated: true, Err: fmt.Errorf("%w: got %d of %d bytes", ErrTruncated, read, total)}
	}
	if h != nil {
		if got := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(got, sha256Hex) {
			return "", &DownloadError{URL: rawURL, Err: fmt.Errorf("%w: got %s want %s", ErrDigestMismatch, got, sha256Hex)}
		}
	}
	success = true
	d.log.Info().Str("path", dst).Int64("bytes", read).Msg("download complete")
	return dst, nil
}

// copyChunks reads fixed-size chunks until EOF or until total bytes have been
// read, reporting progress after each chunk.
func (d *Downloader) copyChunks(w io.Writer, r io.Reader, total int64, onProgress func(Progress)) (int64, error) {
	buf := make([]byte, d.chunk)
	var read int64
	for read < total {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return read, fmt.Errorf("write: %w", werr)
			}
			read += int64(n)
			bytesTotal.Add(float64(n))
			if onProgress != nil {
				onProgress(Progress{BytesRead: read, TotalBytes: total})
			}
			runtime.Gosched()
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return read, fmt.Errorf("read: %w", err)
		}
	}
	return read, nil
}

// fileName derives the destination name from the URL path.
func fileName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	name := path.Base(u.Path)
	switch name {
	case "", ".", "/", "..":
		return "", fmt.Errorf("invalid file URL: %s", rawURL)
	}
	return name, nil
}
