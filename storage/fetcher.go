// Package storage makes remote audio available on the local filesystem.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const gsScheme = "gs://"

// Fetcher resolves audio paths. Local paths pass through; gs:// objects are
// downloaded into TempDir. The GCS client is created on first use.
type Fetcher struct {
	TempDir         string
	CredentialsFile string
	// Endpoint overrides the GCS endpoint, e.g. for an emulator.
	Endpoint string

	mu     sync.Mutex
	client *storage.Client
}

// ParseGSURL splits gs://bucket/object into its parts.
func ParseGSURL(raw string) (bucket, object string, ok bool) {
	if !strings.HasPrefix(raw, gsScheme) {
		return "", "", false
	}
	bucket, object, found := strings.Cut(strings.TrimPrefix(raw, gsScheme), "/")
	if !found || bucket == "" || object == "" {
		return "", "", false
	}
	return bucket, object, true
}

// IsRemote reports whether path needs downloading.
func IsRemote(path string) bool {
	return strings.HasPrefix(path, gsScheme)
}

// Localize returns a local path for audioPath and a cleanup func that removes
// anything Localize created.
func (f *Fetcher) Localize(ctx context.Context, audioPath string) (string, func(), error) {
	noop := func() {}

	if !IsRemote(audioPath) {
		if _, err := os.Stat(audioPath); err != nil {
			return "", noop, fmt.Errorf("audio file: %w", err)
		}
		return audioPath, noop, nil
	}

	bucket, object, ok := ParseGSURL(audioPath)
	if !ok {
		return "", noop, fmt.Errorf("malformed gcs path %q", audioPath)
	}

	client, err := f.gcsClient(ctx)
	if err != nil {
		return "", noop, err
	}

	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return "", noop, fmt.Errorf("open %s: %w", audioPath, err)
	}
	defer r.Close()

	tmp, err := os.CreateTemp(f.TempDir, "remote-*"+filepath.Ext(object))
	if err != nil {
		return "", noop, fmt.Errorf("create download file: %w", err)
	}
	cleanup := func() { os.Remove(tmp.Name()) }

	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		cleanup()
		return "", noop, fmt.Errorf("download %s: %w", audioPath, err)
	}

	slog.Debug("Downloaded remote audio",
		"object", audioPath,
		"file", tmp.Name(),
		"bytes", n)

	return tmp.Name(), cleanup, nil
}

func (f *Fetcher) gcsClient(ctx context.Context) (*storage.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.client != nil {
		return f.client, nil
	}

	var opts []option.ClientOption
	if f.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(f.CredentialsFile))
	}
	if f.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(f.Endpoint), option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	f.client = client
	return client, nil
}

func (f *Fetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.client == nil {
		return nil
	}
	err := f.client.Close()
	f.client = nil
	return err
}
