// Package fetch downloads the raw data files the seed cascades read.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/orneryd/graphbuilder/pkg/logging"
	"github.com/orneryd/graphbuilder/pkg/remote"
)

// Source locates one file: a site, a directory on it and a file name.
type Source struct {
	Site string `yaml:"site" json:"site"`
	Dir  string `yaml:"dir" json:"dir"`
	File string `yaml:"file" json:"file" validate:"required"`
}

func (s Source) String() string {
	return path.Join(s.Site, s.Dir, s.File)
}

// Fetcher returns the contents of a source, decompressed when the file name
// ends in .gz.
type Fetcher interface {
	Fetch(ctx context.Context, src Source) ([]byte, error)
}

// HTTPFetcher downloads sources as scheme://site/dir/file.
type HTTPFetcher struct {
	Client *remote.Client
	// Scheme defaults to https.
	Scheme string
	Logger *zap.Logger
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, src Source) ([]byte, error) {
	scheme := f.Scheme
	if scheme == "" {
		scheme = "https"
	}
	u := scheme + "://" + path.Join(src.Site, src.Dir, src.File)
	logging.OrNop(f.Logger).Named("fetch").Info("downloading", zap.String("url", u))

	data, err := f.Client.Get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", src, err)
	}
	return decompress(src.File, data)
}

// DirFetcher reads sources from a local mirror laid out as root/dir/file.
// The site is ignored.
type DirFetcher struct {
	Root string
}

// Fetch implements Fetcher.
func (f *DirFetcher) Fetch(ctx context.Context, src Source) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := filepath.Join(f.Root, filepath.FromSlash(strings.TrimPrefix(src.Dir, "/")), src.File)
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", src, err)
	}
	return decompress(src.File, data)
}

func decompress(name string, data []byte) ([]byte, error) {
	if !strings.HasSuffix(name, ".gz") {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", name, err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: decompressing: %w", name, err)
	}
	return out, nil
}
