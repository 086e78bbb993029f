// Package publish copies finished frame outputs to object storage or a
// shared directory.
package publish

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/framefarm/pkg/provider"
)

// ErrUnsupportedScheme is returned for publish URIs other than s3:// and
// file://.
var ErrUnsupportedScheme = errors.New("unsupported publish scheme")

// Target is a parsed publish destination.
type Target struct {
	Scheme string

	// Bucket is the S3 bucket, or the absolute directory of a file target.
	Bucket string

	// Prefix is the key prefix, without leading slash, ending in "/" when set.
	Prefix string
}

// ParseURI parses "s3://bucket/prefix" or "file:///abs/dir".
func ParseURI(raw string) (Target, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Target{}, fmt.Errorf("parse publish uri: %w", err)
	}

	switch provider.ProviderType(u.Scheme) {
	case provider.ProviderS3:
		if u.Host == "" {
			return Target{}, fmt.Errorf("publish uri %q has no bucket", raw)
		}
		prefix := strings.Trim(u.Path, "/")
		if prefix != "" {
			prefix += "/"
		}
		return Target{Scheme: u.Scheme, Bucket: u.Host, Prefix: prefix}, nil

	case provider.ProviderFile:
		if u.Host != "" && u.Host != "localhost" {
			return Target{}, fmt.Errorf("publish uri %q names a remote host; mount it and use file:///path", raw)
		}
		dir := u.Path
		// file:///D:/renders
		if len(dir) >= 3 && dir[0] == '/' && dir[2] == ':' {
			dir = dir[1:]
		}
		if dir == "" || dir == "/" {
			return Target{}, fmt.Errorf("publish uri %q has no directory", raw)
		}
		return Target{Scheme: u.Scheme, Bucket: strings.TrimSuffix(dir, "/")}, nil

	default:
		return Target{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// Key returns the object key for a local file name.
func (t Target) Key(name string) string {
	return t.Prefix + name
}

// URI renders the object URI for key.
func (t Target) URI(key string) string {
	return t.Scheme + "://" + path.Join(t.Bucket, key)
}

// Publisher uploads files under a Target.
type Publisher struct {
	target Target
	putter provider.ObjectPutter
	logger *zap.Logger
}

// New creates a Publisher writing through putter.
func New(target Target, putter provider.ObjectPutter, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{target: target, putter: putter, logger: logger}
}

// Target returns the destination.
func (p *Publisher) Target() Target {
	return p.target
}

// Publish uploads the file at localPath and returns its object URI.
func (p *Publisher) Publish(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open output: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat output: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("output %s is a directory", localPath)
	}

	key := p.target.Key(filepath.Base(localPath))
	if err := p.putter.PutObject(ctx, key, f, info.Size()); err != nil {
		return "", err
	}

	uri := p.target.URI(key)
	p.logger.Info("Published output",
		zap.String("path", localPath),
		zap.String("uri", uri),
		zap.Int64("bytes", info.Size()))
	return uri, nil
}
