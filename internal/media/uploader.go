// Package media stores uploaded message images on local disk and hands out
// stable URLs for them.
package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/pelusa-v/pelusa-dm/internal/logger"
)

var (
	ErrTooLarge   = errors.New("image too large")
	ErrNotAnImage = errors.New("payload is not a supported image")
)

var extensions = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/gif":  "gif",
	"image/webp": "webp",
}

// Uploader writes images into Dir and returns BaseURL-relative references.
type Uploader struct {
	dir     string
	baseURL string
	maxSize int64
}

func New(dir, baseURL string, maxSize int64) (*Uploader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &Uploader{dir: dir, baseURL: strings.TrimRight(baseURL, "/"), maxSize: maxSize}, nil
}

func (u *Uploader) Dir() string { return u.dir }

// decode accepts a data URL ("data:image/png;base64,...") or bare base64.
func decode(payload string) ([]byte, error) {
	raw := payload
	if strings.HasPrefix(raw, "data:") {
		i := strings.IndexByte(raw, ',')
		if i < 0 || !strings.Contains(raw[:i], ";base64") {
			return nil, ErrNotAnImage
		}
		raw = raw[i+1:]
	}
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAnImage, err)
	}
	return b, nil
}

// Upload stores payload and returns its URL.
func (u *Uploader) Upload(ctx context.Context, payload string) (string, error) {
	if u.maxSize > 0 && int64(base64.StdEncoding.DecodedLen(len(payload))) > u.maxSize+1024 {
		return "", fmt.Errorf("%w: limit is %s", ErrTooLarge, humanize.Bytes(uint64(u.maxSize)))
	}
	data, err := decode(payload)
	if err != nil {
		return "", err
	}
	if u.maxSize > 0 && int64(len(data)) > u.maxSize {
		return "", fmt.Errorf("%w: %s exceeds %s", ErrTooLarge,
			humanize.Bytes(uint64(len(data))), humanize.Bytes(uint64(u.maxSize)))
	}
	ext, ok := extensions[http.DetectContentType(data)]
	if !ok {
		return "", ErrNotAnImage
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := uuid.NewString() + "." + ext
	if err := os.WriteFile(filepath.Join(u.dir, name), data, 0o644); err != nil {
		logger.Error("media_write_failed", "name", name, "error", err)
		return "", fmt.Errorf("store image: %w", err)
	}
	logger.Debug("media_stored", "name", name, "size", humanize.Bytes(uint64(len(data))))
	return u.baseURL + "/" + name, nil
}
