// internal/upload/stager.go
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/tendant/simple-heatmapper/internal/decode"
	"github.com/tendant/simple-heatmapper/internal/job"
)

var (
	ErrUnsupportedSource = errors.New("unsupported source type")
	ErrTooLarge          = errors.New("source exceeds size limit")
)

// SourceName prefixes the base name of a staged source inside its job
// directory.
const SourceName = "source"

// Stager copies incoming sources into per-job directories.
type Stager struct {
	root     string
	maxBytes int64
}

// NewStager stages under root. maxBytes <= 0 disables the size limit.
func NewStager(root string, maxBytes int64) *Stager {
	return &Stager{root: root, maxBytes: maxBytes}
}

// Source represents a staged copy of an uploaded image.
type Source struct {
	Path     string
	Filename string
	MimeType string
	Size     int64
}

// Stage streams r into a new file <root>/<jobID>/source-<random><ext>. Every
// call gets its own file, so concurrent calls for one job never share or
// truncate each other's data. The returned cleanup func removes only the file
// this call staged and is safe to call more than once.
func (s *Stager) Stage(ctx context.Context, jobID string, r io.Reader, filename string) (*Source, func() error, error) {
	if err := job.ValidID(jobID); err != nil {
		return nil, nil, err
	}
	dir := filepath.Join(s.root, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create job dir: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if !decode.SupportsPath("x" + ext) {
		ext = ""
	}
	out, err := os.CreateTemp(dir, SourceName+"-*"+ext)
	if err != nil {
		return nil, nil, fmt.Errorf("create staged source: %w", err)
	}
	path := out.Name()

	size, err := s.copyTo(ctx, out, r)
	if err != nil {
		os.Remove(path)
		return nil, nil, err
	}

	mimeType, err := detectMime(path)
	if err != nil {
		os.Remove(path)
		return nil, nil, err
	}
	if ext == "" {
		// No usable extension: trust the content sniff instead.
		sniffed, ok := extensionFor(mimeType)
		if !ok {
			os.Remove(path)
			return nil, nil, fmt.Errorf("%w: %s (%s)", ErrUnsupportedSource, filename, mimeType)
		}
		renamed := path + sniffed
		if err := os.Rename(path, renamed); err != nil {
			os.Remove(path)
			return nil, nil, fmt.Errorf("rename staged source: %w", err)
		}
		path = renamed
	}

	if filename == "" {
		filename = filepath.Base(path)
	}
	cleanup := func() error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return &Source{Path: path, Filename: filename, MimeType: mimeType, Size: size}, cleanup, nil
}

func (s *Stager) copyTo(ctx context.Context, out *os.File, r io.Reader) (int64, error) {
	src := io.Reader(&ctxReader{ctx: ctx, r: r})
	if s.maxBytes > 0 {
		src = io.LimitReader(src, s.maxBytes+1)
	}
	n, err := io.Copy(out, src)
	if err != nil {
		out.Close()
		return n, fmt.Errorf("copy source to disk: %w", err)
	}
	if s.maxBytes > 0 && n > s.maxBytes {
		out.Close()
		return n, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, s.maxBytes)
	}
	if err := out.Close(); err != nil {
		return n, fmt.Errorf("close staged source: %w", err)
	}
	return n, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func detectMime(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for mime detect: %w", err)
	}
	defer file.Close()

	buf := make([]byte, 512)
	n, err := file.Read(buf)
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read for mime detect: %w", err)
	}
	buf = buf[:n]
	// The standard sniffer has no TIFF signature.
	if bytes.HasPrefix(buf, []byte("II*\x00")) || bytes.HasPrefix(buf, []byte("MM\x00*")) {
		return "image/tiff", nil
	}
	return http.DetectContentType(buf), nil
}

func extensionFor(mimeType string) (string, bool) {
	if !decode.Supports(mimeType) {
		return "", false
	}
	switch strings.TrimPrefix(strings.SplitN(mimeType, ";", 2)[0], "image/") {
	case "jpeg":
		return ".jpg", true
	case "png":
		return ".png", true
	case "gif":
		return ".gif", true
	case "bmp":
		return ".bmp", true
	case "webp":
		return ".webp", true
	case "tiff":
		return ".tiff", true
	}
	return "", false
}
