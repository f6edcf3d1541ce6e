package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jo-hoe/clipforge/internal/common"
	"github.com/jo-hoe/clipforge/internal/util"
)

// ErrTooLarge is returned when a remote asset exceeds the configured size.
var ErrTooLarge = errors.New("asset exceeds size limit")

var allowedVideoMimes = map[string]string{
	common.MimeVideoMP4:       ".mp4",
	common.MimeVideoQuickTime: ".mov",
	common.MimeVideoWebM:      ".webm",
}

// Mirror copies provider assets into local storage served under a public base URL.
type Mirror struct {
	baseDir       string
	publicBaseURL string
	maxBytes      int64
	httpClient    *http.Client
}

// NewMirror stores assets under baseDir/assets/<job id>/.
func NewMirror(baseDir, publicBaseURL string, maxBytes int64, timeout time.Duration) *Mirror {
	return &Mirror{
		baseDir:       filepath.Join(baseDir, common.AssetsDirName),
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		maxBytes:      maxBytes,
		httpClient:    &http.Client{Timeout: timeout},
	}
}

// Dir returns the directory served as the public asset root.
func (m *Mirror) Dir() string {
	return m.baseDir
}

// Mirror downloads src and returns the durable public URL of the copy.
func (m *Mirror) Mirror(ctx context.Context, jobID, src string) (string, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\.`) {
		return "", fmt.Errorf("invalid job id %q", jobID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download asset: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download asset: status %d", resp.StatusCode)
	}
	if m.maxBytes > 0 && resp.ContentLength > m.maxBytes {
		return "", ErrTooLarge
	}

	ext, err := pickExtension(resp.Header.Get("Content-Type"), src)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(m.baseDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("ensure assets dir: %w", err)
	}
	name := util.NewSortableID(time.Now()) + ext
	dstPath := filepath.Join(dir, name)
	tmpPath := dstPath + ".part"

	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create asset file: %w", err)
	}
	var body io.Reader = resp.Body
	if m.maxBytes > 0 {
		body = io.LimitReader(resp.Body, m.maxBytes+1)
	}
	n, err := io.Copy(dst, body)
	closeErr := dst.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && m.maxBytes > 0 && n > m.maxBytes {
		err = ErrTooLarge
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("copy asset: %w", err)
	}
	if err := os.Rename(tmpPath, dstPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("store asset: %w", err)
	}
	return m.publicBaseURL + "/" + jobID + "/" + name, nil
}

// Discard removes a copy previously returned by Mirror. Unknown or already
// removed copies are not an error.
func (m *Mirror) Discard(_ context.Context, publicURL string) error {
	rel, ok := strings.CutPrefix(publicURL, m.publicBaseURL+"/")
	if !ok {
		return fmt.Errorf("not a mirrored asset: %q", publicURL)
	}
	jobID, name, ok := strings.Cut(rel, "/")
	if !ok || jobID == "" || name == "" || strings.ContainsAny(jobID, `/\.`) || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("not a mirrored asset: %q", publicURL)
	}
	if err := os.Remove(filepath.Join(m.baseDir, jobID, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("discard asset: %w", err)
	}
	return nil
}

// pickExtension prefers the response content type and falls back to the URL path.
func pickExtension(contentType, src string) (string, error) {
	mt, _, _ := mime.ParseMediaType(contentType)
	mt = strings.ToLower(mt)
	if ext, ok := allowedVideoMimes[mt]; ok {
		return ext, nil
	}
	if mt != "" && mt != common.MimeOctetStream {
		return "", fmt.Errorf("unsupported content type: %s", mt)
	}
	if u, err := url.Parse(src); err == nil {
		ext := strings.ToLower(path.Ext(u.Path))
		for _, allowed := range allowedVideoMimes {
			if ext == allowed {
				return ext, nil
			}
		}
	}
	return ".mp4", nil
}
