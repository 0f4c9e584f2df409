// Package assets manages the rule-set files (geoip-*.srs, geosite-*.srs) referenced by routing
// rules: downloading them with progress reporting, checking for updates and verifying them.
package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/getlantern/boxclient/common/atomicfile"
	"github.com/getlantern/boxclient/config"
	"github.com/getlantern/boxclient/engine"
	"github.com/getlantern/boxclient/internal"
	"github.com/getlantern/boxclient/traces"
)

const tracerName = "github.com/getlantern/boxclient/assets"

const (
	geoIPBaseURL   = "https://raw.githubusercontent.com/SagerNet/sing-geoip/rule-set/"
	geoSiteBaseURL = "https://raw.githubusercontent.com/SagerNet/sing-geosite/rule-set/"

	maxConcurrentDownloads = 4

	// DownloadTimeout bounds a single asset request, retries excluded.
	DownloadTimeout = 5 * time.Minute
	// EnsureTimeout is the default bound on a whole Ensure call, retries included.
	EnsureTimeout = 5 * time.Minute
)

// srsMagic starts every binary rule-set file.
var srsMagic = []byte("SRS")

var (
	ErrInvalidName        = errors.New("invalid asset name")
	ErrNotFound           = errors.New("asset not found")
	ErrCorrupt            = errors.New("asset is not a valid rule set")
	ErrAlreadyDownloading = errors.New("asset download already in progress")
)

// Info describes an asset on disk.
type Info struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Exists  bool      `json:"exists"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// Progress is called while downloading with the number of bytes received so far and the total
// size, which is -1 when the server does not report it.
type Progress func(downloaded, total int64)

// URLFunc maps an asset name to its download URL.
type URLFunc func(name string) string

// DefaultURL returns the upstream sing-geoip / sing-geosite URL for name.
func DefaultURL(name string) string {
	if strings.HasPrefix(name, "geosite-") {
		return geoSiteBaseURL + name + engine.RuleSetExt
	}
	return geoIPBaseURL + name + engine.RuleSetExt
}

// Manager manages the assets in a single directory. It is safe for concurrent use.
type Manager struct {
	dir     string
	client  *retryablehttp.Client
	urlFunc URLFunc
	logger  *slog.Logger

	ensureTimeout time.Duration

	mu          sync.Mutex
	downloading map[string]bool
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithURLFunc overrides where assets are downloaded from.
func WithURLFunc(fn URLFunc) Option {
	return func(m *Manager) { m.urlFunc = fn }
}

// WithHTTPClient sets the client used for downloads. Its transport is used as is.
func WithHTTPClient(client *retryablehttp.Client) Option {
	return func(m *Manager) { m.client = client }
}

// WithEnsureTimeout overrides [EnsureTimeout].
func WithEnsureTimeout(d time.Duration) Option {
	return func(m *Manager) { m.ensureTimeout = d }
}

// NewManager returns a manager for the assets in dir.
func NewManager(dir string, opts ...Option) *Manager {
	m := &Manager{
		dir:           dir,
		urlFunc:       DefaultURL,
		logger:        internal.NoOpLogger(),
		ensureTimeout: EnsureTimeout,
		downloading:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.client == nil {
		m.client = newHTTPClient(m.logger)
	}
	return m
}

func newHTTPClient(logger *slog.Logger) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = logger
	client.HTTPClient.Timeout = DownloadTimeout
	client.HTTPClient.Transport = traces.NewRoundTripper(client.HTTPClient.Transport, "assets")
	return client
}

// Dir returns the asset directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Path returns the file path for the asset name.
func (m *Manager) Path(name string) string {
	return engine.RuleSetPath(m.dir, name)
}

func checkName(name string) error {
	if !config.ValidRuleSetName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Info returns information about the asset. A missing asset is not an error; Info.Exists is
// false.
func (m *Manager) Info(name string) (Info, error) {
	if err := checkName(name); err != nil {
		return Info{}, err
	}
	info := Info{Name: name, Path: m.Path(name)}
	st, err := os.Stat(info.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return info, nil
	case err != nil:
		return info, err
	}
	info.Exists = true
	info.Size = st.Size()
	info.ModTime = st.ModTime()
	return info, nil
}

// All returns the assets present in the directory sorted by name.
func (m *Manager) All() ([]Info, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read asset dir: %w", err)
	}
	var infos []Info
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), engine.RuleSetExt)
		if e.IsDir() || !ok || !config.ValidRuleSetName(name) {
			continue
		}
		info, err := m.Info(name)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// IsDownloading reports whether a download of name is in progress.
func (m *Manager) IsDownloading(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downloading[name]
}

func (m *Manager) begin(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.downloading[name] {
		return false
	}
	m.downloading[name] = true
	return true
}

func (m *Manager) end(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.downloading, name)
}

// Download fetches the asset from url, or from the default location if url is empty, and
// atomically replaces the file on disk. The download is rejected if it is not a rule set.
func (m *Manager) Download(ctx context.Context, name, url string, progress Progress) (err error) {
	if err := checkName(name); err != nil {
		return err
	}
	if url == "" {
		url = m.urlFunc(name)
	}
	if !m.begin(name) {
		return fmt.Errorf("%w: %s", ErrAlreadyDownloading, name)
	}
	defer m.end(name)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "download", trace.WithAttributes(
		attribute.String("asset", name),
	))
	defer span.End()
	defer func() {
		traces.RecordError(ctx, err)
	}()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: unexpected status code: %d", name, resp.StatusCode)
	}

	m.logger.Debug("Downloading asset", "name", name, "url", url, "size", resp.ContentLength)
	n, err := atomicfile.WriteFrom(m.Path(name), func(w io.Writer) (int64, error) {
		pw := &progressWriter{w: w, total: resp.ContentLength, progress: progress}
		n, err := io.Copy(pw, resp.Body)
		if err != nil {
			return n, err
		}
		if !bytes.HasPrefix(pw.head, srsMagic) {
			return n, fmt.Errorf("%w: %s", ErrCorrupt, name)
		}
		return n, nil
	}, 0o644)
	if err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	span.SetAttributes(attribute.Int64("bytes", n))
	m.logger.Info("Downloaded asset", "name", name, "bytes", n)
	return nil
}

type progressWriter struct {
	w        io.Writer
	total    int64
	written  int64
	head     []byte
	progress Progress
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	if missing := len(srsMagic) - len(p.head); missing > 0 {
		p.head = append(p.head, b[:min(missing, n)]...)
	}
	p.written += int64(n)
	if p.progress != nil {
		p.progress(p.written, p.total)
	}
	return n, err
}

// CheckUpdate reports whether the remote copy of the asset differs from the local one, comparing
// size and modification time. A missing local asset always needs an update.
func (m *Manager) CheckUpdate(ctx context.Context, name, url string) (bool, error) {
	info, err := m.Info(name)
	if err != nil {
		return false, err
	}
	if !info.Exists {
		return true, nil
	}
	if url == "" {
		url = m.urlFunc(name)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", name, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("check %s: unexpected status code: %d", name, resp.StatusCode)
	}
	if size := resp.Header.Get("Content-Length"); size != "" {
		if n, err := strconv.ParseInt(size, 10, 64); err == nil && n != info.Size {
			return true, nil
		}
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil && t.After(info.ModTime) {
			return true, nil
		}
	}
	return false, nil
}

// Verify checks that the asset exists and looks like a binary rule set.
func (m *Manager) Verify(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	f, err := os.Open(m.Path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return err
	}
	defer f.Close()
	head := make([]byte, len(srsMagic))
	if _, err := io.ReadFull(f, head); err != nil || !bytes.Equal(head, srsMagic) {
		return fmt.Errorf("%w: %s", ErrCorrupt, name)
	}
	return nil
}

// Delete removes the asset. Deleting a missing asset is not an error.
func (m *Manager) Delete(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if m.IsDownloading(name) {
		return fmt.Errorf("%w: %s", ErrAlreadyDownloading, name)
	}
	if err := os.Remove(m.Path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Ensure downloads, in parallel, every named asset that is missing or fails verification.
// Failures are joined into the returned error. The whole call is bounded by the manager's ensure
// timeout.
func (m *Manager) Ensure(ctx context.Context, names ...string) error {
	var missing []string
	for _, name := range names {
		if err := checkName(name); err != nil {
			return err
		}
		if m.Verify(name) != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	m.logger.Info("Fetching missing assets", "names", missing)
	ctx, cancel := context.WithTimeout(ctx, m.ensureTimeout)
	defer cancel()

	pool := pond.New(min(len(missing), maxConcurrentDownloads), len(missing))
	defer pool.StopAndWait()
	var (
		errs   []error
		errsMu sync.Mutex
	)
	group := pool.Group()
	for _, name := range missing {
		group.Submit(func() {
			if err := m.Download(ctx, name, "", nil); err != nil {
				errsMu.Lock()
				errs = append(errs, err)
				errsMu.Unlock()
			}
		})
	}
	group.Wait()
	return errors.Join(errs...)
}
