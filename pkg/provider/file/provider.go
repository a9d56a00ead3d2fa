package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/3leaps/cipherhub/pkg/provider"
)

// metaSuffix names the sidecar holding content type and user metadata.
const metaSuffix = ".meta.json"

// Provider implements provider.Provider for local filesystem paths.
//
// Keys are treated as relative paths under BaseDir. Object bodies are written
// to a temp file and hard-linked into place, so a create either publishes a
// complete object or fails with provider.ErrAlreadyExists.
type Provider struct {
	baseDir string
}

// Ensure Provider implements provider capability interfaces.
var (
	_ provider.Provider = (*Provider)(nil)
	_ provider.Pinger   = (*Provider)(nil)
)

type Config struct {
	BaseDir string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := filepath.Clean(cfg.BaseDir)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, &provider.ProviderError{Op: "New", Provider: provider.ProviderFile, Err: err}
	}
	return &Provider{baseDir: base}, nil
}

func (p *Provider) Close() error { return nil }

// Ping checks the base directory is still present and is a directory.
func (p *Provider) Ping(ctx context.Context) error {
	_ = ctx
	st, err := os.Stat(p.baseDir)
	if err != nil {
		return p.wrapError("Ping", "", err)
	}
	if !st.IsDir() {
		return p.wrapError("Ping", "", fmt.Errorf("%s is not a directory", p.baseDir))
	}
	return nil
}

type sidecar struct {
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (p *Provider) PutObjectIfAbsent(ctx context.Context, key string, body io.Reader, contentLength int64, opts provider.PutOptions) error {
	_ = ctx
	full, err := p.fullPath(key)
	if err != nil {
		return p.wrapError("PutObjectIfAbsent", key, err)
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return p.wrapError("PutObjectIfAbsent", key, err)
	}

	// Cheap early exit; the link below is what actually decides the winner.
	if _, err := os.Lstat(full); err == nil {
		return &provider.ProviderError{Op: "PutObjectIfAbsent", Provider: provider.ProviderFile, Key: key, Err: provider.ErrAlreadyExists}
	}

	tmp, err := os.CreateTemp(dir, "cipherhub-put-*")
	if err != nil {
		return p.wrapError("PutObjectIfAbsent", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	n, err := io.Copy(tmp, body)
	if err != nil {
		return p.wrapError("PutObjectIfAbsent", key, err)
	}
	if contentLength >= 0 && n != contentLength {
		return p.wrapError("PutObjectIfAbsent", key, fmt.Errorf("short write: got %d bytes, want %d", n, contentLength))
	}
	if err := tmp.Sync(); err != nil {
		return p.wrapError("PutObjectIfAbsent", key, err)
	}
	if err := tmp.Close(); err != nil {
		return p.wrapError("PutObjectIfAbsent", key, err)
	}

	if err := os.Link(tmpName, full); err != nil {
		if os.IsExist(err) {
			return &provider.ProviderError{Op: "PutObjectIfAbsent", Provider: provider.ProviderFile, Key: key, Err: provider.ErrAlreadyExists}
		}
		return p.wrapError("PutObjectIfAbsent", key, err)
	}

	if err := writeSidecar(full, sidecar{ContentType: opts.ContentType, Metadata: opts.Metadata}); err != nil {
		return p.wrapError("PutObjectIfAbsent", key, err)
	}
	return nil
}

func (p *Provider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	_ = ctx
	full, err := p.fullPath(key)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	if st.IsDir() {
		return nil, &provider.ProviderError{Op: "Head", Provider: provider.ProviderFile, Key: key, Err: provider.ErrNotFound}
	}
	return p.meta(key, full, st), nil
}

func (p *Provider) GetObject(ctx context.Context, key string) (io.ReadCloser, *provider.ObjectMeta, error) {
	_ = ctx
	full, err := p.fullPath(key)
	if err != nil {
		return nil, nil, p.wrapError("GetObject", key, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, nil, p.wrapError("GetObject", key, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, p.wrapError("GetObject", key, err)
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, nil, &provider.ProviderError{Op: "GetObject", Provider: provider.ProviderFile, Key: key, Err: provider.ErrNotFound}
	}
	return f, p.meta(key, full, st), nil
}

func (p *Provider) meta(key, full string, st os.FileInfo) *provider.ObjectMeta {
	sc := readSidecar(full)
	return &provider.ObjectMeta{
		ObjectSummary: provider.ObjectSummary{Key: key, Size: st.Size(), LastModified: st.ModTime()},
		ContentType:   sc.ContentType,
		Metadata:      sc.Metadata,
	}
}

// readSidecar tolerates a missing or unreadable sidecar; a reader may race the
// writer between link and sidecar publication.
func readSidecar(full string) sidecar {
	var sc sidecar
	b, err := os.ReadFile(full + metaSuffix)
	if err != nil {
		return sc
	}
	_ = json.Unmarshal(b, &sc)
	return sc
}

func writeSidecar(full string, sc sidecar) error {
	b, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), "cipherhub-meta-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, full+metaSuffix)
}

// fullPath maps a key to its file. Keys must already be canonical relative
// paths; anything path cleaning would rewrite is rejected so that distinct
// keys never share a file.
func (p *Provider) fullPath(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	if strings.HasSuffix(key, metaSuffix) {
		return "", fmt.Errorf("key suffix %q is reserved", metaSuffix)
	}
	if strings.ContainsRune(key, '\\') || path.Clean(key) != key || path.IsAbs(key) || key == "." || key == ".." || strings.HasPrefix(key, "../") {
		return "", fmt.Errorf("invalid key path %q", key)
	}
	return filepath.Join(p.baseDir, filepath.FromSlash(key)), nil
}

func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{Op: op, Provider: provider.ProviderFile, Key: key, Err: err}
	if err == nil {
		wrapped.Err = fmt.Errorf("unknown error")
	}
	// Normalize common filesystem errors to provider sentinels.
	if os.IsNotExist(err) {
		wrapped.Err = provider.ErrNotFound
	}
	if os.IsPermission(err) {
		wrapped.Err = provider.ErrAccessDenied
	}
	return wrapped
}
