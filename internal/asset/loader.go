package asset

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/normanking/avatarbridge/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"
)

// DataURI is the transferable string form of a model asset.
type DataURI string

// ProgressFunc receives fetch-phase percentages (0..80).
type ProgressFunc func(percent int)

const encodeChunk = 96 * 1024 // multiple of 3 so chunks encode without padding

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	// Bundle holds the models shipped with the app.
	Bundle fs.FS
	// Fs holds the cache and resolves file:// references.
	Fs afero.Fs
	// CacheDir is the directory inside Fs where materialized copies live.
	CacheDir string
	// Client downloads remote references; nil uses http.DefaultClient.
	Client *http.Client
}

// Loader turns model references into data URIs. Bundled and remote assets are
// first materialized into the cache, which is reused across loads of the same
// reference. Loader never retries.
type Loader struct {
	bundle   fs.FS
	fs       afero.Fs
	cacheDir string
	client   *http.Client
	logger   zerolog.Logger
	group    singleflight.Group
}

// NewLoader creates a loader.
func NewLoader(cfg LoaderConfig, logger zerolog.Logger) *Loader {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(afero.GetTempDir(cfg.Fs, "avatarbridge"), "models")
	}
	return &Loader{
		bundle:   cfg.Bundle,
		fs:       cfg.Fs,
		cacheDir: cfg.CacheDir,
		client:   cfg.Client,
		logger:   logger.With().Str("component", "asset-loader").Logger(),
	}
}

// Load resolves ref and returns its data URI. progress (optional) observes
// fetch-phase percentages; the final value reported is FetchPhaseEnd. All
// failures are classified AssetFetchError or AssetEncodeError.
func (l *Loader) Load(ctx context.Context, ref ModelReference, progress ProgressFunc) (DataURI, error) {
	report := func(p int) {
		if progress != nil {
			progress(p)
		}
	}
	if ref.IsZero() {
		return "", protocol.Errorf(protocol.KindAssetFetch, "resolve", "empty model reference")
	}
	report(progressStarted)

	local, err := l.Resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	report(progressResolved)

	f, err := l.fs.Open(local)
	if err != nil {
		return "", protocol.Wrap(protocol.KindAssetFetch, "open "+local, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", protocol.Wrap(protocol.KindAssetFetch, "stat "+local, err)
	}
	if info.IsDir() {
		return "", protocol.Errorf(protocol.KindAssetFetch, "read", "%s is a directory", local)
	}
	report(progressRead)

	uri, err := l.encode(ctx, f, info.Size(), report)
	if err != nil {
		return "", err
	}
	report(FetchPhaseEnd)

	l.logger.Debug().
		Str("model", ref.String()).
		Int64("bytes", info.Size()).
		Int("encoded", len(uri)).
		Msg("Model encoded")
	return uri, nil
}

// Resolve returns a path inside the loader's filesystem holding ref's bytes,
// materializing bundled and remote assets into the cache first.
func (l *Loader) Resolve(ctx context.Context, ref ModelReference) (string, error) {
	if ref.IsBundled() {
		return l.materialize(ref, func(w io.Writer) error {
			if l.bundle == nil {
				return fmt.Errorf("no bundle configured")
			}
			src, err := l.bundle.Open(ref.Bundled)
			if err != nil {
				return err
			}
			defer src.Close()
			_, err = io.Copy(w, src)
			return err
		})
	}

	u, err := url.Parse(ref.URI)
	if err != nil {
		return "", protocol.Wrap(protocol.KindAssetFetch, "parse uri", err)
	}
	switch u.Scheme {
	case "file":
		return filepath.FromSlash(u.Path), nil
	case "http", "https":
		return l.materialize(ref, func(w io.Writer) error {
			return l.download(ctx, ref.URI, w)
		})
	default:
		return "", protocol.Errorf(protocol.KindAssetFetch, "resolve", "unsupported scheme %q", u.Scheme)
	}
}

// Evict drops the cached copy of ref so the next load materializes it again.
func (l *Loader) Evict(ref ModelReference) error {
	err := l.fs.Remove(l.cachePath(ref))
	if err != nil && !isNotExist(err) {
		return fmt.Errorf("evict %s: %w", ref, err)
	}
	return nil
}

// Models lists the model files shipped in the bundle.
func (l *Loader) Models() []string {
	if l.bundle == nil {
		return nil
	}
	var names []string
	fs.WalkDir(l.bundle, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		switch strings.ToLower(path.Ext(p)) {
		case ".glb", ".gltf", ".vrm", ".yaml", ".yml", ".json":
			names = append(names, p)
		}
		return nil
	})
	return names
}

func (l *Loader) cachePath(ref ModelReference) string {
	return filepath.Join(l.cacheDir, ref.cacheKey())
}

// materialize writes ref into the cache once; concurrent callers for the same
// reference share one write.
func (l *Loader) materialize(ref ModelReference, fill func(io.Writer) error) (string, error) {
	dst := l.cachePath(ref)
	v, err, _ := l.group.Do(dst, func() (any, error) {
		if ok, _ := afero.Exists(l.fs, dst); ok {
			l.logger.Debug().Str("model", ref.String()).Msg("Using cached model")
			return dst, nil
		}
		if err := l.fs.MkdirAll(l.cacheDir, 0o755); err != nil {
			return nil, protocol.Wrap(protocol.KindAssetFetch, "create cache dir", err)
		}
		tmp := dst + ".part"
		f, err := l.fs.Create(tmp)
		if err != nil {
			return nil, protocol.Wrap(protocol.KindAssetFetch, "create cache file", err)
		}
		fillErr := fill(f)
		closeErr := f.Close()
		if fillErr == nil {
			fillErr = closeErr
		}
		if fillErr != nil {
			l.fs.Remove(tmp)
			return nil, protocol.Wrap(protocol.KindAssetFetch, "materialize "+ref.String(), fillErr)
		}
		if err := l.fs.Rename(tmp, dst); err != nil {
			return nil, protocol.Wrap(protocol.KindAssetFetch, "commit cache file", err)
		}
		l.logger.Info().Str("model", ref.String()).Str("path", dst).Msg("Model cached")
		return dst, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (l *Loader) download(ctx context.Context, uri string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// encode streams r through a base64 encoder, reporting progress between the
// read and encoded marks.
func (l *Loader) encode(ctx context.Context, r io.Reader, size int64, report func(int)) (DataURI, error) {
	var sb strings.Builder
	sb.Grow(len(protocol.DataURIPrefix) + base64.StdEncoding.EncodedLen(int(size)))
	sb.WriteString(protocol.DataURIPrefix)

	enc := base64.NewEncoder(base64.StdEncoding, &sb)
	br := bufio.NewReaderSize(r, encodeChunk)
	buf := make([]byte, encodeChunk)
	var done int64
	for {
		if err := ctx.Err(); err != nil {
			return "", protocol.Wrap(protocol.KindAssetEncode, "encode", err)
		}
		n, err := io.ReadFull(br, buf)
		if n > 0 {
			if _, werr := enc.Write(buf[:n]); werr != nil {
				return "", protocol.Wrap(protocol.KindAssetEncode, "encode", werr)
			}
			done += int64(n)
			if size > 0 {
				report(progressRead + int(done*int64(progressEncoding-progressRead)/size))
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return "", protocol.Wrap(protocol.KindAssetFetch, "read", err)
		}
	}
	if err := enc.Close(); err != nil {
		return "", protocol.Wrap(protocol.KindAssetEncode, "flush", err)
	}
	return DataURI(sb.String()), nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
