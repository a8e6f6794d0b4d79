// Package asset resolves avatar model references to transferable data URIs.
package asset

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// BundleScheme marks a reference to a model shipped with the app.
const BundleScheme = "bundle://"

// ModelReference identifies a model asset: either a bundled asset name or a
// remote URI. The zero value refers to nothing. References are comparable and
// must be treated as immutable.
type ModelReference struct {
	Bundled string `json:"bundled,omitempty"`
	URI     string `json:"uri,omitempty"`
}

// Bundled references a model shipped in the app bundle. An empty name
// yields the zero reference.
func Bundled(name string) ModelReference {
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		return ModelReference{}
	}
	name = path.Clean(name)
	if name == "." || name == "/" {
		return ModelReference{}
	}
	return ModelReference{Bundled: name}
}

// Remote references a model by URI (http, https or file).
func Remote(uri string) ModelReference {
	return ModelReference{URI: uri}
}

// ParseReference accepts "bundle://name", an http(s)/file URI, or a bare
// bundled asset name.
func ParseReference(s string) (ModelReference, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ModelReference{}, fmt.Errorf("empty model reference")
	}
	if strings.HasPrefix(s, BundleScheme) {
		ref := Bundled(strings.TrimPrefix(s, BundleScheme))
		if ref.IsZero() {
			return ModelReference{}, fmt.Errorf("bundle reference without a name")
		}
		return ref, nil
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ModelReference{}, fmt.Errorf("parse model uri: %w", err)
		}
		switch u.Scheme {
		case "http", "https", "file":
			return Remote(s), nil
		default:
			return ModelReference{}, fmt.Errorf("unsupported model uri scheme %q", u.Scheme)
		}
	}
	ref := Bundled(s)
	if ref.IsZero() {
		return ModelReference{}, fmt.Errorf("model reference %q names no asset", s)
	}
	return ref, nil
}

// IsZero reports whether r refers to nothing.
func (r ModelReference) IsZero() bool { return r.Bundled == "" && r.URI == "" }

// IsBundled reports whether r names a bundled asset.
func (r ModelReference) IsBundled() bool { return r.Bundled != "" }

func (r ModelReference) String() string {
	if r.IsBundled() {
		return BundleScheme + r.Bundled
	}
	return r.URI
}

// Name is a short display name for the referenced model.
func (r ModelReference) Name() string {
	if r.IsBundled() {
		return path.Base(r.Bundled)
	}
	if u, err := url.Parse(r.URI); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return r.URI
}

// cacheKey is a stable file name for the cached copy of r.
func (r ModelReference) cacheKey() string {
	sum := sha256.Sum256([]byte(r.String()))
	ext := path.Ext(r.Name())
	if len(ext) > 8 {
		ext = ""
	}
	return hex.EncodeToString(sum[:12]) + ext
}
