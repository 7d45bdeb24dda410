package scene

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type Asset struct {
	Name string
	URL  string
}

// Loader turns an asset reference into an unattached node. Loaders run off the
// scene goroutine; the returned node belongs to the caller.
type Loader interface {
	Load(ctx context.Context, a Asset) (*Node, error)
}

var ErrNotGLTF = errors.New("scene: asset is neither glTF nor GLB")

const maxAssetBytes = 64 << 20

// NodeName is the name given to the root node of a loaded program object.
func NodeName(a Asset) string {
	return "ProgObj_" + a.Name
}

// HTTPLoader downloads glTF/GLB assets. Mesh data is not parsed: the node only
// records what was fetched.
type HTTPLoader struct {
	Client *http.Client
}

func NewHTTPLoader(timeout time.Duration) *HTTPLoader {
	return &HTTPLoader{Client: &http.Client{Timeout: timeout}}
}

func (l *HTTPLoader) Load(ctx context.Context, a Asset) (*Node, error) {
	if strings.TrimSpace(a.URL) == "" {
		return nil, fmt.Errorf("scene: empty asset url for %q", a.Name)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return nil, err
	}
	c := l.Client
	if c == nil {
		c = http.DefaultClient
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scene: fetch %s: %s", a.URL, resp.Status)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetBytes+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxAssetBytes {
		return nil, fmt.Errorf("scene: asset %s exceeds %d bytes", a.URL, maxAssetBytes)
	}
	format, err := sniffFormat(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, a.URL)
	}
	return newAssetNode(a, format, len(b)), nil
}

func sniffFormat(b []byte) (string, error) {
	if len(b) >= 12 && bytes.Equal(b[:4], []byte("glTF")) {
		return "glb", nil
	}
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '{' && bytes.Contains(trimmed, []byte(`"asset"`)) {
		return "gltf", nil
	}
	return "", ErrNotGLTF
}

func newAssetNode(a Asset, format string, size int) *Node {
	n := NewNode(NodeName(a))
	n.Meta = map[string]string{
		"url":    a.URL,
		"format": format,
		"bytes":  strconv.Itoa(size),
	}
	n.AddChild(NewNode(a.Name))
	return n
}

// StubLoader builds asset nodes without touching the network.
type StubLoader struct {
	Err error
}

func (l StubLoader) Load(ctx context.Context, a Asset) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.Err != nil {
		return nil, l.Err
	}
	return newAssetNode(a, "stub", 0), nil
}
