package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"riverfs/internal/common"
)

// TahoeClient speaks the Tahoe-LAFS webapi: capability-addressed paths
// under /uri, Range headers for partial reads, t=json directory
// listings, PUT bodies answered with the new capability.
type TahoeClient struct {
	baseURL string
	rootcap string
	client  *http.Client

	// GET and PUT connections are budgeted separately so a burst of
	// uploads cannot starve reads, the same split the backend node
	// itself expects.
	getSlots chan struct{}
	putSlots chan struct{}
}

var _ Backend = (*TahoeClient)(nil)

// NewTahoeClient builds a client for the node at endpoint, rooted at
// rootcap. maxConns is split between GET and PUT budgets.
func NewTahoeClient(endpoint, rootcap string, timeout time.Duration, maxConns int) *TahoeClient {
	if maxConns < 2 {
		maxConns = 2
	}
	putConns := maxConns / 2
	getConns := maxConns - putConns

	return &TahoeClient{
		baseURL:  strings.TrimRight(endpoint, "/") + "/uri",
		rootcap:  rootcap,
		client:   &http.Client{Timeout: timeout},
		getSlots: make(chan struct{}, getConns),
		putSlots: make(chan struct{}, putConns),
	}
}

// RootCap returns the mount's root capability.
func (c *TahoeClient) RootCap() string { return c.rootcap }

func (c *TahoeClient) acquire(ctx context.Context, slots chan struct{}) error {
	select {
	case slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *TahoeClient) capURL(ref string, params url.Values) string {
	u := c.baseURL + "/" + url.PathEscape(ref)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

func (c *TahoeClient) do(ctx context.Context, req *http.Request, isPut bool) (*http.Response, error) {
	slots := c.getSlots
	if isPut {
		slots = c.putSlots
	}
	if err := c.acquire(ctx, slots); err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		<-slots
		return nil, fmt.Errorf("%w: %v", common.ErrBackendUnavailable, err)
	}
	// The slot is released when the caller closes the body.
	resp.Body = &slotReleasingBody{ReadCloser: resp.Body, release: func() { <-slots }}
	return resp, nil
}

type slotReleasingBody struct {
	io.ReadCloser
	release func()
	done    bool
}

func (b *slotReleasingBody) Close() error {
	if !b.done {
		b.done = true
		defer b.release()
	}
	return b.ReadCloser.Close()
}

func classifyStatus(status int) error {
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return common.ErrNotFound
	case status >= 200 && status < 300:
		return nil
	default:
		return fmt.Errorf("%w: backend status %d", common.ErrBackendUnavailable, status)
	}
}

// GetObject fetches (part of) an immutable object.
func (c *TahoeClient) GetObject(ctx context.Context, ref string, rng *ByteRange) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, c.capURL(ref, nil), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/plain")
	if rng != nil {
		if rng.Length < 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", rng.Offset))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", rng.Offset, rng.Offset+rng.Length-1))
		}
	}

	resp, err := c.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading object body: %v", common.ErrBackendUnavailable, err)
	}
	return data, nil
}

// PutObject uploads bytes; the node answers with the new capability.
func (c *TahoeClient) PutObject(ctx context.Context, data []byte) (string, error) {
	req, err := http.NewRequest(http.MethodPut, c.baseURL, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.ContentLength = int64(len(data))

	resp, err := c.do(ctx, req, true)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp.StatusCode); err != nil {
		return "", err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: reading new capability: %v", common.ErrBackendUnavailable, err)
	}
	cap := strings.TrimSpace(string(body))
	if cap == "" {
		return "", fmt.Errorf("%w: empty capability from put", common.ErrBackendUnavailable)
	}
	return cap, nil
}

// tahoe json forms: ["dirnode", {"children": {name: [childtype, {...}]}}]
type tahoeChildInfo struct {
	ROURI    string         `json:"ro_uri"`
	RWURI    string         `json:"rw_uri"`
	Size     int64          `json:"size"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// GetDir lists a remote directory, name-ordered.
func (c *TahoeClient) GetDir(ctx context.Context, ref string) ([]DirEntry, error) {
	params := url.Values{"t": {"json"}}
	req, err := http.NewRequest(http.MethodGet, c.capURL(ref, params), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	var node []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&node); err != nil {
		return nil, fmt.Errorf("%w: directory json: %v", common.ErrBackendUnavailable, err)
	}
	if len(node) != 2 {
		return nil, fmt.Errorf("%w: malformed directory node", common.ErrBackendUnavailable)
	}
	var nodeType string
	if err := json.Unmarshal(node[0], &nodeType); err != nil {
		return nil, fmt.Errorf("%w: directory json: %v", common.ErrBackendUnavailable, err)
	}
	if nodeType != string(KindDir) {
		return nil, common.ErrNotDir
	}

	var body struct {
		Children map[string][]json.RawMessage `json:"children"`
	}
	if err := json.Unmarshal(node[1], &body); err != nil {
		return nil, fmt.Errorf("%w: directory json: %v", common.ErrBackendUnavailable, err)
	}

	entries := make([]DirEntry, 0, len(body.Children))
	for name, child := range body.Children {
		if len(child) != 2 {
			log.Warnf("skipping malformed child %q", name)
			continue
		}
		var childType string
		var info tahoeChildInfo
		if err := json.Unmarshal(child[0], &childType); err != nil {
			continue
		}
		if err := json.Unmarshal(child[1], &info); err != nil {
			continue
		}
		ref := info.RWURI
		if ref == "" {
			ref = info.ROURI
		}
		entries = append(entries, DirEntry{
			Name: name,
			Ref:  ref,
			Kind: Kind(childType),
			Size: info.Size,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// PutDir writes a directory's child set. With an empty ref a fresh
// directory is created (t=mkdir-with-children); otherwise the existing
// directory's children are replaced (t=set-children).
func (c *TahoeClient) PutDir(ctx context.Context, ref string, entries []DirEntry) (string, error) {
	children := make(map[string][]any, len(entries))
	for _, e := range entries {
		children[e.Name] = []any{string(e.Kind), map[string]any{"rw_uri": e.Ref}}
	}
	payload, err := json.Marshal(children)
	if err != nil {
		return "", err
	}

	var u string
	if ref == "" {
		u = c.baseURL + "?" + url.Values{"t": {"mkdir-with-children"}}.Encode()
	} else {
		u = c.capURL(ref, url.Values{"t": {"set-children"}})
	}
	req, err := http.NewRequest(http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(ctx, req, true)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp.StatusCode); err != nil {
		return "", err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: reading directory capability: %v", common.ErrBackendUnavailable, err)
	}
	if newCap := strings.TrimSpace(string(body)); ref == "" && newCap != "" {
		return newCap, nil
	}
	return ref, nil
}

// Delete unlinks the object named by ref.
func (c *TahoeClient) Delete(ctx context.Context, ref string) error {
	req, err := http.NewRequest(http.MethodDelete, c.capURL(ref, nil), nil)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, req, false)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return classifyStatus(resp.StatusCode)
}
