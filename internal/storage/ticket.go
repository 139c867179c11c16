package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/Roelanb/limsnode/internal/rules"
)

// Ticket is a remote object store reached over HTTP with an opaque, scoped
// ticket instead of account credentials. Objects live under a per-experiment
// collection. Nothing resolves to a local path, so the engine always streams.
type Ticket struct {
	base       *url.URL
	collection string
	ticket     string
	client     *http.Client
}

// NewTicket builds a client for collection on the store at baseURL.
func NewTicket(baseURL, collection, ticket string, timeout time.Duration) (*Ticket, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse ticket store url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("ticket store url %q must be absolute", baseURL)
	}
	collection = strings.Trim(collection, "/")
	if collection == "" {
		return nil, errors.New("ticket store collection is empty")
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Ticket{
		base:       u,
		collection: collection,
		ticket:     ticket,
		client:     &http.Client{Timeout: timeout},
	}, nil
}

// Collection returns the collection path of the experiment.
func (t *Ticket) Collection() string { return t.collection }

func (t *Ticket) objectURL(rel string) string {
	return t.base.String() + "/objects/" + escapePath(t.collection) + "/" + escapePath(rel)
}

func (t *Ticket) collectionURL(suffix string) string {
	return t.base.String() + "/collections/" + escapePath(t.collection) + suffix
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}

func (t *Ticket) do(ctx context.Context, method, u string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if t.ticket != "" {
		req.Header.Set("X-Ticket", t.ticket)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, u, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: %w", method, u, ErrNotExist)
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: status %d: %s", method, u, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

func (t *Ticket) Stat(ctx context.Context, rel string) (FileInfo, error) {
	rel, err := cleanRel(rel)
	if err != nil {
		return FileInfo{}, err
	}
	resp, err := t.do(ctx, http.MethodHead, t.objectURL(rel), nil, "")
	if err != nil {
		return FileInfo{}, err
	}
	resp.Body.Close()
	return FileInfo{Path: rel, Size: resp.ContentLength, ModTime: parseMtime(resp.Header.Get("X-Mtime"))}, nil
}

// Checksum uses the store's native SHA-256 when offered and otherwise
// streams the object and digests it locally.
func (t *Ticket) Checksum(ctx context.Context, rel, algorithm string) (string, error) {
	rel, err := cleanRel(rel)
	if err != nil {
		return "", err
	}
	if algorithm == SHA256 {
		resp, err := t.do(ctx, http.MethodHead, t.objectURL(rel), nil, "")
		if err != nil {
			return "", err
		}
		resp.Body.Close()
		if sum := resp.Header.Get("X-Checksum-Sha256"); sum != "" {
			return strings.ToLower(sum), nil
		}
	}
	resp, err := t.do(ctx, http.MethodGet, t.objectURL(rel), nil, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	return hashReader(resp.Body, algorithm)
}

func (t *Ticket) SupportedChecksums() []string { return []string{SHA256, MD5} }

func (t *Ticket) ResolveLocalPath(string) (string, bool) { return "", false }

func (t *Ticket) Put(ctx context.Context, rel, localSrc string) error {
	rel, err := cleanRel(rel)
	if err != nil {
		return err
	}
	f, err := os.Open(localSrc)
	if err != nil {
		return fmt.Errorf("open src: %w", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat src: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, t.objectURL(rel), f)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.ContentLength = fi.Size()
	req.Header.Set("Content-Type", "application/octet-stream")
	if t.ticket != "" {
		req.Header.Set("X-Ticket", t.ticket)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("put %s: %w", rel, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("put %s: status %d: %s", rel, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (t *Ticket) Get(ctx context.Context, rel, localDst string) error {
	rel, err := cleanRel(rel)
	if err != nil {
		return err
	}
	resp, err := t.do(ctx, http.MethodGet, t.objectURL(rel), nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return writeLocalAtomic(ctx, resp.Body, localDst)
}

func (t *Ticket) Delete(ctx context.Context, rel string) error {
	rel, err := cleanRel(rel)
	if err != nil {
		return err
	}
	resp, err := t.do(ctx, http.MethodDelete, t.objectURL(rel), nil, "")
	if errors.Is(err, ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

type listedObject struct {
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	Mtime int64  `json:"mtime"`
}

// Enumerate lists the collection and matches it against rs. A missing
// collection yields no matches.
func (t *Ticket) Enumerate(ctx context.Context, rs *rules.RuleSet) ([]Match, error) {
	resp, err := t.do(ctx, http.MethodGet, t.collectionURL(""), nil, "")
	if errors.Is(err, ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var listed []listedObject
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}
	infos := make([]FileInfo, 0, len(listed))
	for _, o := range listed {
		infos = append(infos, FileInfo{Path: strings.TrimPrefix(path.Clean("/"+o.Path), "/"), Size: o.Size, ModTime: time.Unix(0, o.Mtime)})
	}
	return matchInfos(infos, rs), nil
}

// IsColocated is true only for the very same object of the same store.
func (t *Ticket) IsColocated(other Target, rel, otherRel string) bool {
	o, ok := other.(*Ticket)
	if !ok {
		return false
	}
	a, errA := cleanRel(rel)
	b, errB := cleanRel(otherRel)
	return errA == nil && errB == nil && t.objectURL(a) == o.objectURL(b)
}

func (t *Ticket) Prepare(ctx context.Context) error {
	resp, err := t.do(ctx, http.MethodPut, t.collectionURL(""), nil, "")
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (t *Ticket) Accessible(ctx context.Context) bool {
	resp, err := t.do(ctx, http.MethodGet, t.base.String()+"/health", nil, "")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// AccessInfo issues a fresh read ticket for the collection.
func (t *Ticket) AccessInfo(ctx context.Context) (AccessInfo, error) {
	body, _ := json.Marshal(map[string]string{"permission": "read"})
	resp, err := t.do(ctx, http.MethodPost, t.collectionURL("/tickets"), bytes.NewReader(body), "application/json")
	if err != nil {
		return AccessInfo{}, fmt.Errorf("issue ticket: %w", err)
	}
	defer resp.Body.Close()
	var out struct {
		Ticket string `json:"ticket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return AccessInfo{}, fmt.Errorf("decode ticket: %w", err)
	}
	return AccessInfo{Target: t.base.Host, Path: "/" + t.collection, Token: out.Ticket}, nil
}

func (t *Ticket) Purge(ctx context.Context) error {
	resp, err := t.do(ctx, http.MethodDelete, t.collectionURL(""), nil, "")
	if errors.Is(err, ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("purge collection: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (t *Ticket) AttachMetadata(ctx context.Context, meta map[string]any) error {
	body, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	resp, err := t.do(ctx, http.MethodPut, t.collectionURL("/metadata"), bytes.NewReader(body), "application/json")
	if err != nil {
		return fmt.Errorf("attach metadata: %w", err)
	}
	resp.Body.Close()
	return nil
}

func parseMtime(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n)
}
