// Package testsupport holds fixtures shared by package tests.
package testsupport

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// TicketStore is an in-memory implementation of the remote ticket object
// store served over httptest.
type TicketStore struct {
	Server *httptest.Server
	Ticket string
	// NativeChecksum makes HEAD report X-Checksum-Sha256.
	NativeChecksum bool
	// Now stamps uploaded objects.
	Now func() time.Time
	// FailPut makes PUT of an object fail with 503 when it returns true.
	FailPut func(path string) bool
	// FailTickets makes ticket issuing fail with 503.
	FailTickets bool

	mu          sync.Mutex
	collections map[string]map[string]*object
	metadata    map[string]map[string]any
	issued      int
	requests    int
}

type object struct {
	data  []byte
	mtime time.Time
}

// NewTicketStore starts a store accepting ticket. It is closed with the test.
func NewTicketStore(t testing.TB, ticket string) *TicketStore {
	t.Helper()
	s := &TicketStore{
		Ticket:      ticket,
		Now:         time.Now,
		collections: map[string]map[string]*object{},
		metadata:    map[string]map[string]any{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Server.Close)
	return s
}

// URL is the base URL of the store.
func (s *TicketStore) URL() string { return s.Server.URL }

// CreateCollection makes an empty collection.
func (s *TicketStore) CreateCollection(c string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c = strings.Trim(c, "/")
	if _, ok := s.collections[c]; !ok {
		s.collections[c] = map[string]*object{}
	}
}

// SetObject stores data at path in collection c, creating it as needed.
func (s *TicketStore) SetObject(c, path string, data []byte, mtime time.Time) {
	s.CreateCollection(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[strings.Trim(c, "/")][path] = &object{data: append([]byte(nil), data...), mtime: mtime}
}

// Object returns the content at path in collection c.
func (s *TicketStore) Object(c, path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.collections[strings.Trim(c, "/")]
	if !ok {
		return nil, false
	}
	o, ok := col[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), o.data...), true
}

// HasCollection reports whether collection c exists.
func (s *TicketStore) HasCollection(c string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.collections[strings.Trim(c, "/")]
	return ok
}

// Metadata returns what was attached to collection c.
func (s *TicketStore) Metadata(c string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata[strings.Trim(c, "/")]
}

// IssuedTickets counts read tickets handed out.
func (s *TicketStore) IssuedTickets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issued
}

// Requests counts every request served.
func (s *TicketStore) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// locate splits p into the longest existing collection and the rest.
func (s *TicketStore) locate(p string) (string, string, bool) {
	best := ""
	for c := range s.collections {
		if (p == c || strings.HasPrefix(p, c+"/")) && len(c) > len(best) {
			best = c
		}
	}
	if best == "" {
		return "", "", false
	}
	return best, strings.TrimPrefix(strings.TrimPrefix(p, best), "/"), true
}

func (s *TicketStore) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests++
	s.mu.Unlock()

	if r.URL.Path == "/health" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Header.Get("X-Ticket") != s.Ticket {
		http.Error(w, "bad ticket", http.StatusForbidden)
		return
	}
	switch {
	case strings.HasPrefix(r.URL.Path, "/objects/"):
		s.serveObject(w, r, strings.TrimPrefix(r.URL.Path, "/objects/"))
	case strings.HasPrefix(r.URL.Path, "/collections/"):
		s.serveCollection(w, r, strings.Trim(strings.TrimPrefix(r.URL.Path, "/collections/"), "/"))
	default:
		http.NotFound(w, r)
	}
}

func (s *TicketStore) serveObject(w http.ResponseWriter, r *http.Request, p string) {
	if r.Method == http.MethodPut && s.FailPut != nil {
		s.mu.Lock()
		_, rel, ok := s.locate(p)
		s.mu.Unlock()
		if ok && s.FailPut(rel) {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	var body []byte
	if r.Method == http.MethodPut {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, rel, ok := s.locate(p)
	if !ok || rel == "" {
		http.NotFound(w, r)
		return
	}
	col := s.collections[c]
	switch r.Method {
	case http.MethodPut:
		col[rel] = &object{data: body, mtime: s.Now()}
		w.WriteHeader(http.StatusCreated)
	case http.MethodHead, http.MethodGet:
		o, ok := col[rel]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(o.data)))
		w.Header().Set("X-Mtime", strconv.FormatInt(o.mtime.UnixNano(), 10))
		if s.NativeChecksum {
			sum := sha256.Sum256(o.data)
			w.Header().Set("X-Checksum-Sha256", hex.EncodeToString(sum[:]))
		}
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(o.data)
		}
	case http.MethodDelete:
		if _, ok := col[rel]; !ok {
			http.NotFound(w, r)
			return
		}
		delete(col, rel)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *TicketStore) serveCollection(w http.ResponseWriter, r *http.Request, p string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := strings.CutSuffix(p, "/metadata"); ok && r.Method == http.MethodPut {
		if _, exists := s.collections[c]; exists {
			var meta map[string]any
			if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			s.metadata[c] = meta
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	if c, ok := strings.CutSuffix(p, "/tickets"); ok && r.Method == http.MethodPost {
		if _, exists := s.collections[c]; !exists {
			http.NotFound(w, r)
			return
		}
		if s.FailTickets {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		s.issued++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"ticket": "read-" + strconv.Itoa(s.issued)})
		return
	}

	switch r.Method {
	case http.MethodPut:
		if _, ok := s.collections[p]; !ok {
			s.collections[p] = map[string]*object{}
		}
		w.WriteHeader(http.StatusCreated)
	case http.MethodGet:
		col, ok := s.collections[p]
		if !ok {
			http.NotFound(w, r)
			return
		}
		type entry struct {
			Path  string `json:"path"`
			Size  int    `json:"size"`
			Mtime int64  `json:"mtime"`
		}
		out := make([]entry, 0, len(col))
		for name, o := range col {
			out = append(out, entry{Path: name, Size: len(o.data), Mtime: o.mtime.UnixNano()})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	case http.MethodDelete:
		if _, ok := s.collections[p]; !ok {
			http.NotFound(w, r)
			return
		}
		delete(s.collections, p)
		delete(s.metadata, p)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
