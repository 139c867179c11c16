package testsupport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
)

// FakeLims is an in-memory LIMS API keeping experiments as JSON documents.
type FakeLims struct {
	Server *httptest.Server
	Token  string
	// FailLogs makes the next n log submissions fail with 503.
	FailLogs int

	mu          sync.Mutex
	experiments map[string]map[string]any
	emails      []SentEmail
	logs        []map[string]any
	logPosts    int
}

// SentEmail is an e-mail request received by the fake.
type SentEmail struct {
	ExperimentID string
	Body         map[string]any
}

// NewFakeLims starts a fake LIMS requiring token (empty disables auth).
func NewFakeLims(t testing.TB, token string) *FakeLims {
	t.Helper()
	l := &FakeLims{Token: token, experiments: map[string]map[string]any{}}
	l.Server = httptest.NewServer(http.HandlerFunc(l.serve))
	t.Cleanup(l.Server.Close)
	return l
}

func (l *FakeLims) URL() string { return l.Server.URL }

// AddExperiment stores doc under doc["Id"].
func (l *FakeLims) AddExperiment(doc map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.experiments[doc["Id"].(string)] = clone(doc)
}

// Experiment returns a copy of the stored document.
func (l *FakeLims) Experiment(id string) map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	doc, ok := l.experiments[id]
	if !ok {
		return nil
	}
	return clone(doc)
}

// Field returns the value at a slash separated path such as "Storage/State".
func (l *FakeLims) Field(id, path string) any {
	var cur any = l.Experiment(id)
	for _, part := range strings.Split(path, "/") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func (l *FakeLims) Emails() []SentEmail {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]SentEmail(nil), l.emails...)
}

func (l *FakeLims) Logs() []map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]map[string]any(nil), l.logs...)
}

// LogPosts counts log submissions including failed ones.
func (l *FakeLims) LogPosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.logPosts
}

func (l *FakeLims) serve(w http.ResponseWriter, r *http.Request) {
	if l.Token != "" && r.Header.Get("Authorization") != "Bearer "+l.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	p := strings.Trim(r.URL.Path, "/")
	parts := strings.Split(p, "/")
	if parts[0] != "experiments" {
		http.NotFound(w, r)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		l.list(w, r, false)
	case len(parts) == 2 && parts[1] == "with_sourcedir" && r.Method == http.MethodGet:
		l.list(w, r, true)
	case len(parts) == 2 && parts[1] == "logs" && r.Method == http.MethodPost:
		l.logPosts++
		if l.FailLogs > 0 {
			l.FailLogs--
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		var recs []map[string]any
		if err := json.NewDecoder(r.Body).Decode(&recs); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		l.logs = append(l.logs, recs...)
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 2 && r.Method == http.MethodGet:
		doc, ok := l.experiments[parts[1]]
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, doc)
	case len(parts) == 2 && r.Method == http.MethodPatch:
		l.patch(w, r, parts[1])
	case len(parts) == 3 && parts[2] == "email" && r.Method == http.MethodPost:
		if _, ok := l.experiments[parts[1]]; !ok {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		l.emails = append(l.emails, SentEmail{ExperimentID: parts[1], Body: body})
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "unsupported", http.StatusMethodNotAllowed)
	}
}

func (l *FakeLims) list(w http.ResponseWriter, r *http.Request, withSourceDir bool) {
	states := r.URL.Query()["expState"]
	storageState := r.URL.Query().Get("storageState")
	ids := make([]string, 0, len(l.experiments))
	for id := range l.experiments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := []map[string]any{}
	for _, id := range ids {
		doc := l.experiments[id]
		storage, _ := doc["Storage"].(map[string]any)
		if len(states) > 0 && !contains(states, doc["State"]) {
			continue
		}
		if storageState != "" && (storage == nil || storage["State"] != storageState) {
			continue
		}
		if withSourceDir {
			if dir, _ := storage["SourceDirectory"].(string); dir == "" {
				continue
			}
		}
		out = append(out, doc)
	}
	writeJSON(w, out)
}

func (l *FakeLims) patch(w http.ResponseWriter, r *http.Request, id string) {
	doc, ok := l.experiments[id]
	if !ok {
		http.NotFound(w, r)
		return
	}
	if r.Header.Get("Content-Type") != "application/json-patch+json" {
		http.Error(w, "expected json patch", http.StatusUnsupportedMediaType)
		return
	}
	var ops []struct {
		Op    string `json:"op"`
		Path  string `json:"path"`
		Value any    `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&ops); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, op := range ops {
		if op.Op != "replace" {
			http.Error(w, "unsupported op "+op.Op, http.StatusBadRequest)
			return
		}
		keys := strings.Split(strings.TrimPrefix(op.Path, "/"), "/")
		cur := doc
		for _, k := range keys[:len(keys)-1] {
			k = unescapePointer(k)
			next, ok := cur[k].(map[string]any)
			if !ok {
				next = map[string]any{}
				cur[k] = next
			}
			cur = next
		}
		cur[unescapePointer(keys[len(keys)-1])] = op.Value
	}
	w.WriteHeader(http.StatusNoContent)
}

func contains(list []string, v any) bool {
	s, _ := v.(string)
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func unescapePointer(s string) string {
	return strings.NewReplacer("~1", "/", "~0", "~").Replace(s)
}

func clone(doc map[string]any) map[string]any {
	b, _ := json.Marshal(doc)
	var out map[string]any
	_ = json.Unmarshal(b, &out)
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
