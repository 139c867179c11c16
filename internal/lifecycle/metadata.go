package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Roelanb/limsnode/internal/ledger"
	"github.com/Roelanb/limsnode/internal/observability"
	"github.com/Roelanb/limsnode/internal/staging"
	"github.com/Roelanb/limsnode/internal/storage"
)

const experimentRef = "exp:"

var defaultMetadataModel = map[string]string{
	"ExperimentId": "exp:Id",
	"SecondaryId":  "exp:SecondaryId",
	"Instrument":   "exp:InstrumentName",
	"Technique":    "exp:Technique",
}

// ExperimentMetadata extracts the metadata model of the type from the
// experiment document. Values starting with "exp:" are slash separated
// paths into the document; other values are literals.
func (s *Session) ExperimentMetadata() map[string]any {
	model := s.Type.MetadataModel
	if len(model) == 0 {
		model = defaultMetadataModel
	}
	out := map[string]any{}
	for key, ref := range model {
		if !strings.HasPrefix(ref, experimentRef) {
			out[key] = ref
			continue
		}
		if v, ok := lookup(s.Exp.Raw, strings.TrimPrefix(ref, experimentRef)); ok {
			out[key] = v
		}
	}
	return out
}

// RestoreMetadata writes the experiment metadata document to the storage.
// The document already stored is overridden by the experiment fields, which
// are overridden by extra.
func (s *Session) RestoreMetadata(ctx context.Context, extra map[string]any) (map[string]any, error) {
	target := s.Type.MetadataTarget
	doc, err := s.readDocument(ctx, target)
	if err != nil {
		return nil, err
	}
	merge(doc, s.ExperimentMetadata())
	merge(doc, extra)

	b, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	tmp, err := os.CreateTemp(s.env.tempDir(), storage.InternalPrefix+"metadata-*.yml")
	if err != nil {
		return nil, fmt.Errorf("create metadata file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("write metadata file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("write metadata file: %w", err)
	}
	if err := s.Storage.Put(ctx, target, tmp.Name()); err != nil {
		return nil, fmt.Errorf("store metadata: %w", err)
	}
	if ma, ok := s.Storage.(storage.MetadataAttacher); ok {
		if err := ma.AttachMetadata(ctx, doc); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func (s *Session) readDocument(ctx context.Context, rel string) (map[string]any, error) {
	dir, err := os.MkdirTemp(s.env.tempDir(), storage.InternalPrefix+"metadata-")
	if err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}
	defer os.RemoveAll(dir)
	local := filepath.Join(dir, "doc.yml")
	if err := s.Storage.Get(ctx, rel, local); err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	return readYAML(local)
}

// IngestMetadata merges metadata files found in the source into the
// experiment document and removes them from the source. Files are taken as
// soon as they are seen.
func (s *Session) IngestMetadata(ctx context.Context, src storage.Source) ([]staging.Consumed, []storage.FileError) {
	rs := s.Rules.WithTags(TagMetadata)
	if rs.Len() == 0 {
		return nil, nil
	}
	led, err := s.metadataLedger()
	if err != nil {
		return nil, []storage.FileError{{Err: err}}
	}
	consume := func(ctx context.Context, m storage.Match) error {
		dir, err := os.MkdirTemp(s.env.tempDir(), storage.InternalPrefix+"ingest-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		local := filepath.Join(dir, filepath.Base(m.Path))
		if err := src.Get(ctx, m.Path, local); err != nil {
			return err
		}
		data, err := readYAML(local)
		if err != nil {
			return err
		}
		if _, err := s.RestoreMetadata(ctx, data); err != nil {
			return err
		}
		s.log().Infow("metadata ingested", observability.ExperimentKey, s.Exp.ID, "path", m.Path, "keys", len(data))
		return src.Delete(ctx, m.Path)
	}
	sn := staging.New(src, rs, led, consume, staging.Options{
		ReconsumeOnChange: true,
		Clock:             s.env.clock(),
		Logger:            s.log(),
	})
	return sn.SniffAndConsume(ctx)
}

func (s *Session) metadataLedger() (ledger.Ledger, error) {
	if s.env.Bolt == nil {
		return ledger.NewMemory(), nil
	}
	return s.env.Bolt.Session(metadataSession(s.Exp.ID))
}

func metadataSession(id string) string { return "metadata/" + id }

func readYAML(p string) (map[string]any, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(p), err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// merge copies src into dst, descending into maps present on both sides.
func merge(dst, src map[string]any) {
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				merge(dm, sm)
				continue
			}
		}
		dst[k] = v
	}
}

func lookup(doc map[string]any, p string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(p, "/") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}
