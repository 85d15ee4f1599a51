package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ppiankov/concord/internal/model"
)

// FileBackend keeps one JSON history file per document.
// Writes go to a temporary file that replaces the previous one; files are never edited in place.
type FileBackend struct {
	dir string
}

// NewFileBackend creates a file backend rooted at dir
func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{dir: dir}
}

// Load reads a document history. A missing file is an empty history;
// an unreadable one returns an empty history together with a persistence error.
func (b *FileBackend) Load(ctx context.Context, documentID string) (model.History, error) {
	empty := model.History{DocumentID: documentID, Versions: []model.VersionEntry{}}

	data, err := os.ReadFile(b.path(documentID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return empty, nil
		}
		return empty, model.Persistence("read history", err)
	}

	var h model.History
	if err := json.Unmarshal(data, &h); err != nil {
		return empty, model.Persistence("decode history", err)
	}
	if h.DocumentID == "" {
		h.DocumentID = documentID
	}
	if h.Versions == nil {
		h.Versions = []model.VersionEntry{}
	}
	return h, nil
}

// Append writes the history with entry added as a whole new file
func (b *FileBackend) Append(ctx context.Context, documentID string, entry model.VersionEntry) error {
	h, err := b.Load(ctx, documentID)
	if err != nil {
		// Keep the unreadable file around instead of overwriting it
		if qErr := b.quarantine(documentID); qErr != nil {
			return model.Persistence("quarantine history", qErr)
		}
		h = model.History{DocumentID: documentID}
	}
	h.Versions = append(h.Versions, entry)

	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return model.Persistence("encode history", err)
	}

	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return model.Persistence("create history dir", err)
	}

	if err := writeFileAtomic(b.path(documentID), data); err != nil {
		return model.Persistence("write history", err)
	}
	return nil
}

// Documents lists the document identifiers of all readable history files
func (b *FileBackend) Documents(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, model.Persistence("list histories", err)
	}

	docs := []string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.dir, e.Name()))
		if err != nil {
			continue
		}
		var header struct {
			DocumentID string `json:"document_id"`
		}
		if err := json.Unmarshal(data, &header); err != nil || header.DocumentID == "" {
			continue
		}
		docs = append(docs, header.DocumentID)
	}
	sort.Strings(docs)
	return docs, nil
}

// Close is a no-op
func (b *FileBackend) Close() error {
	return nil
}

func (b *FileBackend) quarantine(documentID string) error {
	path := b.path(documentID)
	target := fmt.Sprintf("%s.corrupt-%d", path, time.Now().UnixNano())
	if err := os.Rename(path, target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// path maps a document identifier to a file name that is safe on any filesystem
func (b *FileBackend) path(documentID string) string {
	hash := sha256.Sum256([]byte(documentID))
	return filepath.Join(b.dir, sanitizeFilename(documentID)+"."+hex.EncodeToString(hash[:4])+".json")
}

func writeFileAtomic(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace history file: %w", err)
	}
	return nil
}

// sanitizeFilename replaces characters that are problematic in file names
func sanitizeFilename(s string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
		" ", "-",
	)
	s = replacer.Replace(s)
	s = strings.Trim(s, ".")
	if s == "" {
		s = "document"
	}

	// Limit length
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}
