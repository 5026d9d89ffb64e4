// Package loader reads a data directory into documents.
package loader

import (
	"fmt"
	"io/fs"
	"log"
	"mime"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/hubenschmidt/go-ragstream/core"
)

// DefaultDir is the directory indexed when none is given.
const DefaultDir = "data"

const dateLayout = "2006-01-02"

type config struct {
	extensions []string
}

// Option configures LoadDir.
type Option func(*config)

// WithExtensions restricts loading to files with the given extensions
// (".txt", ".md"). By default every text file is read.
func WithExtensions(exts ...string) Option {
	return func(c *config) {
		for _, e := range exts {
			if !strings.HasPrefix(e, ".") {
				e = "." + e
			}
			c.extensions = append(c.extensions, strings.ToLower(e))
		}
	}
}

// LoadDir walks dir in lexical order and returns one Document per readable
// text file. Hidden files and directories are skipped, as are files that are
// not valid UTF-8.
func LoadDir(dir string, opts ...Option) ([]core.Document, error) {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}

	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dir, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", core.ErrInvalidConfig, dir)
	}

	var docs []core.Document
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != root && isHidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if len(cfg.extensions) > 0 && !slices.Contains(cfg.extensions, strings.ToLower(filepath.Ext(path))) {
			return nil
		}

		doc, ok, err := loadFile(root, path)
		if err != nil {
			return err
		}
		if ok {
			docs = append(docs, doc)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}

	log.Printf("[loader] Loaded %d documents from %s", len(docs), dir)
	return docs, nil
}

func loadFile(root, path string) (core.Document, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.Document{}, false, fmt.Errorf("read %s: %w", path, err)
	}
	if !utf8.Valid(data) {
		log.Printf("[loader] Skipping non-text file %s", path)
		return core.Document{}, false, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return core.Document{}, false, fmt.Errorf("stat %s: %w", path, err)
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		return core.Document{}, false, fmt.Errorf("relative path: %w", err)
	}

	return core.Document{
		ID:       filepath.ToSlash(rel),
		Text:     string(data),
		Metadata: fileMetadata(path, info),
	}, true, nil
}

func fileMetadata(path string, info fs.FileInfo) map[string]any {
	fileType := mime.TypeByExtension(filepath.Ext(path))
	if fileType == "" {
		fileType = "text/plain"
	}
	// Go exposes no portable creation time; modification time stands in.
	modified := info.ModTime().Format(dateLayout)
	return map[string]any{
		"file_path":          path,
		"file_name":          filepath.Base(path),
		"file_type":          fileType,
		"file_size":          info.Size(),
		"creation_date":      modified,
		"last_modified_date": modified,
	}
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
