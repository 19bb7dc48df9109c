package extract

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"opdsrag/internal/asset"
)

var ErrUnsupportedFormat = errors.New("unsupported format")

// Extractor turns a downloaded asset into plain text.
type Extractor interface {
	Extract(path string) (string, error)
}

type ExtractorFunc func(path string) (string, error)

func (f ExtractorFunc) Extract(path string) (string, error) { return f(path) }

// Registry dispatches on asset format.
type Registry struct {
	extractors map[asset.Format]Extractor
}

// NewRegistry returns a registry with the text, epub and pdf extractors.
func NewRegistry() *Registry {
	r := &Registry{extractors: make(map[asset.Format]Extractor)}
	r.Register(asset.FormatText, ExtractorFunc(Text))
	r.Register(asset.FormatEPUB, ExtractorFunc(EPUB))
	r.Register(asset.FormatPDF, ExtractorFunc(PDF))
	return r
}

func (r *Registry) Register(f asset.Format, e Extractor) {
	r.extractors[f] = e
}

func (r *Registry) Extract(path string, format asset.Format) (string, error) {
	e, ok := r.extractors[format]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	return e.Extract(path)
}

// Text reads the file as UTF-8, dropping undecodable bytes.
func Text(path string) (string, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is a temp file created by the downloader
	if err != nil {
		return "", err
	}
	return strings.ToValidUTF8(string(data), ""), nil
}

func joinSections(parts []string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
