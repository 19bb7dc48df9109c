package asset

import (
	"net/url"
	"path"
	"strings"
)

type Format string

const (
	FormatEPUB    Format = "epub"
	FormatPDF     Format = "pdf"
	FormatText    Format = "text"
	FormatUnknown Format = "unknown"
)

// DefaultPreference is used when settings do not list any known format.
var DefaultPreference = []Format{FormatEPUB, FormatPDF, FormatText}

// Link is one acquisition link candidate from a catalog entry.
type Link struct {
	Href string `json:"href"`
	Rel  string `json:"rel,omitempty"`
	Type string `json:"type,omitempty"`
}

const acquisitionMarker = "acquisition"

// ParseFormats converts configured format names into formats, keeping order
// and dropping unknown or repeated names.
func ParseFormats(names []string) []Format {
	seen := make(map[Format]bool)
	var out []Format
	for _, n := range names {
		f := Format(strings.ToLower(strings.TrimSpace(n)))
		if f == "txt" || f == "plain" {
			f = FormatText
		}
		switch f {
		case FormatEPUB, FormatPDF, FormatText:
		default:
			continue
		}
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	if len(out) == 0 {
		return DefaultPreference
	}
	return out
}

// Classify derives the asset format from the declared content type, falling
// back to the URL path suffix.
func Classify(l Link) Format {
	mediaType := strings.ToLower(strings.TrimSpace(l.Type))
	if i := strings.Index(mediaType, ";"); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	switch mediaType {
	case "application/epub+zip":
		return FormatEPUB
	case "application/pdf", "application/x-pdf":
		return FormatPDF
	case "text/plain":
		return FormatText
	}

	u, err := url.Parse(l.Href)
	if err != nil {
		return FormatUnknown
	}
	switch strings.ToLower(path.Ext(u.Path)) {
	case ".epub":
		return FormatEPUB
	case ".pdf":
		return FormatPDF
	case ".txt":
		return FormatText
	}
	return FormatUnknown
}

func usableURL(href string) bool {
	href = strings.TrimSpace(href)
	if href == "" {
		return false
	}
	u, err := url.Parse(href)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func isAcquisition(l Link) bool {
	return strings.Contains(strings.ToLower(l.Rel), acquisitionMarker) ||
		strings.Contains(strings.ToLower(l.Type), acquisitionMarker)
}

type candidate struct {
	link   Link
	format Format
}

// Resolve picks at most one link to download. Plain text links are accepted
// without an acquisition relation because catalogs often mis-tag them.
func Resolve(links []Link, preference []Format) (Link, Format, bool) {
	var candidates []candidate
	for _, l := range links {
		if !usableURL(l.Href) {
			continue
		}
		f := Classify(l)
		if f == FormatUnknown {
			continue
		}
		if f != FormatText && !isAcquisition(l) {
			continue
		}
		candidates = append(candidates, candidate{link: l, format: f})
	}
	if len(candidates) == 0 {
		return Link{}, FormatUnknown, false
	}

	for _, want := range preference {
		for _, c := range candidates {
			if c.format == want {
				return c.link, c.format, true
			}
		}
	}
	return candidates[0].link, candidates[0].format, true
}
