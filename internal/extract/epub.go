package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"code.sajari.com/docconv"
)

type epubContainer struct {
	Rootfiles []struct {
		FullPath  string `xml:"full-path,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"rootfiles>rootfile"`
}

type epubPackage struct {
	Manifest []struct {
		ID        string `xml:"id,attr"`
		Href      string `xml:"href,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"manifest>item"`
	Spine []struct {
		IDRef string `xml:"idref,attr"`
	} `xml:"spine>itemref"`
}

const maxEPUBEntry = 32 << 20

func isDocumentItem(mediaType string) bool {
	switch strings.ToLower(mediaType) {
	case "application/xhtml+xml", "text/html", "application/x-dtbook+xml":
		return true
	}
	return false
}

// EPUB extracts the text of the document items in spine order, with items
// missing from the spine appended in manifest order.
func EPUB(p string) (string, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return "", fmt.Errorf("%w: epub: %v", ErrUnsupportedFormat, err)
	}
	defer zr.Close()

	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	opfPath, err := rootfilePath(files)
	if err != nil {
		return "", err
	}

	var pkg epubPackage
	if err := decodeXML(files, opfPath, &pkg); err != nil {
		return "", err
	}

	base := path.Dir(opfPath)
	hrefs := make(map[string]string)
	for _, item := range pkg.Manifest {
		if isDocumentItem(item.MediaType) {
			hrefs[item.ID] = item.Href
		}
	}

	var order []string
	used := make(map[string]bool)
	for _, ref := range pkg.Spine {
		if href, ok := hrefs[ref.IDRef]; ok && !used[ref.IDRef] {
			order = append(order, href)
			used[ref.IDRef] = true
		}
	}
	for _, item := range pkg.Manifest {
		if _, ok := hrefs[item.ID]; ok && !used[item.ID] {
			order = append(order, item.Href)
			used[item.ID] = true
		}
	}
	if len(order) == 0 {
		return "", fmt.Errorf("%w: epub has no document items", ErrUnsupportedFormat)
	}

	var sections []string
	for _, href := range order {
		name := path.Join(base, entryName(href))
		data, err := readEntry(files, name)
		if err != nil {
			continue
		}
		body, _, err := docconv.ConvertHTML(bytes.NewReader(data), false)
		if err != nil {
			continue
		}
		sections = append(sections, body)
	}
	return joinSections(sections), nil
}

// entryName turns a manifest href into a zip entry name. Hrefs are URLs, so
// "ch%201.xhtml" names the entry "ch 1.xhtml".
func entryName(href string) string {
	href = strings.SplitN(href, "#", 2)[0]
	if name, err := url.PathUnescape(href); err == nil {
		return name
	}
	return href
}

func rootfilePath(files map[string]*zip.File) (string, error) {
	var c epubContainer
	if err := decodeXML(files, "META-INF/container.xml", &c); err != nil {
		return "", err
	}
	for _, rf := range c.Rootfiles {
		if rf.FullPath != "" && (rf.MediaType == "" || rf.MediaType == "application/oebps-package+xml") {
			return rf.FullPath, nil
		}
	}
	return "", fmt.Errorf("%w: epub container lists no package document", ErrUnsupportedFormat)
}

func decodeXML(files map[string]*zip.File, name string, v interface{}) error {
	data, err := readEntry(files, name)
	if err != nil {
		return err
	}
	if err := xml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: epub %s: %v", ErrUnsupportedFormat, name, err)
	}
	return nil
}

func readEntry(files map[string]*zip.File, name string) ([]byte, error) {
	f, ok := files[name]
	if !ok {
		return nil, fmt.Errorf("%w: epub entry %s missing", ErrUnsupportedFormat, name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, maxEPUBEntry))
}
