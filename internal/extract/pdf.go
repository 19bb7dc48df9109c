package extract

import (
	"fmt"

	"github.com/ledongthuc/pdf"
)

// PDF extracts text page by page, skipping pages without text.
func PDF(p string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("%w: pdf: %v", ErrUnsupportedFormat, r)
		}
	}()

	f, r, err := pdf.Open(p)
	if err != nil {
		return "", fmt.Errorf("%w: pdf: %v", ErrUnsupportedFormat, err)
	}
	defer f.Close()

	var pages []string
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pages = append(pages, content)
	}
	return joinSections(pages), nil
}
