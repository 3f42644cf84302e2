package browser

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var pdfConfigOnce sync.Once

// PDFPageCount parses a rendered PDF and returns its page count. A
// document that fails to parse or has no pages is rejected.
func PDFPageCount(data []byte) (int, error) {
	pdfConfigOnce.Do(api.DisableConfigDir)

	pages, err := api.PageCount(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		return 0, fmt.Errorf("rendered pdf is invalid: %w", err)
	}
	if pages == 0 {
		return 0, fmt.Errorf("rendered pdf has no pages")
	}
	return pages, nil
}
