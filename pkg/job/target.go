package job

import (
	"fmt"
	"net/url"
	"strings"
)

// Output selects the artifact a job produces.
type Output string

const (
	OutputPDF  Output = "pdf"
	OutputPNG  Output = "png"
	OutputHTML Output = "html"
	OutputText Output = "text"
)

// WaitUntil is the navigation completion condition.
type WaitUntil string

const (
	WaitLoad             WaitUntil = "load"
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"
	WaitNetworkIdle      WaitUntil = "networkidle"
	WaitCommit           WaitUntil = "commit"
)

// Defaults match an A4 page at 96 dpi.
const (
	DefaultViewportWidth  = 794
	DefaultViewportHeight = 1123
	DefaultPDFFormat      = "A4"
	MaxViewportDimension  = 8192
)

// Target describes what a job renders.
type Target struct {
	// URL to navigate to (http or https). Mutually exclusive with HTML.
	URL string `json:"url,omitempty" yaml:"url"`

	// HTML is an inline document loaded with set-content.
	HTML string `json:"html,omitempty" yaml:"html"`

	// WaitUntil is the lifecycle event that counts as loaded
	WaitUntil WaitUntil `json:"wait_until,omitempty" yaml:"wait_until"`

	// WaitForSelector optionally requires an element to become visible
	WaitForSelector string `json:"wait_for_selector,omitempty" yaml:"wait_for_selector"`

	Output   Output      `json:"output,omitempty" yaml:"output"`
	Viewport *Viewport   `json:"viewport,omitempty" yaml:"viewport"`
	PDF      *PDFOptions `json:"pdf,omitempty" yaml:"pdf"`

	// FullPage captures the whole scrollable page for PNG output
	FullPage bool `json:"full_page,omitempty" yaml:"full_page"`
}

// Viewport represents the browser viewport dimensions.
type Viewport struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// PDFOptions configures PDF output.
type PDFOptions struct {
	Format          string  `json:"format,omitempty" yaml:"format"`
	PrintBackground *bool   `json:"print_background,omitempty" yaml:"print_background"`
	Landscape       bool    `json:"landscape,omitempty" yaml:"landscape"`
	Margin          *Margin `json:"margin,omitempty" yaml:"margin"`
}

// Margin holds CSS lengths such as "0" or "1cm".
type Margin struct {
	Top    string `json:"top,omitempty" yaml:"top"`
	Right  string `json:"right,omitempty" yaml:"right"`
	Bottom string `json:"bottom,omitempty" yaml:"bottom"`
	Left   string `json:"left,omitempty" yaml:"left"`
}

// Normalize fills in defaults and returns the resulting target. The URL is
// trimmed and whitespace-only HTML is dropped, so execution picks the same
// source Validate does.
func (t Target) Normalize() Target {
	t.URL = strings.TrimSpace(t.URL)
	if strings.TrimSpace(t.HTML) == "" {
		t.HTML = ""
	}
	if t.WaitUntil == "" {
		t.WaitUntil = WaitNetworkIdle
	}
	if t.Output == "" {
		t.Output = OutputPDF
	}
	if t.Viewport == nil {
		t.Viewport = &Viewport{Width: DefaultViewportWidth, Height: DefaultViewportHeight}
	}
	if t.Output == OutputPDF {
		pdf := PDFOptions{}
		if t.PDF != nil {
			pdf = *t.PDF
		}
		if pdf.Format == "" {
			pdf.Format = DefaultPDFFormat
		}
		if pdf.PrintBackground == nil {
			printBackground := true
			pdf.PrintBackground = &printBackground
		}
		if pdf.Margin == nil {
			pdf.Margin = &Margin{Top: "0", Right: "0", Bottom: "0", Left: "0"}
		}
		t.PDF = &pdf
	}
	return t
}

// Validate checks the target and returns an InvalidTarget error when it
// cannot be rendered.
func (t Target) Validate() error {
	hasURL := strings.TrimSpace(t.URL) != ""
	hasHTML := strings.TrimSpace(t.HTML) != ""

	switch {
	case hasURL && hasHTML:
		return Failf(KindInvalidTarget, "url and html are mutually exclusive")
	case !hasURL && !hasHTML:
		return Failf(KindInvalidTarget, "either url or html is required")
	}

	if hasURL {
		if _, err := t.ParsedURL(); err != nil {
			return err
		}
	}

	switch t.WaitUntil {
	case "", WaitLoad, WaitDOMContentLoaded, WaitNetworkIdle, WaitCommit:
	default:
		return Failf(KindInvalidTarget, "unsupported wait_until %q", t.WaitUntil)
	}

	switch t.Output {
	case "", OutputPDF, OutputPNG, OutputHTML, OutputText:
	default:
		return Failf(KindInvalidTarget, "unsupported output %q", t.Output)
	}

	if v := t.Viewport; v != nil {
		if v.Width <= 0 || v.Height <= 0 || v.Width > MaxViewportDimension || v.Height > MaxViewportDimension {
			return Failf(KindInvalidTarget, "viewport %dx%d out of range", v.Width, v.Height)
		}
	}

	if t.PDF != nil && t.Output != "" && t.Output != OutputPDF {
		return Failf(KindInvalidTarget, "pdf options given for %s output", t.Output)
	}
	return nil
}

// ParsedURL parses and checks the target URL.
func (t Target) ParsedURL() (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(t.URL))
	if err != nil {
		return nil, Fail(KindInvalidTarget, fmt.Errorf("malformed url: %w", err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, Failf(KindInvalidTarget, "unsupported url scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, Failf(KindInvalidTarget, "url has no host")
	}
	return u, nil
}

// Describe returns a short label for logs.
func (t Target) Describe() string {
	if t.URL != "" {
		return t.URL
	}
	return fmt.Sprintf("inline html (%d bytes)", len(t.HTML))
}
