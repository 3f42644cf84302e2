package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/renderd/pkg/job"
	"github.com/entrhq/renderd/pkg/logging"
)

// DefaultOperationTimeout bounds a single browser step when the job
// context carries no deadline.
const DefaultOperationTimeout = 30 * time.Second

// PlaywrightOptions configures the Chromium processes launched by
// PlaywrightLauncher.
type PlaywrightOptions struct {
	Headless bool
	Args     []string

	// SkipInstall assumes the driver and browsers are already present
	SkipInstall bool
}

// PlaywrightLauncher launches headless Chromium through playwright-go.
// Initialize must be called before Launch.
type PlaywrightLauncher struct {
	opts   PlaywrightOptions
	logger *logging.Logger

	mu sync.Mutex
	pw *playwright.Playwright
}

// NewPlaywrightLauncher creates a launcher. A nil logger discards output.
func NewPlaywrightLauncher(opts PlaywrightOptions, logger *logging.Logger) *PlaywrightLauncher {
	if logger == nil {
		logger = logging.Discard("playwright")
	}
	return &PlaywrightLauncher{opts: opts, logger: logger}
}

// Initialize installs (unless skipped) and starts the Playwright driver.
func (l *PlaywrightLauncher) Initialize() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pw != nil {
		return nil
	}

	// Driver output would interleave with the service log
	runOpts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}

	if !l.opts.SkipInstall {
		if err := playwright.Install(runOpts); err != nil {
			return fmt.Errorf("failed to install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	l.pw = pw
	l.logger.Infof("playwright driver started (headless=%t)", l.opts.Headless)
	return nil
}

// Launch starts one Chromium process. If ctx ends first the process is
// closed as soon as the launch completes.
func (l *PlaywrightLauncher) Launch(ctx context.Context) (Process, error) {
	l.mu.Lock()
	pw := l.pw
	l.mu.Unlock()
	if pw == nil {
		return nil, fmt.Errorf("playwright not initialized")
	}

	type launched struct {
		browser playwright.Browser
		err     error
	}
	done := make(chan launched, 1)

	go func() {
		headless := l.opts.Headless
		b, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
			Headless: &headless,
			Args:     l.opts.Args,
		})
		done <- launched{browser: b, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("failed to launch chromium: %w", r.err)
		}
		return &playwrightProcess{browser: r.browser}, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.browser != nil {
				_ = r.browser.Close()
			}
		}()
		return nil, fmt.Errorf("chromium launch aborted: %w", ctx.Err())
	}
}

// Stop shuts down the Playwright driver. Processes must be closed first.
func (l *PlaywrightLauncher) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pw == nil {
		return nil
	}
	err := l.pw.Stop()
	l.pw = nil
	if err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

type playwrightProcess struct {
	browser   playwright.Browser
	closeOnce sync.Once
	closeErr  error
}

func (p *playwrightProcess) NewContext(ctx context.Context) (Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bctx, err := p.browser.NewContext()
	if err != nil {
		if !p.browser.IsConnected() {
			return nil, job.Fail(job.KindInstanceLost, fmt.Errorf("%w: %v", ErrProcessGone, err))
		}
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	return &playwrightContext{
		id:      uuid.NewString(),
		browser: p.browser,
		bctx:    bctx,
	}, nil
}

func (p *playwrightProcess) Alive() bool {
	return p.browser.IsConnected()
}

func (p *playwrightProcess) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.browser.Close()
	})
	return p.closeErr
}

// playwrightContext wraps one BrowserContext. Every job gets a fresh page
// and Reset replaces the BrowserContext itself, so cookies, storage and
// cache never survive from one job to the next.
type playwrightContext struct {
	id      string
	browser playwright.Browser

	mu   sync.Mutex
	bctx playwright.BrowserContext
}

func (c *playwrightContext) ID() string { return c.id }

func (c *playwrightContext) Execute(ctx context.Context, target job.Target) (*job.Artifact, error) {
	target = target.Normalize()

	c.mu.Lock()
	bctx := c.bctx
	c.mu.Unlock()
	if bctx == nil {
		return nil, fmt.Errorf("browser context %s is closed", c.id)
	}

	page, err := bctx.NewPage()
	if err != nil {
		return nil, c.fail(ctx, ClassifyNavigation, fmt.Errorf("failed to open page: %w", err))
	}
	defer func() { _ = page.Close() }()

	// Closing the page unblocks any Playwright call in flight
	stop := context.AfterFunc(ctx, func() { _ = page.Close() })
	defer stop()

	page.SetDefaultTimeout(timeoutMillis(ctx))

	vp := target.Viewport
	if vp == nil {
		vp = &job.Viewport{Width: job.DefaultViewportWidth, Height: job.DefaultViewportHeight}
	}
	if err := page.SetViewportSize(vp.Width, vp.Height); err != nil {
		return nil, c.fail(ctx, ClassifyNavigation, fmt.Errorf("failed to set viewport: %w", err))
	}

	if err := c.load(ctx, page, target); err != nil {
		return nil, err
	}

	if target.WaitForSelector != "" {
		state := playwright.WaitForSelectorState("visible")
		timeout := timeoutMillis(ctx)
		if _, err := page.WaitForSelector(target.WaitForSelector, playwright.PageWaitForSelectorOptions{
			State:   &state,
			Timeout: &timeout,
		}); err != nil {
			return nil, c.fail(ctx, ClassifyNavigation, fmt.Errorf("waiting for %q: %w", target.WaitForSelector, err))
		}
	}

	artifact, err := c.produce(page, target)
	if err != nil {
		return nil, c.fail(ctx, ClassifyExtraction, err)
	}
	return artifact, nil
}

func (c *playwrightContext) load(ctx context.Context, page playwright.Page, target job.Target) error {
	waitUntil := playwright.WaitUntilState(target.WaitUntil)
	timeout := timeoutMillis(ctx)

	if target.HTML != "" {
		if err := page.SetContent(target.HTML, playwright.PageSetContentOptions{
			WaitUntil: &waitUntil,
			Timeout:   &timeout,
		}); err != nil {
			return c.fail(ctx, ClassifyNavigation, fmt.Errorf("failed to load html: %w", err))
		}
		return nil
	}

	resp, err := page.Goto(target.URL, playwright.PageGotoOptions{
		WaitUntil: &waitUntil,
		Timeout:   &timeout,
	})
	if err != nil {
		return c.fail(ctx, ClassifyNavigation, fmt.Errorf("navigation failed: %w", err))
	}
	if resp != nil {
		status := resp.Status()
		switch {
		case status >= 500:
			return job.Failf(job.KindNavigationTimeout, "target responded %d", status)
		case status >= 400:
			return job.Failf(job.KindInvalidTarget, "target responded %d", status)
		}
	}
	return nil
}

func (c *playwrightContext) produce(page playwright.Page, target job.Target) (*job.Artifact, error) {
	artifact := &job.Artifact{URL: page.URL()}
	if title, err := page.Title(); err == nil {
		artifact.Title = title
	}

	switch target.Output {
	case job.OutputPDF:
		data, err := page.PDF(pdfOptions(target.PDF))
		if err != nil {
			return nil, fmt.Errorf("failed to print pdf: %w", err)
		}
		pages, err := PDFPageCount(data)
		if err != nil {
			return nil, err
		}
		artifact.ContentType = "application/pdf"
		artifact.Data = data
		artifact.Pages = pages

	case job.OutputPNG:
		data, err := page.Screenshot(playwright.PageScreenshotOptions{
			FullPage: playwright.Bool(target.FullPage),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to capture screenshot: %w", err)
		}
		artifact.ContentType = "image/png"
		artifact.Data = data

	case job.OutputHTML:
		content, err := page.Content()
		if err != nil {
			return nil, fmt.Errorf("failed to read page content: %w", err)
		}
		artifact.ContentType = "text/html; charset=utf-8"
		artifact.Data = []byte(content)

	case job.OutputText:
		content, err := page.Content()
		if err != nil {
			return nil, fmt.Errorf("failed to read page content: %w", err)
		}
		text, err := ExtractText(content)
		if err != nil {
			return nil, err
		}
		if artifact.Title == "" {
			artifact.Title = text.Title
		}
		artifact.ContentType = "text/plain; charset=utf-8"
		artifact.Data = []byte(text.Text)

	default:
		return nil, job.Failf(job.KindInvalidTarget, "unsupported output %q", target.Output)
	}

	if len(artifact.Data) == 0 && target.Output != job.OutputText {
		return nil, ErrEmptyArtifact
	}
	return artifact, nil
}

// fail prefers the reason the job context ended over the Playwright error
// it caused, and detects a browser that disconnected mid-job.
func (c *playwrightContext) fail(ctx context.Context, classifier func(error) job.Kind, err error) error {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		var jobErr *job.Error
		if errors.As(cause, &jobErr) {
			return cause
		}
		return job.Fail(job.KindOf(cause), fmt.Errorf("%w: %v", cause, err))
	}
	if !c.browser.IsConnected() {
		return job.Fail(job.KindInstanceLost, fmt.Errorf("%w: %v", ErrProcessGone, err))
	}
	if errors.Is(err, playwright.ErrTimeout) {
		return job.Fail(job.KindNavigationTimeout, err)
	}
	if errors.Is(err, playwright.ErrTargetClosed) {
		return job.Fail(job.KindInstanceLost, err)
	}
	return wrap(err, classifier)
}

func (c *playwrightContext) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bctx != nil {
		_ = c.bctx.Close()
		c.bctx = nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	bctx, err := c.browser.NewContext()
	if err != nil {
		return fmt.Errorf("failed to recreate browser context: %w", err)
	}
	c.bctx = bctx
	return nil
}

func (c *playwrightContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bctx == nil {
		return nil
	}
	err := c.bctx.Close()
	c.bctx = nil
	return err
}

func pdfOptions(opts *job.PDFOptions) playwright.PagePdfOptions {
	if opts == nil {
		opts = &job.PDFOptions{}
	}
	out := playwright.PagePdfOptions{
		Landscape:       playwright.Bool(opts.Landscape),
		PrintBackground: playwright.Bool(opts.PrintBackground == nil || *opts.PrintBackground),
	}
	if opts.Format != "" {
		out.Format = playwright.String(opts.Format)
	}
	if m := opts.Margin; m != nil {
		out.Margin = &playwright.Margin{
			Top:    playwright.String(m.Top),
			Right:  playwright.String(m.Right),
			Bottom: playwright.String(m.Bottom),
			Left:   playwright.String(m.Left),
		}
	}
	return out
}

// timeoutMillis converts the time left on ctx into a Playwright timeout.
// Zero would mean no timeout, so the result is at least one millisecond.
func timeoutMillis(ctx context.Context) float64 {
	deadline, ok := ctx.Deadline()
	if !ok {
		return float64(DefaultOperationTimeout.Milliseconds())
	}
	ms := float64(time.Until(deadline).Milliseconds())
	if ms < 1 {
		ms = 1
	}
	return ms
}
