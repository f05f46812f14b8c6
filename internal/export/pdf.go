package export

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// Paper is a page size in inches.
type Paper struct {
	Width, Height float64
}

var (
	PaperLetter = Paper{Width: 8.5, Height: 11}
	PaperA4     = Paper{Width: 8.27, Height: 11.69}
)

// PaperByName maps "a4" to PaperA4 and everything else to PaperLetter.
func PaperByName(name string) Paper {
	if strings.EqualFold(strings.TrimSpace(name), "a4") {
		return PaperA4
	}
	return PaperLetter
}

const pdfFooter = `<div style="font-size:8px;width:100%;text-align:center;color:#667085;">` +
	`<span class="title"></span> &middot; page <span class="pageNumber"></span> of <span class="totalPages"></span></div>`

// ChromePDF prints HTML to PDF with headless Chrome. When RemoteURL is set
// it attaches to a running browser's DevTools endpoint instead of
// launching a local chromium.
type ChromePDF struct {
	RemoteURL string
	Timeout   time.Duration
	Paper     Paper
}

func NewChromePDF(remoteURL string, paper Paper) *ChromePDF {
	return &ChromePDF{RemoteURL: strings.TrimSpace(remoteURL), Timeout: 30 * time.Second, Paper: paper}
}

func (c *ChromePDF) allocator(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if c.RemoteURL != "" {
		allocCtx, cancel := chromedp.NewRemoteAllocator(ctx, c.RemoteURL)
		return allocCtx, cancel, nil
	}
	var binary string
	for _, name := range []string{"chromium", "chromium-browser", "google-chrome"} {
		if path, err := exec.LookPath(name); err == nil {
			binary = path
			break
		}
	}
	if binary == "" {
		return nil, nil, fmt.Errorf("%w: no chromium binary on PATH", ErrPDFDependencyMissing)
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(binary),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	return allocCtx, cancel, nil
}

// RenderPDF loads html into a blank tab and prints it with a page-number
// footer.
func (c *ChromePDF) RenderPDF(ctx context.Context, html string) ([]byte, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	paper := c.Paper
	if paper.Width <= 0 || paper.Height <= 0 {
		paper = PaperLetter
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	allocCtx, cancelAlloc, err := c.allocator(ctx)
	if err != nil {
		return nil, err
	}
	defer cancelAlloc()

	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	var out []byte
	err = chromedp.Run(taskCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
		}),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			out, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(paper.Width).
				WithPaperHeight(paper.Height).
				WithMarginTop(0.6).
				WithMarginBottom(0.8).
				WithMarginLeft(0.6).
				WithMarginRight(0.6).
				WithDisplayHeaderFooter(true).
				WithHeaderTemplate("<span></span>").
				WithFooterTemplate(pdfFooter).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chrome pdf generation failed: %w", err)
	}
	return out, nil
}
