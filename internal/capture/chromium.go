// Package capture screenshots a web page with headless Chromium so that a
// dashboard or any HTML page can be shown on the frame.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/chromedp/chromedp"

	"photoframe/internal/framebuffer"
	appLog "photoframe/internal/log"
)

// Default capture parameters: one panel's worth of landscape pixels.
const (
	DefaultWidth   = framebuffer.Width
	DefaultHeight  = framebuffer.Height
	DefaultTimeout = 30 * time.Second
	DefaultSettle  = 500 * time.Millisecond
)

// Options defines parameters for a Chromium-based screenshot capture.
type Options struct {
	// URL to capture, e.g. "http://127.0.0.1:3000/dashboard".
	URL string

	// Width and Height are the viewport dimensions in pixels. If zero,
	// DefaultWidth / DefaultHeight are used.
	Width  int
	Height int

	// WaitSelector, if set, must be visible before the screenshot is
	// taken, e.g. `[data-ready="true"]`. Otherwise the body is awaited.
	WaitSelector string

	// Settle is an extra delay for final paints.
	Settle time.Duration

	// Timeout bounds the entire capture operation.
	Timeout time.Duration

	// OutputPath, if set, also receives the PNG.
	OutputPath string
}

func (o *Options) normalize() error {
	if o.URL == "" {
		return errors.New("capture: URL is required")
	}
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	if o.WaitSelector == "" {
		o.WaitSelector = "body"
	}
	if o.Settle <= 0 {
		o.Settle = DefaultSettle
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return nil
}

// tasks is the chromedp action list for one capture.
func (o *Options) tasks(png *[]byte) chromedp.Tasks {
	return chromedp.Tasks{
		chromedp.EmulateViewport(int64(o.Width), int64(o.Height)),
		chromedp.Navigate(o.URL),
		chromedp.WaitVisible(o.WaitSelector, chromedp.ByQuery),
		chromedp.Sleep(o.Settle),
		chromedp.CaptureScreenshot(png),
	}
}

// Screenshot launches headless Chromium via chromedp, loads opts.URL, waits
// for the page to be ready and returns a viewport-sized PNG.
func Screenshot(parentCtx context.Context, opts Options) ([]byte, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parentCtx,
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.DisableGPU,
			chromedp.WindowSize(opts.Width, opts.Height),
		)...)
	defer allocCancel()

	ctx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	ctx, timeoutCancel := context.WithTimeout(ctx, opts.Timeout)
	defer timeoutCancel()

	start := time.Now()
	var png []byte
	if err := chromedp.Run(ctx, opts.tasks(&png)); err != nil {
		return nil, fmt.Errorf("capture: chromedp run failed: %w", err)
	}
	appLog.Info("page captured", "bytes", len(png), "width", opts.Width, "height", opts.Height,
		"elapsed_ms", time.Since(start).Milliseconds())

	if opts.OutputPath != "" {
		if err := os.WriteFile(opts.OutputPath, png, 0o644); err != nil {
			return nil, fmt.Errorf("capture: failed to write PNG: %w", err)
		}
	}
	return png, nil
}
