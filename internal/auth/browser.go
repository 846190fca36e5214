package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

// BrowserOptions parameterise the credential capture session.
type BrowserOptions struct {
	PageURL          string
	InterceptURLPart string
	HeaderName       string
	WaitTimeout      time.Duration
	ExecPath         string
	Headless         bool
}

// BrowserRefresher drives a headless browser to the source page and captures
// the authorization header from the first intercepted API request.
type BrowserRefresher struct {
	opts   BrowserOptions
	logger zerolog.Logger
}

// NewBrowserRefresher constructs a browser-based credential refresher.
func NewBrowserRefresher(opts BrowserOptions, logger zerolog.Logger) *BrowserRefresher {
	if opts.HeaderName == "" {
		opts.HeaderName = "Authorization"
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 15 * time.Second
	}
	return &BrowserRefresher{
		opts:   opts,
		logger: logger.With().Str("component", "browser_refresher").Logger(),
	}
}

// Refresh navigates the source page and waits, bounded, for a request whose
// URL matches the intercept pattern. The browser is released on every path.
func (b *BrowserRefresher) Refresh(ctx context.Context) (Credential, error) {
	if b.opts.PageURL == "" {
		return Credential{}, errors.New("browser page url not configured")
	}
	if b.opts.InterceptURLPart == "" {
		return Credential{}, errors.New("browser intercept pattern not configured")
	}

	allocOpts := chromedp.DefaultExecAllocatorOptions[:]
	if b.opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(b.opts.ExecPath))
	}
	if !b.opts.Headless {
		allocOpts = append(allocOpts, chromedp.Flag("headless", false))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	browserCtx, cancelWait := context.WithTimeout(browserCtx, b.opts.WaitTimeout)
	defer cancelWait()

	headerCh := make(chan string, 1)
	chromedp.ListenTarget(browserCtx, func(ev interface{}) {
		req, ok := ev.(*network.EventRequestWillBeSent)
		if !ok {
			return
		}
		if !strings.Contains(req.Request.URL, b.opts.InterceptURLPart) {
			return
		}
		raw, ok := req.Request.Headers[b.opts.HeaderName]
		if !ok {
			return
		}
		header, ok := raw.(string)
		if !ok || header == "" {
			return
		}
		select {
		case headerCh <- header:
		default:
		}
	})

	b.logger.Debug().Str("page", b.opts.PageURL).Msg("launching capture session")
	if err := chromedp.Run(browserCtx, network.Enable(), chromedp.Navigate(b.opts.PageURL)); err != nil {
		return Credential{}, fmt.Errorf("navigate source page: %w", err)
	}

	select {
	case header := <-headerCh:
		b.logger.Info().Msg("authorization header captured")
		return Credential{Header: header}, nil
	case <-browserCtx.Done():
		return Credential{}, fmt.Errorf("wait for intercepted credential: %w", browserCtx.Err())
	}
}

var _ Refresher = (*BrowserRefresher)(nil)
