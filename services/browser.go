package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// ChromeDriver drives a headless Chrome instance for the QR login flow.
type ChromeDriver struct {
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewChromeDriver launches a headless browser. The caller must Close it.
func NewChromeDriver() (BrowserDriver, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.WindowSize(1920, 1080),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	ctx, cancel := chromedp.NewContext(allocCtx)

	// Force the browser process to start now so failures surface here.
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	return &ChromeDriver{allocCancel: allocCancel, ctx: ctx, cancel: cancel}, nil
}

// OpenLogin navigates to the SSO page, switches to the WeChat QR tab when
// present, and waits for the QR element.
func (d *ChromeDriver) OpenLogin(loginURL string) error {
	ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
	defer cancel()

	if err := chromedp.Run(ctx,
		network.ClearBrowserCookies(),
		chromedp.Navigate(loginURL),
	); err != nil {
		return err
	}

	// The QR tab may already be active; a failed click is not fatal.
	clickCtx, clickCancel := context.WithTimeout(d.ctx, 5*time.Second)
	if err := chromedp.Run(clickCtx,
		chromedp.Click(`//li[contains(text(), "微信登录")]`, chromedp.BySearch),
	); err != nil {
		log.Printf("[BROWSER] WeChat tab click skipped: %v", err)
	}
	clickCancel()

	waitCtx, waitCancel := context.WithTimeout(d.ctx, 20*time.Second)
	defer waitCancel()
	return chromedp.Run(waitCtx, chromedp.WaitVisible("#wechatQrcode", chromedp.ByID))
}

// QRImage screenshots the QR element.
func (d *ChromeDriver) QRImage() ([]byte, error) {
	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()

	var buf []byte
	if err := chromedp.Run(ctx, chromedp.Screenshot("#wechatQrcode", &buf, chromedp.ByID)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *ChromeDriver) CurrentURL() (string, error) {
	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()

	var loc string
	if err := chromedp.Run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

func (d *ChromeDriver) PageSource() (string, error) {
	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()

	var html string
	if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &html)); err != nil {
		return "", err
	}
	return html, nil
}

// Cookie returns the named cookie from the browser's current session.
func (d *ChromeDriver) Cookie(name string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()

	var value string
	var found bool
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			if c.Name == name {
				value = c.Value
				found = true
				return nil
			}
		}
		return nil
	}))
	if err != nil {
		return "", false, err
	}
	return value, found, nil
}

func (d *ChromeDriver) UserAgent() (string, error) {
	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()

	var ua string
	if err := chromedp.Run(ctx, chromedp.Evaluate("navigator.userAgent", &ua)); err != nil {
		return "", err
	}
	return ua, nil
}

func (d *ChromeDriver) Close() {
	d.cancel()
	d.allocCancel()
}
