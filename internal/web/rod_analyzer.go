package web

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// Ensure RodAnalyzer implements Analyzer.
var _ Analyzer = (*RodAnalyzer)(nil)

const (
	// defaultPageTimeout bounds one page load plus extraction.
	defaultPageTimeout = 15 * time.Second
	// maxExtractedText bounds the raw text handed back to the caller.
	maxExtractedText = 4000
)

// RodAnalyzer renders pages in a headless Chromium via rod and returns
// the body text. Each call launches a fresh page in a shared browser.
type RodAnalyzer struct {
	browser *rod.Browser
	timeout time.Duration
	logger  *zap.Logger
}

// NewRodAnalyzer launches a headless browser. Call Close when done.
func NewRodAnalyzer(logger *zap.Logger) (*RodAnalyzer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	controlURL, err := launcher.New().Headless(true).Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch headless browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to headless browser: %w", err)
	}

	return &RodAnalyzer{
		browser: browser,
		timeout: defaultPageTimeout,
		logger:  logger,
	}, nil
}

// AnalyzeURL loads the page and returns its visible body text, bounded.
func (a *RodAnalyzer) AnalyzeURL(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	page, err := a.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return "", fmt.Errorf("failed to open page: %w", err)
	}
	defer func() {
		if closeErr := page.Close(); closeErr != nil {
			a.logger.Debug("failed to close page", zap.Error(closeErr))
		}
	}()

	page = page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return "", fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("page load timed out for %s: %w", url, err)
	}

	body, err := page.Element("body")
	if err != nil {
		return "", fmt.Errorf("no body element on %s: %w", url, err)
	}
	text, err := body.Text()
	if err != nil {
		return "", fmt.Errorf("failed to extract text from %s: %w", url, err)
	}

	text = strings.TrimSpace(text)
	if len(text) > maxExtractedText {
		text = text[:maxExtractedText]
	}
	return text, nil
}

// Close shuts the browser down.
func (a *RodAnalyzer) Close() error {
	if a.browser == nil {
		return nil
	}
	return a.browser.Close()
}
