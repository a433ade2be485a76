// Package web provides the opaque web-lookup capability: fetch a URL
// in a headless browser and return its visible text, bounded. The core
// only depends on the Analyzer signature.
package web

import "context"

// Analyzer summarizes the content behind a URL. A nil error with an
// empty string means the page yielded nothing useful.
type Analyzer interface {
	AnalyzeURL(ctx context.Context, url string) (string, error)
}
