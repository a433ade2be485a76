package mocks

import (
	"context"
	"sync"

	"meshbridge/internal/web"
)

// Ensure StubAnalyzer implements web.Analyzer.
var _ web.Analyzer = (*StubAnalyzer)(nil)

// StubAnalyzer returns a fixed result for every URL and records what it
// was asked to analyze.
type StubAnalyzer struct {
	mu   sync.Mutex
	urls []string

	Result string
	Err    error
}

// AnalyzeURL records the URL and returns the configured result.
func (s *StubAnalyzer) AnalyzeURL(_ context.Context, url string) (string, error) {
	s.mu.Lock()
	s.urls = append(s.urls, url)
	s.mu.Unlock()
	if s.Err != nil {
		return "", s.Err
	}
	return s.Result, nil
}

// URLs returns a copy of every analyzed URL.
func (s *StubAnalyzer) URLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.urls...)
}
