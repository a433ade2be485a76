package mocks

import (
	"context"
	"sync"

	"meshbridge/internal/llm"
)

// Ensure ScriptedLLM implements llm.Client.
var _ llm.Client = (*ScriptedLLM)(nil)

// ScriptedLLM returns canned responses in order and records every
// request. When the script runs out it repeats the last entry, so a
// single-response script behaves like a fixed stub.
type ScriptedLLM struct {
	mu sync.Mutex

	completions []string
	completeIdx int
	summaries   []string
	summaryIdx  int
	verdicts    []string
	verdictIdx  int

	completeRequests []llm.CompletionRequest
	summarizeInputs  []string
	classifyQueries  []string

	// Errors returned instead of the scripted value when set.
	CompleteErr  error
	SummarizeErr error
	ClassifyErr  error
}

// NewScriptedLLM builds a client that replies with the given
// completions in order.
func NewScriptedLLM(completions ...string) *ScriptedLLM {
	return &ScriptedLLM{completions: completions}
}

// ScriptSummaries sets the canned Summarize outputs.
func (s *ScriptedLLM) ScriptSummaries(summaries ...string) *ScriptedLLM {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = summaries
	return s
}

// ScriptVerdicts sets the canned Classify outputs.
func (s *ScriptedLLM) ScriptVerdicts(verdicts ...string) *ScriptedLLM {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdicts = verdicts
	return s
}

// Complete returns the next scripted completion.
func (s *ScriptedLLM) Complete(_ context.Context, req llm.CompletionRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completeRequests = append(s.completeRequests, req)
	if s.CompleteErr != nil {
		return "", s.CompleteErr
	}
	return nextScripted(s.completions, &s.completeIdx), nil
}

// Summarize returns the next scripted summary.
func (s *ScriptedLLM) Summarize(_ context.Context, text string, _ int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summarizeInputs = append(s.summarizeInputs, text)
	if s.SummarizeErr != nil {
		return "", s.SummarizeErr
	}
	return nextScripted(s.summaries, &s.summaryIdx), nil
}

// Classify returns the next scripted verdict.
func (s *ScriptedLLM) Classify(_ context.Context, _, query string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classifyQueries = append(s.classifyQueries, query)
	if s.ClassifyErr != nil {
		return "", s.ClassifyErr
	}
	return nextScripted(s.verdicts, &s.verdictIdx), nil
}

// CompleteRequests returns a copy of all recorded completion requests.
func (s *ScriptedLLM) CompleteRequests() []llm.CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.CompletionRequest(nil), s.completeRequests...)
}

// SummarizeInputs returns a copy of all texts handed to Summarize.
func (s *ScriptedLLM) SummarizeInputs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.summarizeInputs...)
}

// ClassifyQueries returns a copy of all triage queries.
func (s *ScriptedLLM) ClassifyQueries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.classifyQueries...)
}

func nextScripted(script []string, idx *int) string {
	if len(script) == 0 {
		return ""
	}
	i := *idx
	if i >= len(script) {
		i = len(script) - 1
	} else {
		*idx++
	}
	return script[i]
}
