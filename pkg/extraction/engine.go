// Package extraction implements the multi-tier extraction engine: structured
// data is pulled from an arbitrary web page via three increasingly expensive
// strategies (tabular snapshot, structured DOM, then vision) with transient
// error retry and deterministic fallback ordering.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"github.com/tidwall/gjson"

	"github.com/entrhq/waypoint/pkg/browser"
	"github.com/entrhq/waypoint/pkg/llm"
	"github.com/entrhq/waypoint/pkg/llm/tokenizer"
	"github.com/entrhq/waypoint/pkg/logging"
	"github.com/entrhq/waypoint/pkg/types"
)

var log *logging.Logger

func init() {
	var err error
	log, err = logging.NewLogger("extraction")
	if err != nil {
		log.Warnf("failed to initialize extraction logger, using stderr fallback: %v", err)
	}
}

// Page is the page-capability surface the engine reads from. It is satisfied
// by browser.Page; tests substitute fakes.
type Page interface {
	URL() string
	ElementTree(ctx context.Context) (*browser.DocumentTree, error)
	GridSnapshot(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
}

// structuredDocumentPatterns are URL patterns for structured-document
// surfaces (spreadsheet-like pages) served by the snapshot tier.
var structuredDocumentPatterns = []string{
	"*docs.google.com/spreadsheets*",
	"*sheets.google.com*",
	"*airtable.com*",
	"*smartsheet.com*",
	"*.officeapps.live.com*",
	"*onedrive.live.com*excel*",
}

const (
	// contentTokenBudget bounds page content included in prompts.
	contentTokenBudget = 8000
)

// Engine extracts structured data and loop items from live pages.
type Engine struct {
	client      llm.Client
	model       string
	visionModel string
	patterns    []glob.Glob
}

// Option configures an Engine.
type Option func(*Engine)

// WithModel sets the text completion model.
func WithModel(model string) Option {
	return func(e *Engine) { e.model = model }
}

// WithVisionModel sets the vision-capable model used by the vision tier and
// pagination checks.
func WithVisionModel(model string) Option {
	return func(e *Engine) { e.visionModel = model }
}

// WithStructuredDocumentPatterns overrides the URL patterns that route
// extraction to the snapshot tier.
func WithStructuredDocumentPatterns(patterns []string) Option {
	return func(e *Engine) {
		e.patterns = compilePatterns(patterns)
	}
}

// NewEngine creates an extraction engine backed by the given completion
// client.
func NewEngine(client llm.Client, opts ...Option) *Engine {
	e := &Engine{
		client:   client,
		patterns: compilePatterns(structuredDocumentPatterns),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func compilePatterns(patterns []string) []glob.Glob {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			log.Warnf("skipping invalid structured-document pattern %q: %v", p, err)
			continue
		}
		globs = append(globs, g)
	}
	return globs
}

// isStructuredDocument reports whether the URL belongs to a spreadsheet-like
// surface whose DOM is not worth reading.
func (e *Engine) isStructuredDocument(url string) bool {
	for _, g := range e.patterns {
		if g.Match(url) {
			return true
		}
	}
	return false
}

// Extract pulls structured data matching goal (and schema, when supplied)
// from the page. Structured-document surfaces are served exclusively by the
// snapshot tier; all other pages try the structured-DOM tier with transient
// retry, then fall back to vision on error. Whichever tier succeeds, the
// result is shaped by ValidateAndFill so every schema key is present.
func (e *Engine) Extract(ctx context.Context, page Page, goal string, schema *types.ParsedSchema) (map[string]interface{}, error) {
	if e.isStructuredDocument(page.URL()) {
		data, err := e.extractFromSnapshot(ctx, page, goal, schema)
		if err != nil {
			return nil, err
		}
		return ValidateAndFill(schema, data), nil
	}

	data, err := withRetry(ctx, backoffBase, func() (map[string]interface{}, error) {
		return e.extractFromTree(ctx, page, goal, schema)
	})
	if err != nil {
		log.Warnf("structured extraction failed, falling back to vision: %v", err)
		data, err = e.extractFromVision(ctx, page, goal, schema)
		if err != nil {
			return nil, err
		}
	}

	return ValidateAndFill(schema, data), nil
}

// extractFromSnapshot serves structured-document surfaces from a bounded
// tabular snapshot; it never touches the DOM tier.
func (e *Engine) extractFromSnapshot(ctx context.Context, page Page, goal string, schema *types.ParsedSchema) (map[string]interface{}, error) {
	snapshot, err := page.GridSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot capture failed: %w", err)
	}

	prompt := fmt.Sprintf("Extract the following from this spreadsheet snapshot.\nGoal: %s\n%s\nSnapshot (tab-separated cells):\n%s\n\nRespond with a single JSON object.",
		goal, schemaClause(schema), tokenizer.Truncate(snapshot, contentTokenBudget))

	resp, err := e.client.Complete(ctx, &llm.Request{
		Model:    e.model,
		JSONOnly: true,
		Messages: []llm.Message{llm.NewUserMessage(prompt)},
	})
	if err != nil {
		return nil, err
	}
	return parseObject(resp.Content)
}

// extractFromTree is the structured-DOM tier: one attempt against the live
// document's element tree.
func (e *Engine) extractFromTree(ctx context.Context, page Page, goal string, schema *types.ParsedSchema) (map[string]interface{}, error) {
	tree, err := page.ElementTree(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to capture element tree: %w", err)
	}

	prompt := fmt.Sprintf("Extract the following from this web page.\nGoal: %s\n%s\nPage title: %s\nPage URL: %s\n\nElement tree:\n%s\n\nRespond with a single JSON object.",
		goal, schemaClause(schema), tree.Title, page.URL(), tokenizer.Truncate(tree.Outline, contentTokenBudget))

	resp, err := e.client.Complete(ctx, &llm.Request{
		Model:    e.model,
		JSONOnly: true,
		Messages: []llm.Message{llm.NewUserMessage(prompt)},
	})
	if err != nil {
		return nil, err
	}
	return parseObject(resp.Content)
}

// extractFromVision is the last-resort tier: a full-page screenshot goes to a
// vision-capable model.
func (e *Engine) extractFromVision(ctx context.Context, page Page, goal string, schema *types.ParsedSchema) (map[string]interface{}, error) {
	shot, err := page.Screenshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("screenshot capture failed: %w", err)
	}

	prompt := fmt.Sprintf("Extract the following from this screenshot of a web page.\nGoal: %s\n%s\nRespond with a single JSON object.",
		goal, schemaClause(schema))

	resp, err := e.client.Complete(ctx, &llm.Request{
		Model:    e.visionModel,
		JSONOnly: true,
		Messages: []llm.Message{llm.NewImageMessage(prompt, "image/png", shot)},
	})
	if err != nil {
		return nil, err
	}
	return parseObject(resp.Content)
}

// schemaClause renders a schema instruction line, or "" without a schema.
func schemaClause(schema *types.ParsedSchema) string {
	if schema == nil {
		return ""
	}
	fields, err := json.Marshal(schema.Properties)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("Fields to fill (name: type): %s\n", fields)
}

// parseObject leniently parses a model response into a JSON object. Code
// fences and surrounding prose are tolerated; failures are reported as
// malformed model output so the retry layer classifies them as transient.
func parseObject(content string) (map[string]interface{}, error) {
	candidate := strings.TrimSpace(stripFences(content))

	if !gjson.Valid(candidate) || !gjson.Parse(candidate).IsObject() {
		start := strings.Index(candidate, "{")
		end := strings.LastIndex(candidate, "}")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("malformed model output: no JSON object in response")
		}
		candidate = candidate[start : end+1]
	}

	var out map[string]interface{}
	if err := json.Unmarshal([]byte(candidate), &out); err != nil {
		return nil, fmt.Errorf("malformed model output: %w", err)
	}
	return out, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}
