package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/entrhq/waypoint/pkg/llm"
	"github.com/entrhq/waypoint/pkg/llm/tokenizer"
	"github.com/entrhq/waypoint/pkg/types"
)

// IdentifyLoopItems discovers the items described by description on the
// current page, returning only items whose fingerprints are not already in
// known. Tier ordering matches Extract (snapshot for structured-document
// surfaces, otherwise structured DOM then vision), with one difference: the
// structured-DOM tier falls back to vision when it throws or when it yields
// zero new items, since a page may render items only visually. When both
// tiers yield zero new items the empty result is returned as success.
func (e *Engine) IdentifyLoopItems(ctx context.Context, page Page, description string, known map[string]bool) ([]types.ExtractionItem, error) {
	if e.isStructuredDocument(page.URL()) {
		raw, err := e.itemsFromSnapshot(ctx, page, description)
		if err != nil {
			return nil, err
		}
		return dedupeItems(raw, known), nil
	}

	raw, err := withRetry(ctx, backoffBase, func() ([]map[string]interface{}, error) {
		return e.itemsFromTree(ctx, page, description)
	})
	items := dedupeItems(raw, known)
	if err == nil && len(items) > 0 {
		return items, nil
	}
	if err != nil {
		log.Warnf("structured item discovery failed, falling back to vision: %v", err)
	}

	rawVision, visionErr := e.itemsFromVision(ctx, page, description)
	if visionErr != nil {
		if err == nil {
			// Structured succeeded with zero new items; that is a valid
			// outcome for small pages.
			return items, nil
		}
		return nil, visionErr
	}
	return dedupeItems(rawVision, known), nil
}

func (e *Engine) itemsFromSnapshot(ctx context.Context, page Page, description string) ([]map[string]interface{}, error) {
	snapshot, err := page.GridSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot capture failed: %w", err)
	}

	prompt := fmt.Sprintf("List the items described below from this spreadsheet snapshot.\nItems: %s\n\nSnapshot (tab-separated cells):\n%s\n\n%s",
		description, tokenizer.Truncate(snapshot, contentTokenBudget), itemsFormatClause)

	return e.completeItems(ctx, e.model, []llm.Message{llm.NewUserMessage(prompt)})
}

func (e *Engine) itemsFromTree(ctx context.Context, page Page, description string) ([]map[string]interface{}, error) {
	tree, err := page.ElementTree(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to capture element tree: %w", err)
	}

	prompt := fmt.Sprintf("List the items described below from this web page.\nItems: %s\n\nPage title: %s\nPage URL: %s\n\nElement tree:\n%s\n\n%s",
		description, tree.Title, page.URL(), tokenizer.Truncate(tree.Outline, contentTokenBudget), itemsFormatClause)

	return e.completeItems(ctx, e.model, []llm.Message{llm.NewUserMessage(prompt)})
}

func (e *Engine) itemsFromVision(ctx context.Context, page Page, description string) ([]map[string]interface{}, error) {
	shot, err := page.Screenshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("screenshot capture failed: %w", err)
	}

	prompt := fmt.Sprintf("List the items described below from this screenshot of a web page.\nItems: %s\n\n%s", description, itemsFormatClause)

	return e.completeItems(ctx, e.visionModel, []llm.Message{llm.NewImageMessage(prompt, "image/png", shot)})
}

const itemsFormatClause = `Respond with JSON: {"items": [{...}, ...]} where each entry is a flat object describing one item. Return {"items": []} when none are visible.`

func (e *Engine) completeItems(ctx context.Context, model string, messages []llm.Message) ([]map[string]interface{}, error) {
	resp, err := e.client.Complete(ctx, &llm.Request{
		Model:    model,
		JSONOnly: true,
		Messages: messages,
	})
	if err != nil {
		return nil, err
	}
	return parseItems(resp.Content)
}

// parseItems leniently parses a model response into a list of item objects.
// Accepts {"items": [...]} as well as a bare top-level array.
func parseItems(content string) ([]map[string]interface{}, error) {
	candidate := strings.TrimSpace(stripFences(content))

	itemsField := gjson.Get(candidate, "items")
	if itemsField.IsArray() {
		candidate = itemsField.Raw
	} else if !gjson.Valid(candidate) || !gjson.Parse(candidate).IsArray() {
		return nil, fmt.Errorf("malformed model output: no item array in response")
	}

	var items []map[string]interface{}
	if err := json.Unmarshal([]byte(candidate), &items); err != nil {
		return nil, fmt.Errorf("malformed model output: %w", err)
	}
	return items, nil
}

// dedupeItems fingerprints raw items and filters out already-known ones as
// well as duplicates within the batch.
func dedupeItems(raw []map[string]interface{}, known map[string]bool) []types.ExtractionItem {
	items := make([]types.ExtractionItem, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, data := range raw {
		if data == nil {
			continue
		}
		fp := Fingerprint(data)
		if known[fp] || seen[fp] {
			continue
		}
		seen[fp] = true
		items = append(items, types.ExtractionItem{Fingerprint: fp, Data: data})
	}
	return items
}
