package extraction

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/entrhq/waypoint/pkg/llm"
	"github.com/entrhq/waypoint/pkg/types"
)

// CheckPagination classifies, from a screenshot alone, whether more items are
// reachable and how: scrolling, a next-page control, or a load-more control.
// The verdict is advisory; the loop executor decides what to do with it.
// Unparseable model output resolves to "no more items" rather than an error.
func (e *Engine) CheckPagination(ctx context.Context, page Page, itemCount int) (*types.PaginationCheck, error) {
	shot, err := page.Screenshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("screenshot capture failed: %w", err)
	}

	prompt := fmt.Sprintf(`This screenshot shows a page from which %d items have been collected so far.
Decide whether more items can be reached and how.

Respond with JSON:
{"hasMore": true|false, "action": "scroll_down|click_next|click_load_more|none", "selectorHint": "<css selector or visible label of the control, if any>"}`, itemCount)

	resp, err := e.client.Complete(ctx, &llm.Request{
		Model:    e.visionModel,
		JSONOnly: true,
		Messages: []llm.Message{llm.NewImageMessage(prompt, "image/png", shot)},
	})
	if err != nil {
		return nil, err
	}

	content := stripFences(resp.Content)
	hasMore := gjson.Get(content, "hasMore")
	if !hasMore.Exists() {
		log.Warnf("pagination check returned malformed output, assuming exhausted: %s", snippet(content))
		return &types.PaginationCheck{HasMore: false, Action: types.PaginationNone}, nil
	}

	check := &types.PaginationCheck{
		HasMore:      hasMore.Bool(),
		Action:       normalizeAction(gjson.Get(content, "action").String()),
		SelectorHint: gjson.Get(content, "selectorHint").String(),
	}
	if !check.HasMore {
		check.Action = types.PaginationNone
	}
	return check, nil
}

func normalizeAction(action string) types.PaginationAction {
	switch types.PaginationAction(action) {
	case types.PaginationScrollDown, types.PaginationClickNext, types.PaginationClickLoadMore:
		return types.PaginationAction(action)
	default:
		return types.PaginationNone
	}
}

func snippet(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
