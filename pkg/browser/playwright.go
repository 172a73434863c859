package browser

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/playwright-community/playwright-go"
)

// Default values for page operations.
const (
	DefaultNavigationTimeout = 30000.0 // milliseconds
	DefaultActionTimeout     = 10000.0 // milliseconds
	DefaultTreeMaxChars      = 40000

	// GridMaxRows and GridMaxCols bound the tabular snapshot window: at
	// most this many rows around the current selection, and columns up to
	// the rightmost bound.
	GridMaxRows = 100
	GridMaxCols = 26
)

// PlaywrightPage adapts a playwright.Page to the Page interface.
type PlaywrightPage struct {
	page         playwright.Page
	treeMaxChars int
}

// WrapPage wraps an existing Playwright page.
func WrapPage(page playwright.Page) *PlaywrightPage {
	return &PlaywrightPage{
		page:         page,
		treeMaxChars: DefaultTreeMaxChars,
	}
}

// Raw returns the underlying Playwright page.
func (p *PlaywrightPage) Raw() playwright.Page { return p.page }

// URL returns the page's current URL.
func (p *PlaywrightPage) URL() string { return p.page.URL() }

// Goto loads a URL, waiting for DOM content.
func (p *PlaywrightPage) Goto(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(DefaultNavigationTimeout),
	})
	if err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

// ElementTree captures the cleaned content/interactive element tree.
func (p *PlaywrightPage) ElementTree(ctx context.Context) (*DocumentTree, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content, err := p.page.Content()
	if err != nil {
		return nil, fmt.Errorf("failed to read page content: %w", err)
	}
	return captureTree(content, p.treeMaxChars)
}

// GridSnapshot captures a bounded tabular cell range from the page's grid
// surface. Returns "" when the page holds no table or grid.
func (p *PlaywrightPage) GridSnapshot(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	result, err := p.page.Evaluate(fmt.Sprintf(gridSnapshotJS, GridMaxRows, GridMaxCols))
	if err != nil {
		return "", fmt.Errorf("grid snapshot failed: %w", err)
	}
	snapshot, _ := result.(string)
	return snapshot, nil
}

// Screenshot captures a full-page PNG.
func (p *PlaywrightPage) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := p.page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return data, nil
}

// Act performs a single page manipulation.
func (p *PlaywrightPage) Act(ctx context.Context, action Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch action.Kind {
	case ActionClick:
		if action.Selector == "" {
			return fmt.Errorf("click requires a selector")
		}
		return p.page.Click(action.Selector, playwright.PageClickOptions{
			Timeout: playwright.Float(DefaultActionTimeout),
		})

	case ActionFill:
		if action.Selector == "" {
			return fmt.Errorf("fill requires a selector")
		}
		return p.page.Fill(action.Selector, action.Value, playwright.PageFillOptions{
			Timeout: playwright.Float(DefaultActionTimeout),
		})

	case ActionPress:
		if action.Selector != "" {
			return p.page.Press(action.Selector, action.Value, playwright.PagePressOptions{
				Timeout: playwright.Float(DefaultActionTimeout),
			})
		}
		return p.page.Keyboard().Press(action.Value)

	case ActionScroll:
		_, err := p.page.Evaluate("window.scrollBy(0, window.innerHeight)")
		return err

	case ActionNavigate:
		return p.Goto(ctx, action.Value)

	case ActionWait:
		p.page.WaitForTimeout(1000)
		return nil
	}

	return fmt.Errorf("unsupported action kind %q", action.Kind)
}

// Observe lists interactive element candidates on the current page.
func (p *PlaywrightPage) Observe(ctx context.Context) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result, err := p.page.Evaluate(observeJS)
	if err != nil {
		return nil, fmt.Errorf("observe failed: %w", err)
	}
	raw, _ := result.(string)
	var candidates []Candidate
	if err := json.Unmarshal([]byte(raw), &candidates); err != nil {
		return nil, fmt.Errorf("failed to decode observe result: %w", err)
	}
	return candidates, nil
}

// gridSnapshotJS reads a bounded window of cells from the page's primary
// table or ARIA grid, centered on the active cell when one is focused.
// Formatted with (maxRows, maxCols).
const gridSnapshotJS = `(() => {
	const grid = document.querySelector('table, [role="grid"]');
	if (!grid) return '';
	const maxRows = %d, maxCols = %d;
	const rows = Array.from(grid.querySelectorAll('tr, [role="row"]'));
	if (rows.length === 0) return '';
	let start = 0;
	const active = document.activeElement && document.activeElement.closest('tr, [role="row"]');
	if (active) {
		const i = rows.indexOf(active);
		if (i >= 0) start = Math.max(0, i - Math.floor(maxRows / 2));
	}
	const lines = [];
	for (const row of rows.slice(start, start + maxRows)) {
		const cells = Array.from(row.querySelectorAll('td, th, [role="gridcell"], [role="columnheader"]'));
		lines.push(cells.slice(0, maxCols).map(c => (c.innerText || '').trim().replace(/\s+/g, ' ')).join('\t'));
	}
	return lines.join('\n');
})()`

// observeJS collects interactive elements with stable selectors.
const observeJS = `(() => {
	const nodes = document.querySelectorAll('a, button, input, select, textarea, [role="button"], [role="link"], [onclick]');
	const out = [];
	const seen = new Set();
	const selectorFor = (el) => {
		if (el.id) return '#' + CSS.escape(el.id);
		const parts = [];
		let cur = el;
		while (cur && cur.nodeType === 1 && parts.length < 5) {
			let part = cur.tagName.toLowerCase();
			const parent = cur.parentElement;
			if (parent) {
				const siblings = Array.from(parent.children).filter(c => c.tagName === cur.tagName);
				if (siblings.length > 1) part += ':nth-of-type(' + (siblings.indexOf(cur) + 1) + ')';
			}
			parts.unshift(part);
			if (cur.id) { parts[0] = '#' + CSS.escape(cur.id); break; }
			cur = parent;
		}
		return parts.join(' > ');
	};
	for (const el of nodes) {
		if (out.length >= 100) break;
		const rect = el.getBoundingClientRect();
		if (rect.width === 0 && rect.height === 0) continue;
		const sel = selectorFor(el);
		if (seen.has(sel)) continue;
		seen.add(sel);
		out.push({
			selector: sel,
			role: el.getAttribute('role') || el.tagName.toLowerCase(),
			text: (el.innerText || el.value || el.getAttribute('aria-label') || '').trim().slice(0, 120),
		});
	}
	return JSON.stringify(out);
})()`
