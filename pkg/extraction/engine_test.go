package extraction

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/waypoint/pkg/browser"
	"github.com/entrhq/waypoint/pkg/llm"
)

// fakeClient scripts completion responses and records every request.
type fakeClient struct {
	mu      sync.Mutex
	calls   []*llm.Request
	respond func(req *llm.Request) (*llm.Response, error)
}

func (f *fakeClient) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.respond(req)
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// hasImages reports whether any recorded request carried an image (i.e. the
// vision tier was used).
func (f *fakeClient) visionCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, req := range f.calls {
		for _, m := range req.Messages {
			if len(m.Images) > 0 {
				n++
				break
			}
		}
	}
	return n
}

func textResponse(content string) (*llm.Response, error) {
	return &llm.Response{Content: content}, nil
}

// fakePage implements the engine's Page surface in memory.
type fakePage struct {
	url       string
	outline   string
	treeErr   error
	snapshot  string
	snapErr   error
	shotErr   error
	treeCalls int
	snapCalls int
	shotCalls int
}

func (p *fakePage) URL() string { return p.url }

func (p *fakePage) ElementTree(ctx context.Context) (*browser.DocumentTree, error) {
	p.treeCalls++
	if p.treeErr != nil {
		return nil, p.treeErr
	}
	return &browser.DocumentTree{Title: "Test Page", Outline: p.outline}, nil
}

func (p *fakePage) GridSnapshot(ctx context.Context) (string, error) {
	p.snapCalls++
	return p.snapshot, p.snapErr
}

func (p *fakePage) Screenshot(ctx context.Context) ([]byte, error) {
	p.shotCalls++
	if p.shotErr != nil {
		return nil, p.shotErr
	}
	return []byte("png-bytes"), nil
}

func TestExtractUsesTreeTier(t *testing.T) {
	client := &fakeClient{respond: func(req *llm.Request) (*llm.Response, error) {
		return textResponse(`{"price": 19.99}`)
	}}
	page := &fakePage{url: "https://shop.example.com/item", outline: "<main>Widget $19.99</main>"}
	e := NewEngine(client)

	data, err := e.Extract(context.Background(), page, "get the price", ParseSchema(`{"price": "number"}`))
	require.NoError(t, err)
	assert.Equal(t, 19.99, data["price"])
	assert.Equal(t, 1, page.treeCalls)
	assert.Equal(t, 0, page.shotCalls)
	assert.Equal(t, 0, page.snapCalls)
}

func TestExtractStructuredDocumentUsesSnapshotOnly(t *testing.T) {
	client := &fakeClient{respond: func(req *llm.Request) (*llm.Response, error) {
		return textResponse(`{"total": 42}`)
	}}
	page := &fakePage{
		url:      "https://docs.google.com/spreadsheets/d/abc/edit",
		snapshot: "A1\tB1\nA2\tB2",
	}
	e := NewEngine(client)

	data, err := e.Extract(context.Background(), page, "get the total", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(42), data["total"])
	assert.Equal(t, 1, page.snapCalls)
	assert.Equal(t, 0, page.treeCalls)
	assert.Equal(t, 0, page.shotCalls)
}

func TestExtractFallsBackToVisionOnTreeFailure(t *testing.T) {
	client := &fakeClient{respond: func(req *llm.Request) (*llm.Response, error) {
		for _, m := range req.Messages {
			if len(m.Images) > 0 {
				return textResponse(`{"price": 5}`)
			}
		}
		return nil, errors.New("context length exceeded")
	}}
	page := &fakePage{url: "https://example.com", outline: "huge page"}
	e := NewEngine(client)

	data, err := e.Extract(context.Background(), page, "get the price", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(5), data["price"])
	assert.Equal(t, 1, page.shotCalls)
	assert.Equal(t, 1, client.visionCalls())
}

func TestExtractAppliesSchemaFill(t *testing.T) {
	client := &fakeClient{respond: func(req *llm.Request) (*llm.Response, error) {
		return textResponse(`{"price": 3.5, "surprise": "extra"}`)
	}}
	page := &fakePage{url: "https://example.com", outline: "page"}
	e := NewEngine(client)

	data, err := e.Extract(context.Background(), page, "get details", ParseSchema(`{"price": "number", "name": "string"}`))
	require.NoError(t, err)
	require.Len(t, data, 2)
	assert.Equal(t, 3.5, data["price"])
	assert.Nil(t, data["name"])
	assert.NotContains(t, data, "surprise")
}

func TestExtractToleratesFencedResponse(t *testing.T) {
	client := &fakeClient{respond: func(req *llm.Request) (*llm.Response, error) {
		return textResponse("```json\n{\"name\": \"Widget\"}\n```")
	}}
	page := &fakePage{url: "https://example.com", outline: "page"}
	e := NewEngine(client)

	data, err := e.Extract(context.Background(), page, "get the name", nil)
	require.NoError(t, err)
	assert.Equal(t, "Widget", data["name"])
}

func TestParseObjectSalvagesEmbeddedJSON(t *testing.T) {
	data, err := parseObject(`Here is what I found: {"a": 1} hope that helps`)
	require.NoError(t, err)
	assert.Equal(t, float64(1), data["a"])

	_, err = parseObject("no json here")
	require.Error(t, err)
	assert.True(t, isTransient(err))
}

func TestCheckPaginationParsesVerdict(t *testing.T) {
	client := &fakeClient{respond: func(req *llm.Request) (*llm.Response, error) {
		return textResponse(`{"hasMore": true, "action": "click_next", "selectorHint": ".pagination__next"}`)
	}}
	page := &fakePage{url: "https://example.com"}
	e := NewEngine(client)

	check, err := e.CheckPagination(context.Background(), page, 10)
	require.NoError(t, err)
	assert.True(t, check.HasMore)
	assert.Equal(t, "click_next", string(check.Action))
	assert.Equal(t, ".pagination__next", check.SelectorHint)
}

func TestCheckPaginationNoMoreForcesNone(t *testing.T) {
	client := &fakeClient{respond: func(req *llm.Request) (*llm.Response, error) {
		return textResponse(`{"hasMore": false, "action": "scroll_down"}`)
	}}
	e := NewEngine(client)

	check, err := e.CheckPagination(context.Background(), &fakePage{url: "https://example.com"}, 25)
	require.NoError(t, err)
	assert.False(t, check.HasMore)
	assert.Equal(t, "none", string(check.Action))
}

func TestCheckPaginationMalformedAssumesExhausted(t *testing.T) {
	client := &fakeClient{respond: func(req *llm.Request) (*llm.Response, error) {
		return textResponse("I cannot tell from this screenshot.")
	}}
	e := NewEngine(client)

	check, err := e.CheckPagination(context.Background(), &fakePage{url: "https://example.com"}, 0)
	require.NoError(t, err)
	assert.False(t, check.HasMore)
	assert.Equal(t, "none", string(check.Action))
}

func TestCheckPaginationUnknownActionNormalizes(t *testing.T) {
	client := &fakeClient{respond: func(req *llm.Request) (*llm.Response, error) {
		return textResponse(`{"hasMore": true, "action": "teleport"}`)
	}}
	e := NewEngine(client)

	check, err := e.CheckPagination(context.Background(), &fakePage{url: "https://example.com"}, 0)
	require.NoError(t, err)
	assert.True(t, check.HasMore)
	assert.Equal(t, "none", string(check.Action))
}
