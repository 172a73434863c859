// Package browser defines the page-capability surface the workflow engine
// drives, together with a Playwright-backed implementation and the LLM-driven
// action agent built on top of it.
//
// The orchestrator and extraction engine only consume the interfaces in this
// file; tests substitute lightweight fakes.
package browser

import "context"

// ActionKind identifies a single page manipulation primitive.
type ActionKind string

const (
	ActionClick    ActionKind = "click"
	ActionFill     ActionKind = "fill"
	ActionPress    ActionKind = "press"
	ActionScroll   ActionKind = "scroll"
	ActionNavigate ActionKind = "navigate"
	ActionWait     ActionKind = "wait"
)

// Action is one concrete page manipulation. Selector targets the element for
// click/fill/press; Value carries fill text, key names, or navigation URLs.
type Action struct {
	Kind     ActionKind `json:"action"`
	Selector string     `json:"selector,omitempty"`
	Value    string     `json:"value,omitempty"`
}

// Candidate is one interactive element surfaced by Observe.
type Candidate struct {
	Selector string `json:"selector"`
	Role     string `json:"role"`
	Text     string `json:"text"`
}

// DocumentTree is a cleaned, bounded representation of the live document's
// content and interactive elements.
type DocumentTree struct {
	Title     string
	Outline   string
	Truncated bool
}

// Page is the single-tab capability surface. Implementations must tolerate
// being called from one goroutine at a time; the orchestrator never drives a
// page concurrently.
type Page interface {
	// URL returns the page's current URL.
	URL() string

	// Goto loads a URL, waiting for DOM content.
	Goto(ctx context.Context, url string) error

	// ElementTree captures the cleaned content/interactive element tree.
	ElementTree(ctx context.Context) (*DocumentTree, error)

	// GridSnapshot captures a bounded tabular cell range from a
	// structured-document surface. Empty when the page has no grid.
	GridSnapshot(ctx context.Context) (string, error)

	// Screenshot captures a full-page PNG.
	Screenshot(ctx context.Context) ([]byte, error)

	// Act performs a single page manipulation.
	Act(ctx context.Context, action Action) error

	// Observe lists interactive element candidates on the current page.
	Observe(ctx context.Context) ([]Candidate, error)
}

// TabInfo describes one open tab of a session.
type TabInfo struct {
	Index  int
	URL    string
	Active bool
}
