package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/entrhq/waypoint/pkg/browser"
	"github.com/entrhq/waypoint/pkg/llm"
	"github.com/entrhq/waypoint/pkg/types"
)

// scriptedClient routes completion requests to handlers by prompt
// substring, in registration order.
type scriptedClient struct {
	mu     sync.Mutex
	rules  []scriptRule
	calls  []string
	onCall func()
}

type scriptRule struct {
	match   string
	respond func(req *llm.Request, nthMatch int) (*llm.Response, error)
	hits    int
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{}
}

func (c *scriptedClient) on(match string, respond func(req *llm.Request, nthMatch int) (*llm.Response, error)) {
	c.rules = append(c.rules, scriptRule{match: match, respond: respond})
}

func (c *scriptedClient) onStatic(match, content string) {
	c.on(match, func(*llm.Request, int) (*llm.Response, error) {
		return &llm.Response{Content: content}, nil
	})
}

func (c *scriptedClient) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	var text strings.Builder
	for _, m := range req.Messages {
		text.WriteString(m.Content)
		text.WriteString("\n")
	}
	prompt := text.String()

	c.mu.Lock()
	c.calls = append(c.calls, prompt)
	onCall := c.onCall
	var rule *scriptRule
	for i := range c.rules {
		if strings.Contains(prompt, c.rules[i].match) {
			rule = &c.rules[i]
			rule.hits++
			break
		}
	}
	c.mu.Unlock()

	if onCall != nil {
		onCall()
	}
	if rule == nil {
		return nil, fmt.Errorf("no scripted response for prompt: %.120s", prompt)
	}
	return rule.respond(req, rule.hits)
}

func (c *scriptedClient) hits(match string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.rules {
		if c.rules[i].match == match {
			return c.rules[i].hits
		}
	}
	return 0
}

// stubPage is an in-memory browser.Page.
type stubPage struct {
	mu         sync.Mutex
	url        string
	outline    string
	actions    []browser.Action
	candidates []browser.Candidate
}

func (p *stubPage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *stubPage) Goto(ctx context.Context, url string) error {
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	return nil
}

func (p *stubPage) ElementTree(ctx context.Context) (*browser.DocumentTree, error) {
	return &browser.DocumentTree{Title: "Stub Page", Outline: p.outline}, nil
}

func (p *stubPage) GridSnapshot(ctx context.Context) (string, error) { return "", nil }

func (p *stubPage) Screenshot(ctx context.Context) ([]byte, error) { return []byte("png"), nil }

func (p *stubPage) Act(ctx context.Context, action browser.Action) error {
	p.mu.Lock()
	p.actions = append(p.actions, action)
	p.mu.Unlock()
	return nil
}

func (p *stubPage) Observe(ctx context.Context) ([]browser.Candidate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.candidates, nil
}

// stubSession is an in-memory Session with tab bookkeeping.
type stubSession struct {
	mu          sync.Mutex
	id          string
	page        *stubPage
	tabs        []string
	active      int
	navigations []string
	newTabs     []string
}

func newStubSession() *stubSession {
	return &stubSession{
		id:   "sess-test",
		page: &stubPage{url: "about:blank", outline: "<body></body>"},
		tabs: []string{"about:blank"},
	}
}

func (s *stubSession) ID() string { return s.id }

func (s *stubSession) Page() (browser.Page, error) { return s.page, nil }

func (s *stubSession) Navigate(ctx context.Context, url string) error {
	s.mu.Lock()
	s.navigations = append(s.navigations, url)
	s.tabs[s.active] = url
	s.mu.Unlock()
	return s.page.Goto(ctx, url)
}

func (s *stubSession) NavigateNewTab(ctx context.Context, url string) error {
	s.mu.Lock()
	s.newTabs = append(s.newTabs, url)
	s.tabs = append(s.tabs, url)
	s.active = len(s.tabs) - 1
	s.mu.Unlock()
	return s.page.Goto(ctx, url)
}

func (s *stubSession) Tabs() []browser.TabInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	tabs := make([]browser.TabInfo, len(s.tabs))
	for i, url := range s.tabs {
		tabs[i] = browser.TabInfo{Index: i, URL: url, Active: i == s.active}
	}
	return tabs
}

func (s *stubSession) ActiveTabIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *stubSession) ActivateTab(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.tabs) {
		return fmt.Errorf("tab index %d out of range", index)
	}
	s.active = index
	return nil
}

func (s *stubSession) CloseTab(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.tabs) || len(s.tabs) == 1 {
		return fmt.Errorf("cannot close tab %d", index)
	}
	s.tabs = append(s.tabs[:index], s.tabs[index+1:]...)
	if s.active >= index && s.active > 0 {
		s.active--
	}
	return nil
}

// stubProvider hands out one stub session and records lifecycle calls.
type stubProvider struct {
	mu          sync.Mutex
	sess        *stubSession
	createErr   error
	created     int
	initialized []string
	stopped     []string
}

func newStubProvider() *stubProvider {
	return &stubProvider{sess: newStubSession()}
}

func (p *stubProvider) CreateSession(ctx context.Context, source string) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.created++
	return p.sess, nil
}

func (p *stubProvider) InitializeSession(ctx context.Context, id, startURL string) error {
	p.mu.Lock()
	p.initialized = append(p.initialized, startURL)
	p.mu.Unlock()
	return p.sess.Navigate(ctx, startURL)
}

func (p *stubProvider) StopSession(ctx context.Context, id string) error {
	p.mu.Lock()
	p.stopped = append(p.stopped, id)
	p.mu.Unlock()
	return nil
}

// eventRecorder captures emitted events in order.
type eventRecorder struct {
	mu     sync.Mutex
	events []*types.OrchestratorEvent
}

func (r *eventRecorder) handle(event *types.OrchestratorEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *eventRecorder) ofType(t types.OrchestratorEventType) []*types.OrchestratorEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.OrchestratorEvent
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *eventRecorder) count(t types.OrchestratorEventType) int {
	return len(r.ofType(t))
}
