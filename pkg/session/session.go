package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/waypoint/pkg/browser"
)

// Session is one live browser with one or more tabs. All methods are safe
// for concurrent use, though a workflow run drives a session from a single
// goroutine.
type Session struct {
	mu            sync.Mutex
	id            string
	browser       playwright.Browser
	context       playwright.BrowserContext
	active        int
	createdAt     time.Time
	lastUsedAt    time.Time
	recording     bool
	keepaliveStop chan struct{}
	closed        bool
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Page returns the workflow-facing view of the active tab.
func (s *Session) Page() (browser.Page, error) {
	page, err := s.activePage()
	if err != nil {
		return nil, err
	}
	return browser.WrapPage(page), nil
}

func (s *Session) activePage() (playwright.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("session %s is closed", s.id)
	}
	pages := s.context.Pages()
	if len(pages) == 0 {
		return nil, fmt.Errorf("session %s has no open tabs", s.id)
	}
	if s.active >= len(pages) {
		s.active = len(pages) - 1
	}
	return pages[s.active], nil
}

// Navigate loads the URL in the session. If another tab already shows the
// URL it is activated instead of loading a duplicate copy.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session %s is closed", s.id)
	}
	pages := s.context.Pages()
	if i := existingTabIndex(tabURLs(pages), url); i >= 0 {
		s.active = i
		s.lastUsedAt = time.Now()
		s.mu.Unlock()
		return pages[i].BringToFront()
	}
	s.mu.Unlock()

	page, err := s.activePage()
	if err != nil {
		return err
	}
	s.touch()

	_, err = page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(browser.DefaultNavigationTimeout),
	})
	if err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

// NavigateNewTab opens the URL in a fresh tab and makes it active. If
// another tab already shows the URL it is activated instead of opening a
// duplicate.
func (s *Session) NavigateNewTab(ctx context.Context, url string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session %s is closed", s.id)
	}
	pages := s.context.Pages()
	if i := existingTabIndex(tabURLs(pages), url); i >= 0 {
		s.active = i
		s.lastUsedAt = time.Now()
		s.mu.Unlock()
		return pages[i].BringToFront()
	}
	page, err := s.context.NewPage()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to open tab: %w", err)
	}
	page.SetDefaultTimeout(browser.DefaultActionTimeout)
	s.active = len(s.context.Pages()) - 1
	s.lastUsedAt = time.Now()
	s.mu.Unlock()

	_, err = page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(browser.DefaultNavigationTimeout),
	})
	if err != nil {
		return fmt.Errorf("failed to navigate new tab to %s: %w", url, err)
	}
	return nil
}

// Tabs lists the open tabs in order.
func (s *Session) Tabs() []browser.TabInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	pages := s.context.Pages()
	tabs := make([]browser.TabInfo, 0, len(pages))
	for i, p := range pages {
		tabs = append(tabs, browser.TabInfo{
			Index:  i,
			URL:    p.URL(),
			Active: i == s.active,
		})
	}
	return tabs
}

// ActiveTabIndex reports which tab is active.
func (s *Session) ActiveTabIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ActivateTab brings the tab at index to the front.
func (s *Session) ActivateTab(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("session %s is closed", s.id)
	}
	pages := s.context.Pages()
	if index < 0 || index >= len(pages) {
		return fmt.Errorf("tab index %d out of range", index)
	}
	s.active = index
	s.lastUsedAt = time.Now()
	return pages[index].BringToFront()
}

// CloseTab closes the tab at index. The last remaining tab cannot be
// closed; stop the session instead.
func (s *Session) CloseTab(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("session %s is closed", s.id)
	}
	pages := s.context.Pages()
	if index < 0 || index >= len(pages) {
		return fmt.Errorf("tab index %d out of range", index)
	}
	if len(pages) == 1 {
		return fmt.Errorf("cannot close the last tab")
	}
	if err := pages[index].Close(); err != nil {
		return fmt.Errorf("failed to close tab: %w", err)
	}
	if s.active >= index && s.active > 0 {
		s.active--
	}
	s.lastUsedAt = time.Now()
	return nil
}

// Close shuts the browser down. Idempotent.
func (s *Session) Close() {
	s.close()
}

func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.keepaliveStop != nil {
		close(s.keepaliveStop)
		s.keepaliveStop = nil
	}
	s.recording = false
	bctx := s.context
	b := s.browser
	s.mu.Unlock()

	if bctx != nil {
		bctx.Close()
	}
	if b != nil {
		b.Close()
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) endRecording() {
	s.mu.Lock()
	s.recording = false
	s.keepaliveStop = nil
	s.mu.Unlock()
}

// ping evaluates a trivial expression on the active page so the browser
// process stays warm.
func (s *Session) ping() error {
	page, err := s.activePage()
	if err != nil {
		return err
	}
	_, err = page.Evaluate("1")
	return err
}

func sameURL(a, b string) bool {
	return strings.TrimSuffix(a, "/") == strings.TrimSuffix(b, "/")
}

// existingTabIndex returns the index of the first tab already showing url,
// or -1 when every tab would need a navigation.
func existingTabIndex(urls []string, url string) int {
	for i, u := range urls {
		if sameURL(u, url) {
			return i
		}
	}
	return -1
}

func tabURLs(pages []playwright.Page) []string {
	urls := make([]string, len(pages))
	for i, p := range pages {
		urls[i] = p.URL()
	}
	return urls
}
