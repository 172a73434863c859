package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/waypoint/pkg/browser"
	"github.com/entrhq/waypoint/pkg/logging"
)

var log *logging.Logger

func init() {
	var err error
	log, err = logging.NewLogger("session")
	if err != nil {
		log.Warnf("failed to initialize session logger, using stderr fallback: %v", err)
	}
}

// Defaults for session housekeeping.
const (
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720

	// DefaultIdleTimeout is how long an untouched session survives before
	// the sweep closes it.
	DefaultIdleTimeout = 5 * time.Minute

	// DefaultSweepInterval is how often the idle sweep runs.
	DefaultSweepInterval = 30 * time.Second

	// DefaultKeepaliveInterval is how often sessions under active
	// recording are pinged.
	DefaultKeepaliveInterval = 15 * time.Second

	// DefaultKeepaliveMaxDuration bounds how long any one session is kept
	// alive by pinging.
	DefaultKeepaliveMaxDuration = 30 * time.Minute
)

// Manager owns the Playwright runtime and all live browser sessions. It is
// safe for concurrent use; distinct workflow runs create distinct sessions
// through the shared admission controller.
type Manager struct {
	mu          sync.RWMutex
	pw          *playwright.Playwright
	sessions    map[string]*Session
	admission   *AdmissionController
	headless    bool
	idleTimeout time.Duration
	initialized bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHeadless controls whether browsers launch without a visible window.
func WithHeadless(headless bool) ManagerOption {
	return func(m *Manager) { m.headless = headless }
}

// WithIdleTimeout overrides how long idle sessions survive.
func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.idleTimeout = d
		}
	}
}

// WithAdmissionController overrides the process-wide admission controller.
func WithAdmissionController(c *AdmissionController) ManagerOption {
	return func(m *Manager) { m.admission = c }
}

// NewManager creates a session manager. Call Initialize before creating
// sessions.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions:    make(map[string]*Session),
		admission:   Default(),
		headless:    true,
		idleTimeout: DefaultIdleTimeout,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize installs and starts the Playwright runtime and launches the
// idle sweep. Must be called before CreateSession.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	// Discard driver output so it cannot interfere with CLI rendering.
	runOpts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if err := playwright.Install(runOpts); err != nil {
		return fmt.Errorf("failed to install playwright: %w", err)
	}
	pw, err := playwright.Run(runOpts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	m.pw = pw
	m.initialized = true
	go m.sweepLoop()
	return nil
}

// CreateSession acquires a creation lease from the admission controller,
// launches a browser, and registers the session. The lease is confirmed on
// success and cancelled on any failure, so admission bookkeeping never
// leaks.
func (m *Manager) CreateSession(ctx context.Context, source string) (*Session, error) {
	lease, err := m.admission.AcquireCreateLease(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("admission denied: %w", err)
	}

	s, err := m.launchSession()
	if err != nil {
		lease.Cancel()
		return nil, err
	}
	lease.ConfirmCreated(s.id)

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	log.Infof("session %s created for %s", s.id, source)
	return s, nil
}

func (m *Manager) launchSession() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, fmt.Errorf("session manager not initialized")
	}

	b, err := m.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: &m.headless,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	bctx, err := b.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: DefaultViewportWidth, Height: DefaultViewportHeight},
	})
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		b.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(browser.DefaultNavigationTimeout)

	now := time.Now()
	return &Session{
		id:         uuid.New().String(),
		browser:    b,
		context:    bctx,
		active:     0,
		createdAt:  now,
		lastUsedAt: now,
	}, nil
}

// GetSession retrieves an active session by id.
func (m *Manager) GetSession(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q not found", id)
	}
	return s, nil
}

// StopSession closes a session's browser and releases its admission slot.
func (m *Manager) StopSession(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("session %q not found", id)
	}

	s.close()
	m.admission.ReleaseActiveSession(id)
	log.Infof("session %s stopped", id)
	return nil
}

// InitializeSession loads the starting URL in the session's active tab.
func (m *Manager) InitializeSession(ctx context.Context, id, startURL string) error {
	s, err := m.GetSession(id)
	if err != nil {
		return err
	}
	if startURL == "" {
		return nil
	}
	return s.Navigate(ctx, startURL)
}

// DebugInfo describes a live session for diagnostics.
type DebugInfo struct {
	SessionID  string        `json:"sessionId"`
	CurrentURL string        `json:"currentUrl"`
	PageCount  int           `json:"pageCount"`
	Age        time.Duration `json:"age"`
	Recording  bool          `json:"recording"`
}

// GetDebugInfo returns diagnostics for a live session.
func (m *Manager) GetDebugInfo(id string) (*DebugInfo, error) {
	s, err := m.GetSession(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	info := &DebugInfo{
		SessionID: s.id,
		PageCount: len(s.context.Pages()),
		Age:       time.Since(s.createdAt),
		Recording: s.recording,
	}
	if pages := s.context.Pages(); len(pages) > 0 && s.active < len(pages) {
		info.CurrentURL = pages[s.active].URL()
	}
	return info, nil
}

// ConnectForKeepalive marks the session as under active recording and starts
// a keepalive pinger: a fixed-interval ping bounded by a maximum total
// duration, after which the session falls back to normal idle sweeping.
func (m *Manager) ConnectForKeepalive(id string) error {
	s, err := m.GetSession(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.recording {
		s.mu.Unlock()
		return nil
	}
	s.recording = true
	stop := make(chan struct{})
	s.keepaliveStop = stop
	s.mu.Unlock()

	go m.keepaliveLoop(s, stop)
	return nil
}

func (m *Manager) keepaliveLoop(s *Session, stop chan struct{}) {
	ticker := time.NewTicker(DefaultKeepaliveInterval)
	defer ticker.Stop()
	deadline := time.After(DefaultKeepaliveMaxDuration)

	for {
		select {
		case <-ticker.C:
			s.touch()
			if err := s.ping(); err != nil {
				log.Warnf("keepalive ping failed for session %s: %v", s.id, err)
			}
		case <-deadline:
			log.Infof("keepalive window exhausted for session %s", s.id)
			s.endRecording()
			return
		case <-stop:
			return
		case <-m.stopCh:
			return
		}
	}
}

// UploadSessionFile attaches a local file to the first file input on the
// session's active page.
func (m *Manager) UploadSessionFile(ctx context.Context, id, path string) error {
	s, err := m.GetSession(id)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read upload file: %w", err)
	}

	page, err := s.activePage()
	if err != nil {
		return err
	}
	s.touch()

	return page.SetInputFiles("input[type=file]", []playwright.InputFile{{
		Name:   filepath.Base(path),
		Buffer: data,
	}})
}

// Stats exposes the admission controller's snapshot.
func (m *Manager) Stats() AdmissionStats {
	return m.admission.Stats()
}

// sweepLoop closes sessions idle longer than the idle timeout.
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(DefaultSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

func (m *Manager) sweepIdle() {
	now := time.Now()

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		s.mu.Lock()
		idle := now.Sub(s.lastUsedAt) > m.idleTimeout && !s.recording
		s.mu.Unlock()
		if idle {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		log.Infof("sweeping idle session %s", s.id)
		s.close()
		m.admission.ReleaseActiveSession(s.id)
	}
}

// Shutdown closes all sessions and stops the Playwright runtime.
func (m *Manager) Shutdown() error {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range m.sessions {
		s.close()
		m.admission.ReleaseActiveSession(id)
		delete(m.sessions, id)
	}

	if m.initialized && m.pw != nil {
		if err := m.pw.Stop(); err != nil {
			return fmt.Errorf("failed to stop playwright: %w", err)
		}
		m.initialized = false
	}
	return nil
}
