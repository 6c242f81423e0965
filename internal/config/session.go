package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const DefaultClientHost = "http://127.0.0.1:8787"

// Session is the client-side configuration of one chat session: where to
// send turns and how to build them. It is created at session start and only
// changed through its setters; a turn works on a Snapshot so configuration
// calls never affect a request in flight.
type Session struct {
	mu sync.RWMutex
	s  SessionSnapshot
}

// SessionSnapshot is an immutable copy of a Session's settings.
type SessionSnapshot struct {
	Host         string
	Profile      string
	SystemPrompt string
	ServiceKey   string
	Model        string
	StorePath    string
}

// NewSession creates a session from environment defaults.
func NewSession() *Session {
	return &Session{s: SessionSnapshot{
		Host:         strings.TrimRight(envString("CHATRELAY_CLIENT_HOST", DefaultClientHost), "/"),
		Profile:      envString("CHATRELAY_PROFILE", ""),
		SystemPrompt: envString("CHATRELAY_SYSTEM_PROMPT", ""),
		ServiceKey:   strings.TrimSpace(os.Getenv("CHATRELAY_SERVICE_KEY")),
		Model:        envString("CHATRELAY_MODEL", DefaultModel),
		StorePath:    envString("CHATRELAY_STORE", defaultStorePath()),
	}}
}

// Snapshot returns the current settings.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.s
}

// SetHost changes the base URL subsequent turns are sent to.
func (s *Session) SetHost(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s.Host = strings.TrimRight(strings.TrimSpace(host), "/")
}

// SetSystemPrompt changes the fallback system prompt.
func (s *Session) SetSystemPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s.SystemPrompt = prompt
}

// SetServiceKey changes the bearer key sent with every request.
func (s *Session) SetServiceKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s.ServiceKey = strings.TrimSpace(key)
}

// SetProfile selects the backend profile by name.
func (s *Session) SetProfile(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s.Profile = strings.TrimSpace(name)
}

// SetModel changes the default model.
func (s *Session) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s.Model = strings.TrimSpace(model)
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "chatrelay.db"
	}
	return filepath.Join(dir, "go-chatrelay", "chats.db")
}
