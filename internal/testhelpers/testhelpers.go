// Package testhelpers provides reusable testing utilities for storagewatch.
//
// This package contains:
// - An in-memory store backed by SQLite
// - A recording broadcaster
// - Data builders for providers, telemetry and transactions
package testhelpers

import (
	"context"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/storagewatch/storagewatch/internal/broadcast"
	"github.com/storagewatch/storagewatch/internal/database"
)

// ========================================
// Store
// ========================================

// SetupTestStore opens a migrated in-memory database that is closed when the test ends
func SetupTestStore(t *testing.T) *database.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	// every connection to :memory: is a separate database
	sqlDB.SetMaxOpenConns(1)
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return database.NewStore(db)
}

// ========================================
// Mock Broadcaster
// ========================================

// SentMessage is one message captured by MockBroadcaster
type SentMessage struct {
	ChatID  string
	Text    string
	Buttons []broadcast.Button
}

// MockBroadcaster records notifications and documents instead of sending them
type MockBroadcaster struct {
	mu        sync.Mutex
	messages  []SentMessage
	documents []SentMessage
	failFor   map[string]error
}

// NewMockBroadcaster creates an empty recording broadcaster
func NewMockBroadcaster() *MockBroadcaster {
	return &MockBroadcaster{failFor: make(map[string]error)}
}

// FailFor makes every delivery to chatID return err
func (m *MockBroadcaster) FailFor(chatID string, err error) *MockBroadcaster {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFor[chatID] = err
	return m
}

// Notify implements alerts.Broadcaster
func (m *MockBroadcaster) Notify(_ context.Context, chatID, text string, buttons []broadcast.Button) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor[chatID]; err != nil {
		return err
	}
	m.messages = append(m.messages, SentMessage{ChatID: chatID, Text: text, Buttons: buttons})
	return nil
}

// SendDocument implements jobs.Reporter; the content is kept as Text
func (m *MockBroadcaster) SendDocument(_ context.Context, chatID, filename, content, caption string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor[chatID]; err != nil {
		return err
	}
	m.documents = append(m.documents, SentMessage{ChatID: chatID, Text: filename + "\n" + content + "\n" + caption})
	return nil
}

// Messages returns the notifications sent to chatID, or all of them for an empty chatID
func (m *MockBroadcaster) Messages(chatID string) []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SentMessage
	for _, msg := range m.messages {
		if chatID == "" || msg.ChatID == chatID {
			out = append(out, msg)
		}
	}
	return out
}

// Documents returns every captured document
func (m *MockBroadcaster) Documents() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.documents...)
}

// ========================================
// Misc
// ========================================

// Ptr returns a pointer to v
func Ptr[T any](v T) *T {
	return &v
}

// MustCompleteWithin fails the test if the function takes longer than the timeout
func MustCompleteWithin(t *testing.T, timeout time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(timeout):
		t.Fatalf("function did not complete within %v", timeout)
	}
}
