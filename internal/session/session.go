// Package session keeps per-conversation message history in memory.
//
// History is bounded per conversation; when the cap is exceeded the oldest
// messages are dropped first. The process owns the store, so restarting the
// server forgets all conversations.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

// staleAfter is how long an untouched conversation survives before the
// inline sweep may discard it.
const staleAfter = 24 * time.Hour

// sweepEvery bounds how often Append scans for stale conversations.
const sweepEvery = 10 * time.Minute

type conversation struct {
	messages []openai.ChatCompletionMessage
	touched  time.Time
}

// Store holds conversation histories, bounded to maxMessages each.
type Store struct {
	mu        sync.RWMutex
	convs     map[string]*conversation
	maxMsgs   int
	lastSweep time.Time
	now       func() time.Time
}

// NewStore creates a Store capping each conversation at maxMessages.
func NewStore(maxMessages int) *Store {
	return &Store{
		convs:   make(map[string]*conversation),
		maxMsgs: maxMessages,
		now:     time.Now,
	}
}

// NewID mints a conversation identifier of the form conv_<unix>_<8 hex>.
func (s *Store) NewID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("conv_%d_%s", s.now().Unix(), suffix)
}

// Get returns a copy of the conversation's history, oldest first.
// Unknown ids return an empty history.
func (s *Store) Get(id string) []openai.ChatCompletionMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[id]
	if !ok {
		return nil
	}
	out := make([]openai.ChatCompletionMessage, len(conv.messages))
	copy(out, conv.messages)
	return out
}

// Append adds messages to the conversation, creating it if needed, and trims
// to the cap by dropping the oldest messages.
func (s *Store) Append(id string, msgs ...openai.ChatCompletionMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[id]
	if !ok {
		conv = &conversation{}
		s.convs[id] = conv
	}
	conv.messages = append(conv.messages, msgs...)
	if over := len(conv.messages) - s.maxMsgs; over > 0 {
		conv.messages = conv.messages[over:]
	}
	conv.touched = s.now()

	s.sweepLocked()
}

// Clear removes the conversation and reports whether it existed.
func (s *Store) Clear(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.convs[id]
	delete(s.convs, id)
	return ok
}

// Len reports how many conversations are held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs)
}

// sweepLocked drops conversations untouched for staleAfter. Piggybacks on
// Append so no background goroutine is needed. Caller holds s.mu.
func (s *Store) sweepLocked() {
	now := s.now()
	if now.Sub(s.lastSweep) < sweepEvery {
		return
	}
	s.lastSweep = now
	for id, conv := range s.convs {
		if now.Sub(conv.touched) > staleAfter {
			delete(s.convs, id)
		}
	}
}
