package session

import "sync"

// ViewState tracks which chat is on screen right now. The persistence layer
// reads it at completion time, not at send time. That is what lets an
// answer surface correctly after the user navigated away and back.
type ViewState struct {
	mu      sync.RWMutex
	current string
}

func NewViewState() *ViewState {
	return &ViewState{}
}

// Open records chatID as the chat in view. Empty string means no chat open.
func (v *ViewState) Open(chatID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.current = chatID
}

func (v *ViewState) Current() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

func (v *ViewState) IsCurrent(chatID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current == chatID
}
