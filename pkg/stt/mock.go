package stt

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/zapscribe/pkg/utils"
)

// Mock is a Transcriber for local runs and tests. It returns a canned text
// naming the file, or whatever Fn returns when set.
type Mock struct {
	Delay time.Duration
	Fn    func(ctx context.Context, path string, call int) (string, error)

	mu    sync.Mutex
	calls map[string]int
}

func (m *Mock) Transcribe(ctx context.Context, path string) (string, error) {
	if err := checkInput(path); err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[path]++
	call := m.calls[path]
	m.mu.Unlock()

	if err := utils.Sleep(ctx, m.Delay); err != nil {
		return "", err
	}
	if m.Fn != nil {
		return m.Fn(ctx, path, call)
	}
	return fmt.Sprintf("Transcript of %s.", filepath.Base(path)), nil
}

// Calls returns how often path was transcribed.
func (m *Mock) Calls(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[path]
}

// TotalCalls returns the number of Transcribe calls that got past input validation.
func (m *Mock) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}
