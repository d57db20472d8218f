package service

import (
	"sync"
	"time"

	"relay-netctl/internal/core"
)

const (
	// logRingSize is the max number of log entries kept in the ring buffer.
	logRingSize = 1000
	// logChannelSize is the buffer size for each subscriber channel.
	logChannelSize = 256
)

// LogEntry represents a single log line.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Tag     string    `json:"tag"`
	Message string    `json:"message"`

	level core.LogLevel
}

// LogSubscriber receives log entries via a channel.
type LogSubscriber struct {
	C        <-chan LogEntry
	ch       chan LogEntry
	minLevel core.LogLevel
	id       uint64
}

// LogTail keeps the most recent log lines for the status API and streams
// new ones to subscribers.
type LogTail struct {
	mu          sync.RWMutex
	ring        []LogEntry
	ringPos     int
	ringFull    bool
	subscribers map[uint64]*LogSubscriber
	nextID      uint64
}

// NewLogTail creates a LogTail.
func NewLogTail() *LogTail {
	return &LogTail{
		ring:        make([]LogEntry, logRingSize),
		subscribers: make(map[uint64]*LogSubscriber),
	}
}

// Start installs the hook into the core logger.
func (lt *LogTail) Start() {
	core.Log.SetHook(lt.onLogEntry)
}

// Stop removes the log hook and closes all subscribers.
func (lt *LogTail) Stop() {
	core.Log.SetHook(nil)
	lt.mu.Lock()
	defer lt.mu.Unlock()
	for id, sub := range lt.subscribers {
		close(sub.ch)
		delete(lt.subscribers, id)
	}
}

// Subscribe creates a subscriber for lines at or above minLevel.
func (lt *LogTail) Subscribe(minLevel core.LogLevel) *LogSubscriber {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	ch := make(chan LogEntry, logChannelSize)
	sub := &LogSubscriber{C: ch, ch: ch, minLevel: minLevel, id: lt.nextID}
	lt.nextID++
	lt.subscribers[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (lt *LogTail) Unsubscribe(sub *LogSubscriber) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if _, ok := lt.subscribers[sub.id]; ok {
		close(sub.ch)
		delete(lt.subscribers, sub.id)
	}
}

// onLogEntry is the hook called by core.Logger for each log line.
func (lt *LogTail) onLogEntry(level core.LogLevel, tag, msg string) {
	entry := LogEntry{
		Time:    time.Now(),
		Level:   level.String(),
		Tag:     tag,
		Message: msg,
		level:   level,
	}

	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.ring[lt.ringPos] = entry
	lt.ringPos++
	if lt.ringPos >= len(lt.ring) {
		lt.ringPos = 0
		lt.ringFull = true
	}
	for _, sub := range lt.subscribers {
		if level < sub.minLevel {
			continue
		}
		select {
		case sub.ch <- entry:
		default:
			// Drop entry if subscriber is slow.
		}
	}
}

// Tail returns the last n entries, oldest first.
func (lt *LogTail) Tail(n int) []LogEntry {
	lt.mu.RLock()
	defer lt.mu.RUnlock()

	total := lt.ringPos
	if lt.ringFull {
		total = len(lt.ring)
	}
	if n > total {
		n = total
	}
	if n <= 0 {
		return nil
	}

	result := make([]LogEntry, n)
	start := lt.ringPos - n
	if start < 0 {
		start += len(lt.ring)
	}
	for i := range n {
		result[i] = lt.ring[(start+i)%len(lt.ring)]
	}
	return result
}
