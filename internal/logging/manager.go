package logging

import (
	"container/ring"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"
)

const (
	// MaxBufferSize is the maximum number of log entries to keep in memory
	MaxBufferSize = 10000

	// LogLevelDebug represents debug-level logs
	LogLevelDebug = "debug"
	// LogLevelInfo represents info-level logs
	LogLevelInfo = "info"
	// LogLevelWarn represents warning-level logs
	LogLevelWarn = "warn"
	// LogLevelError represents error-level logs
	LogLevelError = "error"
)

// tsLayout is fixed width so stored timestamps sort as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// LogEntry represents a single log entry
type LogEntry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Source    string                 `json:"source"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Filter narrows GetRecent and Query. Zero fields match everything.
type Filter struct {
	Level   string
	Source  string
	CycleID string
	Since   time.Time
	Until   time.Time
}

func (f Filter) matches(entry LogEntry) bool {
	if f.Level != "" && entry.Level != f.Level {
		return false
	}
	if f.Source != "" && entry.Source != f.Source {
		return false
	}
	if !f.Since.IsZero() && entry.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && entry.Timestamp.After(f.Until) {
		return false
	}
	if f.CycleID != "" && getMetaString(entry.Metadata, "cycle_id") != f.CycleID {
		return false
	}
	return true
}

// Manager handles log collection, buffering, and persistence
type Manager struct {
	mu       sync.RWMutex
	seq      uint64
	buffer   *ring.Ring
	db       *sql.DB
	postgres bool
	echo     io.Writer
	cycle    string
	now      func() time.Time
}

// NewManager creates a new logging manager. db may be nil, in which case
// entries live only in the ring buffer.
func NewManager(db *sql.DB, postgres bool) *Manager {
	m := &Manager{
		buffer:   ring.New(MaxBufferSize),
		db:       db,
		postgres: postgres,
		now:      time.Now,
	}

	if err := initSchema(db); err != nil {
		log.Printf("Warning: Failed to initialize logging schema: %v", err)
	}

	return m
}

// AttachDB starts persisting to db. Entries already in the buffer are
// written first so a command's early output is not lost.
func (m *Manager) AttachDB(db *sql.DB, postgres bool) error {
	if err := initSchema(db); err != nil {
		return err
	}

	m.mu.Lock()
	m.db = db
	m.postgres = postgres
	var pending []LogEntry
	m.buffer.Do(func(v interface{}) {
		if entry, ok := v.(LogEntry); ok {
			pending = append(pending, entry)
		}
	})
	echo := m.echo
	m.mu.Unlock()

	for _, entry := range pending {
		persistLog(db, postgres, entry, echo)
	}
	return nil
}

// SetCycle tags every later entry with cycle_id metadata. An empty id stops
// tagging.
func (m *Manager) SetCycle(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycle = id
}

// SetEcho copies every entry, formatted, to w. Pass nil to stop echoing.
func (m *Manager) SetEcho(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.echo = w
}

// rebindQuery converts ? placeholders to $N for PostgreSQL.
func rebindQuery(query string, postgres bool) string {
	if !postgres {
		return query
	}
	n := 1
	var out strings.Builder
	for _, ch := range query {
		if ch == '?' {
			fmt.Fprintf(&out, "$%d", n)
			n++
		} else {
			out.WriteRune(ch)
		}
	}
	return out.String()
}

// initSchema creates the logs table if it doesn't exist
func initSchema(db *sql.DB) error {
	if db == nil {
		return nil
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS logs (
			id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			level TEXT NOT NULL,
			source TEXT NOT NULL,
			message TEXT NOT NULL,
			metadata_json TEXT,
			cycle_id TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create logs table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp DESC)",
		"CREATE INDEX IF NOT EXISTS idx_logs_level ON logs(level)",
		"CREATE INDEX IF NOT EXISTS idx_logs_cycle_id ON logs(cycle_id)",
	}

	for _, indexSQL := range indexes {
		if _, err := db.Exec(indexSQL); err != nil {
			log.Printf("Warning: Failed to create index: %v", err)
		}
	}

	return nil
}

// Log adds a log entry to the buffer and persists it. Persistence is
// synchronous: the process usually exits right after a phase completes.
func (m *Manager) Log(level, source, message string, metadata map[string]interface{}) {
	m.mu.Lock()
	m.seq++
	now := m.now()
	if m.cycle != "" && getMetaString(metadata, "cycle_id") == "" {
		tagged := make(map[string]interface{}, len(metadata)+1)
		for k, v := range metadata {
			tagged[k] = v
		}
		tagged["cycle_id"] = m.cycle
		metadata = tagged
	}
	entry := LogEntry{
		ID:        fmt.Sprintf("log-%d-%d", now.UnixNano(), m.seq),
		Timestamp: now,
		Level:     level,
		Source:    source,
		Message:   message,
		Metadata:  metadata,
	}
	m.buffer.Value = entry
	m.buffer = m.buffer.Next()
	echo := m.echo
	db, postgres := m.db, m.postgres
	m.mu.Unlock()

	if echo != nil {
		fmt.Fprintf(echo, "%s %-5s [%s] %s\n", entry.Timestamp.Format("15:04:05.000"), entry.Level, entry.Source, entry.Message)
	}

	persistLog(db, postgres, entry, echo)
}

// persistLog saves a log entry to the database
func persistLog(db *sql.DB, postgres bool, entry LogEntry, echo io.Writer) {
	if db == nil {
		return
	}

	var metadataJSON *string
	if len(entry.Metadata) > 0 {
		data, err := json.Marshal(entry.Metadata)
		if err == nil {
			jsonStr := string(data)
			metadataJSON = &jsonStr
		}
	}

	var cycleID *string
	if val := getMetaString(entry.Metadata, "cycle_id"); val != "" {
		cycleID = &val
	}

	_, err := db.Exec(rebindQuery(`
		INSERT INTO logs (id, timestamp, level, source, message, metadata_json, cycle_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, postgres), entry.ID, entry.Timestamp.UTC().Format(tsLayout), entry.Level, entry.Source, entry.Message, metadataJSON, cycleID)

	if err != nil {
		// Printing through log here would loop back into the interceptor.
		if echo != nil {
			fmt.Fprintf(echo, "failed to persist log entry: %v\n", err)
		}
	}
}

// GetRecent returns the most recent log entries from the buffer, newest first
func (m *Manager) GetRecent(limit int, f Filter) []LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > MaxBufferSize {
		limit = 100
	}

	var all []LogEntry
	m.buffer.Do(func(v interface{}) {
		entry, ok := v.(LogEntry)
		if !ok || !f.matches(entry) {
			return
		}
		all = append(all, entry)
	})

	// Ring order is oldest first.
	logs := make([]LogEntry, 0, limit)
	for i := len(all) - 1; i >= 0 && len(logs) < limit; i-- {
		logs = append(logs, all[i])
	}
	return logs
}

// Query returns log entries from the database based on filters
func (m *Manager) Query(limit int, f Filter) ([]LogEntry, error) {
	m.mu.RLock()
	db, postgres := m.db, m.postgres
	m.mu.RUnlock()
	if db == nil {
		return m.GetRecent(limit, f), nil
	}

	query := `SELECT id, timestamp, level, source, message, metadata_json FROM logs WHERE 1=1`
	args := make([]interface{}, 0)

	if !f.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, f.Since.UTC().Format(tsLayout))
	}
	if !f.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, f.Until.UTC().Format(tsLayout))
	}
	if f.Level != "" {
		query += " AND level = ?"
		args = append(args, f.Level)
	}
	if f.Source != "" {
		query += " AND source = ?"
		args = append(args, f.Source)
	}
	if f.CycleID != "" {
		query += " AND cycle_id = ?"
		args = append(args, f.CycleID)
	}

	query += " ORDER BY timestamp DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(rebindQuery(query, postgres), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	logs := make([]LogEntry, 0)
	for rows.Next() {
		var entry LogEntry
		var ts string
		var metadataJSON *string

		err := rows.Scan(&entry.ID, &ts, &entry.Level, &entry.Source, &entry.Message, &metadataJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		entry.Timestamp, _ = time.Parse(tsLayout, ts)

		if metadataJSON != nil && *metadataJSON != "" {
			if err := json.Unmarshal([]byte(*metadataJSON), &entry.Metadata); err != nil {
				entry.Metadata = map[string]interface{}{"raw": *metadataJSON}
			}
		}

		logs = append(logs, entry)
	}

	return logs, rows.Err()
}

// Warnings returns buffered warn and error entries, oldest first.
func (m *Manager) Warnings() []LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []LogEntry
	m.buffer.Do(func(v interface{}) {
		if entry, ok := v.(LogEntry); ok && (entry.Level == LogLevelWarn || entry.Level == LogLevelError) {
			out = append(out, entry)
		}
	})
	return out
}

func getMetaString(meta map[string]interface{}, key string) string {
	if meta == nil {
		return ""
	}
	if val, ok := meta[key].(string); ok {
		return val
	}
	return ""
}

// Info logs an info-level message
func (m *Manager) Info(source, message string, metadata map[string]interface{}) {
	m.Log(LogLevelInfo, source, message, metadata)
}

// Warn logs a warning-level message
func (m *Manager) Warn(source, message string, metadata map[string]interface{}) {
	m.Log(LogLevelWarn, source, message, metadata)
}

// logInterceptWriter implements io.Writer so that Go's standard log package
// output is captured and routed through the logging manager.
type logInterceptWriter struct {
	manager *Manager
}

// Write parses "[Component] message" lines from log.Printf calls and routes
// them into the structured log system.
func (w *logInterceptWriter) Write(p []byte) (n int, err error) {
	level, source, msg := parseLine(string(p))
	w.manager.Log(level, source, msg, nil)
	return len(p), nil
}

// parseLine classifies one std-log line by its "[Source]" prefix and its
// Warning/error markers.
func parseLine(line string) (level, source, msg string) {
	msg = strings.TrimSpace(line)
	// Standard log format: "2006/01/02 15:04:05 message"
	if len(msg) > 20 && msg[4] == '/' && msg[7] == '/' && msg[10] == ' ' {
		msg = strings.TrimSpace(msg[20:])
	}

	level = LogLevelInfo
	source = "system"

	if len(msg) > 2 && msg[0] == '[' {
		end := strings.Index(msg, "]")
		if end > 1 {
			source = strings.ToLower(msg[1:end])
			msg = strings.TrimSpace(msg[end+1:])
		}
	}

	lowerMsg := strings.ToLower(msg)
	switch {
	case strings.HasPrefix(lowerMsg, "warning:"):
		level = LogLevelWarn
		msg = strings.TrimSpace(msg[len("warning:"):])
	case strings.HasPrefix(lowerMsg, "error") || strings.Contains(lowerMsg, "failed to"):
		level = LogLevelError
	}
	return level, source, msg
}

// InstallLogInterceptor redirects Go's standard log package through this manager.
// Call this once at startup after creating the manager.
func (m *Manager) InstallLogInterceptor() {
	log.SetOutput(&logInterceptWriter{manager: m})
	log.SetFlags(0) // We handle timestamps ourselves
}
