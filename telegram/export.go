package telegram

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nikira-studio/lifequery/fault"
	"github.com/nikira-studio/lifequery/store"
)

// maxExportSize caps how large an export file we will parse.
const maxExportSize = 500 * 1024 * 1024

const importBatchSize = 500

// Export imports a Telegram Desktop JSON export file. The top level is
// either a single chat object or a list of chat objects.
type Export struct {
	path     string
	username string
	logger   *slog.Logger
	now      func() time.Time
}

// NewExport builds an importer for path. username, when non-empty, is
// used to attribute messages whose sender the export left blank (exports
// from deleted accounts do this).
func NewExport(path, username string, logger *slog.Logger) *Export {
	if logger == nil {
		logger = slog.Default()
	}
	return &Export{path: path, username: username, logger: logger, now: time.Now}
}

func (e *Export) Name() string { return "import" }

func (e *Export) Fetch(ctx context.Context, sink func([]store.Message) error) (int, error) {
	info, err := os.Stat(e.path)
	if err != nil {
		return 0, fault.Config("export file not found: %s", e.path)
	}
	if info.Size() > maxExportSize {
		return 0, fault.Config("export file too large: %d MB, maximum is %d MB",
			info.Size()/(1024*1024), maxExportSize/(1024*1024))
	}

	f, err := os.Open(e.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 1<<20)
	first, err := peekNonSpace(br)
	if err != nil {
		return 0, fault.Config("export file is empty or unreadable: %v", err)
	}

	skipped := 0
	dec := json.NewDecoder(br)
	if first == '[' {
		if _, err := dec.Token(); err != nil {
			return 0, fault.Config("invalid export JSON: %v", err)
		}
		for dec.More() {
			if err := ctx.Err(); err != nil {
				return skipped, err
			}
			var chat exportChat
			if err := dec.Decode(&chat); err != nil {
				return skipped, fault.Config("invalid export JSON: %v", err)
			}
			n, err := e.importChat(ctx, chat, sink)
			skipped += n
			if err != nil {
				return skipped, err
			}
		}
		return skipped, nil
	}

	var chat exportChat
	if err := dec.Decode(&chat); err != nil {
		return 0, fault.Config("invalid export JSON: %v", err)
	}
	return e.importChat(ctx, chat, sink)
}

func (e *Export) importChat(ctx context.Context, chat exportChat, sink func([]store.Message) error) (int, error) {
	chatID := string(chat.ID)
	chatName := chat.Name
	if chatName == "" {
		chatName = "Unknown"
	}
	importedAt := e.now().Unix()

	skipped := 0
	batch := make([]store.Message, 0, importBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := sink(batch)
		batch = batch[:0]
		return err
	}

	for _, m := range chat.Messages {
		if err := ctx.Err(); err != nil {
			return skipped, err
		}
		// Service events (joins, pins, calls) are not conversation text.
		if m.Type != "message" {
			skipped++
			continue
		}
		text := flattenText(m.Text)
		if strings.TrimSpace(text) == "" {
			skipped++
			continue
		}

		sender := m.From
		if sender == "" || sender == "Unknown" {
			if e.username != "" {
				sender = e.username
			} else {
				sender = "Unknown"
			}
		}

		batch = append(batch, store.Message{
			MessageID:  string(m.ID),
			ChatID:     chatID,
			ChatName:   chatName,
			SenderID:   string(m.FromID),
			SenderName: sender,
			Text:       text,
			Timestamp:  parseExportDate(m.Date, importedAt),
			Source:     "json_import",
		})
		if len(batch) >= importBatchSize {
			if err := flush(); err != nil {
				return skipped, err
			}
		}
	}
	return skipped, flush()
}

type exportChat struct {
	ID       flexString      `json:"id"`
	Name     string          `json:"name"`
	Messages []exportMessage `json:"messages"`
}

type exportMessage struct {
	ID     flexString      `json:"id"`
	Type   string          `json:"type"`
	Date   string          `json:"date"`
	From   string          `json:"from"`
	FromID flexString      `json:"from_id"`
	Text   json.RawMessage `json:"text"`
}

// flexString accepts both JSON strings and numbers; exports use numbers
// for chat and message ids but strings like "user12345" for senders.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	*s = flexString(b)
	return nil
}

// flattenText joins the text field, which is either a plain string or a
// list mixing strings and entity objects carrying a "text" key.
func flattenText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
		return ""
	}
	if raw[0] == '[' {
		var parts []json.RawMessage
		if json.Unmarshal(raw, &parts) != nil {
			return ""
		}
		var b strings.Builder
		for _, p := range parts {
			p = bytes.TrimSpace(p)
			if len(p) == 0 {
				continue
			}
			if p[0] == '"' {
				var s string
				if json.Unmarshal(p, &s) == nil {
					b.WriteString(s)
				}
				continue
			}
			var ent struct {
				Text string `json:"text"`
			}
			if json.Unmarshal(p, &ent) == nil {
				b.WriteString(ent.Text)
			}
		}
		return b.String()
	}
	return string(raw)
}

// parseExportDate handles the export's local-time ISO format and the
// RFC 3339 variant some tools produce. Unparseable dates fall back to
// the import time so the message is not lost.
func parseExportDate(s string, fallback int64) int64 {
	if s == "" {
		return fallback
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Unix()
	}
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t.Unix()
	}
	return fallback
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if b == ' ' || b == '\t' || b == '\n' || b == '\r' {
			continue
		}
		if err := br.UnreadByte(); err != nil {
			return 0, err
		}
		return b, nil
	}
}

// ExportFile describes one candidate import found on disk.
type ExportFile struct {
	Name     string  `json:"name"`
	Path     string  `json:"path"`
	SizeMB   float64 `json:"size_mb"`
	Modified int64   `json:"modified"`
}

// ScanExports lists JSON files under dir, newest first. Used by the
// import picker.
func ScanExports(dir string) ([]ExportFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []ExportFile
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if _, ok := err.(*fs.PathError); ok {
				continue
			}
			return nil, err
		}
		out = append(out, ExportFile{
			Name:     e.Name(),
			Path:     filepath.Join(dir, e.Name()),
			SizeMB:   float64(info.Size()) / (1024 * 1024),
			Modified: info.ModTime().Unix(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Modified > out[j].Modified })
	return out, nil
}
