// Package chunker turns a chat's chronologically ordered messages into
// sealed text blocks bounded by time gaps and token budgets. It is pure:
// given the same messages and config it always emits the same chunk set.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/nikira-studio/lifequery/store"
)

const (
	// GapBreak always seals the open chunk, GapJoin only once the chunk
	// has reached its target size. Both compare with >= so a gap of
	// exactly the threshold seals.
	GapBreak = 4 * time.Hour
	GapJoin  = 20 * time.Minute
)

type Config struct {
	TargetTokens  int
	MaxTokens     int
	OverlapTokens int
	NoiseKeywords []string // lowercase substrings, matching messages dropped
}

// Counts reports what the pre-filter removed.
type Counts struct {
	SkippedEmpty int
	SkippedNoise int
}

// EstimateTokens approximates the token count of text as
// whitespace-delimited words times 1.3, floored. Deterministic for a
// fixed input; chunk identity depends on it.
func EstimateTokens(text string) int {
	return int(float64(len(strings.Fields(text))) * 1.3)
}

// renderMessage formats one message line. Timestamps render in UTC so the
// content hash does not depend on the host timezone.
func renderMessage(m store.Message) string {
	ts := time.Unix(m.Timestamp, 0).UTC().Format("2006-01-02 15:04")
	sender := m.SenderName
	if sender == "" {
		sender = m.SenderID
	}
	if sender == "" {
		sender = "Unknown"
	}
	return fmt.Sprintf("[%s] %s: %s", ts, sender, m.Text)
}

// ContentHash is the first 16 hex chars of sha256(content).
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:16]
}

// ChunkID derives the stable chunk identity from the chat and the content
// hash, so re-chunking identical content lands on the same row.
func ChunkID(chatID, contentHash string) string {
	sum := sha256.Sum256([]byte(chatID + ":" + contentHash))
	return hex.EncodeToString(sum[:])[:20]
}

type open struct {
	lines        []string
	tokens       int
	startTS      int64
	endTS        int64
	messageCount int
	participants []string
	seen         map[string]bool
}

func (o *open) empty() bool { return o.messageCount == 0 }

func (o *open) add(m store.Message, line string, tokens int) {
	if o.messageCount == 0 {
		o.startTS = m.Timestamp
	}
	o.lines = append(o.lines, line)
	o.tokens += tokens
	o.endTS = m.Timestamp
	o.messageCount++
	name := m.SenderName
	if name == "" {
		name = m.SenderID
	}
	if name != "" && !o.seen[name] {
		o.seen[name] = true
		o.participants = append(o.participants, name)
	}
}

// Split runs the chunking state machine over msgs, which must be in
// ascending timestamp order. Empty and noise-matching messages are
// dropped before the state machine and counted.
func Split(chatID, chatName string, msgs []store.Message, cfg Config, version string) ([]store.Chunk, Counts) {
	var (
		chunks []store.Chunk
		counts Counts
		seen   = map[string]bool{}
		cur    = &open{seen: map[string]bool{}}
		// Overlap text carried from the previous oversize seal, prepended
		// to the successor before its first message.
		carry       string
		carryTokens int
	)

	seal := func() {
		if cur.empty() {
			return
		}
		content := strings.Join(cur.lines, "\n")
		hash := ContentHash(content)
		if !seen[hash] {
			seen[hash] = true
			chunks = append(chunks, store.Chunk{
				ChunkID:          ChunkID(chatID, hash),
				ChatID:           chatID,
				ChatName:         chatName,
				Participants:     cur.participants,
				StartTS:          cur.startTS,
				EndTS:            cur.endTS,
				MessageCount:     cur.messageCount,
				Content:          content,
				ContentHash:      hash,
				EmbeddingVersion: version,
			})
		}
		cur = &open{seen: map[string]bool{}}
	}

	for _, m := range msgs {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			counts.SkippedEmpty++
			continue
		}
		if matchesNoise(text, cfg.NoiseKeywords) {
			counts.SkippedNoise++
			continue
		}

		gap := time.Duration(m.Timestamp-cur.endTS) * time.Second
		if !cur.empty() && gap >= GapBreak {
			seal()
			carry, carryTokens = "", 0
		} else if !cur.empty() && gap >= GapJoin && cur.tokens >= cfg.TargetTokens {
			seal()
			carry, carryTokens = "", 0
		}

		line := renderMessage(m)
		tokens := EstimateTokens(line)
		if !cur.empty() && cur.tokens+tokens > cfg.MaxTokens {
			prev := strings.Join(cur.lines, "\n")
			seal()
			carry = overlapTail(prev, cfg.OverlapTokens)
			carryTokens = EstimateTokens(carry)
		}

		if cur.empty() && carry != "" {
			cur.lines = append(cur.lines, carry)
			cur.tokens = carryTokens
			carry, carryTokens = "", 0
		}
		cur.add(m, line, tokens)
	}
	seal()
	return chunks, counts
}

// overlapTail returns the trailing words of text amounting to roughly
// budget estimated tokens.
func overlapTail(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	words := strings.Fields(text)
	n := int(float64(budget) / 1.3)
	if n <= 0 {
		n = 1
	}
	if n >= len(words) {
		return strings.Join(words, " ")
	}
	return strings.Join(words[len(words)-n:], " ")
}

func matchesNoise(text string, keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
