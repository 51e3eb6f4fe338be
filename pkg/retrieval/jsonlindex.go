package retrieval

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// indexRecord is one line of a JSONL corpus index.
type indexRecord struct {
	SourceID string            `json:"source_id"`
	URI      string            `json:"uri"`
	ChunkID  string            `json:"chunk_id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
}

func parseIndex(raw []byte) ([]indexRecord, error) {
	var records []indexRecord
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec indexRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("retrieval: index line %d: %w", lineNo, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("retrieval: scan index: %w", err)
	}
	return records, nil
}

// overlapTokens lowercases and splits on non-alphanumerics.
func overlapTokens(text string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		out[tok] = true
	}
	return out
}

// rankRecords scores records by token overlap with the query
// (|query ∩ chunk| / |query|), applies metadata equality filters, and
// returns the top k, best first.
func rankRecords(records []indexRecord, connectorName, query string, filters map[string]string, k int) []DocumentChunk {
	if k < 1 {
		return nil
	}

	queryTokens := overlapTokens(query)
	var ranked []DocumentChunk
	for _, rec := range records {
		metadata := rec.Metadata
		if metadata == nil {
			metadata = map[string]string{}
		}
		if !matchesFilters(metadata, filters) {
			continue
		}
		text := strings.TrimSpace(rec.Text)
		if text == "" {
			continue
		}

		score := 0.0
		if len(queryTokens) > 0 {
			overlap := 0
			for tok := range overlapTokens(text) {
				if queryTokens[tok] {
					overlap++
				}
			}
			score = math.Round(float64(overlap)/float64(len(queryTokens))*1e6) / 1e6
		}

		ranked = append(ranked, DocumentChunk{
			SourceID:  rec.SourceID,
			Connector: connectorName,
			URI:       rec.URI,
			ChunkID:   rec.ChunkID,
			Text:      text,
			Score:     score,
			Metadata:  metadata,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}

func matchesFilters(metadata, filters map[string]string) bool {
	for key, expected := range filters {
		if metadata[key] != expected {
			return false
		}
	}
	return true
}

// assembleDocument joins every chunk of a source in index order.
func assembleDocument(records []indexRecord, docID string) *Document {
	var matched []indexRecord
	for _, rec := range records {
		if rec.SourceID == docID {
			matched = append(matched, rec)
		}
	}
	if len(matched) == 0 {
		return nil
	}

	var texts []string
	for _, rec := range matched {
		if rec.Text != "" {
			texts = append(texts, rec.Text)
		}
	}
	metadata := matched[0].Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	return &Document{
		SourceID: docID,
		URI:      matched[0].URI,
		Text:     strings.Join(texts, "\n"),
		Metadata: metadata,
	}
}
