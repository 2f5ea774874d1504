// Package processor implements the reply-processing subsystem: lease
// acquisition, fragment draining and merging, the assistant turn, outbound
// dispatch and the atomic end-of-turn commit.
package processor

import (
	"sort"
	"strings"
	"time"

	"github.com/whatsapp-web-enhancement/reply-service/internal/models"
)

// MergedTurn is one burst of fragments collapsed into a single user turn
type MergedTurn struct {
	Body        string
	MessageSIDs []string
	MergedAt    time.Time
}

// BatchMerger deterministically merges staged fragments into one turn body
type BatchMerger struct{}

// NewBatchMerger creates a batch merger
func NewBatchMerger() *BatchMerger {
	return &BatchMerger{}
}

// Merge sorts fragments by received time, breaking ties by message SID so
// the result is deterministic across processors, and joins the non-empty
// bodies with single newlines. An all-empty batch yields an empty body,
// which is still a valid turn: the assistant may respond to a void turn.
func (m *BatchMerger) Merge(fragments []*models.StagedFragment) *MergedTurn {
	sorted := make([]*models.StagedFragment, len(fragments))
	copy(sorted, fragments)

	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ReceivedAt.Equal(sorted[j].ReceivedAt) {
			return sorted[i].MessageSID < sorted[j].MessageSID
		}
		return sorted[i].ReceivedAt.Before(sorted[j].ReceivedAt)
	})

	bodies := make([]string, 0, len(sorted))
	sids := make([]string, 0, len(sorted))
	for _, fragment := range sorted {
		sids = append(sids, fragment.MessageSID)
		if fragment.Body == "" {
			continue
		}
		bodies = append(bodies, fragment.Body)
	}

	return &MergedTurn{
		Body:        strings.Join(bodies, "\n"),
		MessageSIDs: sids,
		MergedAt:    time.Now().UTC(),
	}
}
