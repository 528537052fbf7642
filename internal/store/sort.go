package store

import (
	"sort"

	"chatsync/internal/domain"
)

// SortMessages orders msgs by createdAt ascending, ties broken by id.
func SortMessages(msgs []domain.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Before(msgs[j])
	})
}

// SortConversations orders convs by most recent activity first. A
// conversation without messages sorts by its creation time.
func SortConversations(convs []domain.Conversation) {
	at := func(c domain.Conversation) int64 {
		if c.LastMessageAt != nil {
			return c.LastMessageAt.UnixNano()
		}
		return c.CreatedAt.UnixNano()
	}
	sort.SliceStable(convs, func(i, j int) bool {
		ai, aj := at(convs[i]), at(convs[j])
		if ai != aj {
			return ai > aj
		}
		return convs[i].ID < convs[j].ID
	})
}
