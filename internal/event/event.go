// Package event classifies raw upstream posts into typed events.
package event

type Kind uint8

const (
	KindRestock Kind = iota + 1
	KindToken
	// KindBroadcast marks operator announcements; the parser never emits it.
	KindBroadcast
)

func (k Kind) String() string {
	switch k {
	case KindRestock:
		return "restock"
	case KindToken:
		return "token"
	case KindBroadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// Item is one restocked catalog item. Quantity is always positive.
type Item struct {
	ID       string
	Quantity int
}

// Token is a reward token post. Link is always present on parsed tokens.
type Token struct {
	Tier Tier
	Body string
	Link string
}

// Event is produced once per inbound post and passed by value.
// Items is set for KindRestock, Token for KindToken.
type Event struct {
	Kind  Kind
	Items []Item
	Token Token
}

// ItemIDs returns the item ids in event order.
func (e Event) ItemIDs() []string {
	out := make([]string, 0, len(e.Items))
	for _, it := range e.Items {
		out = append(out, it.ID)
	}
	return out
}
