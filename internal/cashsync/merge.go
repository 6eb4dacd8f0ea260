package cashsync

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const TemporaryIDPrefix = "tmp_"

func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TemporaryIDPrefix)
}

// Mergeable is a record that shares a natural key with its copies on other
// replicas.
type Mergeable interface {
	MergeKey() string
	MergeTime() time.Time
	MergeID() string
	MergeOrder() int
	mergeFingerprint() string
}

// Merge collapses the collections to one record per natural key. The most
// recent record wins; on an exact tie a record confirmed by the remote store
// beats a temporary local draft. The result is sorted by MergeOrder, then key.
func Merge[T Mergeable](collections ...[]T) []T {
	winners, _ := pickWinners(collections...)
	out := make([]T, 0, len(winners))
	for _, record := range winners {
		out = append(out, record)
	}
	sort.SliceStable(out, func(i, j int) bool {
		oi, oj := out[i].MergeOrder(), out[j].MergeOrder()
		if oi != oj {
			return oi < oj
		}
		return out[i].MergeKey() < out[j].MergeKey()
	})
	return out
}

func pickWinners[T Mergeable](collections ...[]T) (map[string]T, []string) {
	winners := map[string]T{}
	order := []string{}
	for _, collection := range collections {
		for _, record := range collection {
			key := record.MergeKey()
			current, ok := winners[key]
			if !ok {
				order = append(order, key)
				winners[key] = record
				continue
			}
			if supersedes(record, current) {
				winners[key] = record
			}
		}
	}
	return winners, order
}

// supersedes is a strict total order over candidates so the merge result does
// not depend on argument order.
func supersedes[T Mergeable](a, b T) bool {
	ta, tb := a.MergeTime(), b.MergeTime()
	if !ta.Equal(tb) {
		return ta.After(tb)
	}
	aTemp, bTemp := IsTemporaryID(a.MergeID()), IsTemporaryID(b.MergeID())
	if aTemp != bTemp {
		return !aTemp
	}
	if a.MergeID() != b.MergeID() {
		return a.MergeID() > b.MergeID()
	}
	return a.mergeFingerprint() > b.mergeFingerprint()
}

// MergeRoutes merges itinerary lists and renumbers DisplayIndex 1..N over the
// records that are not ignored.
func MergeRoutes(collections ...[]RouteRecord) []RouteRecord {
	merged := Merge(collections...)
	index := 0
	for i := range merged {
		if merged[i].IsIgnored {
			merged[i].DisplayIndex = 0
			continue
		}
		index++
		merged[i].DisplayIndex = index
	}
	return merged
}

// MergeRows merges worksheet rows. A row matches an earlier row with the same
// id. A row with an unseen id pairs with a same-shop-code row contributed only
// by other collections, so two devices that each added the shop converge on
// one row, while rows sharing a shop code inside one collection stay apart.
// First-seen order is kept and net is recomputed for every winner.
func MergeRows(collections ...[]Row) []Row {
	var slots []*rowSlot
	byID := map[string]*rowSlot{}
	for _, collection := range collections {
		present := make(map[string]bool, len(collection))
		for _, row := range collection {
			present[row.ID] = true
		}
		claimed := map[*rowSlot]bool{}
		for _, row := range collection {
			slot := byID[row.ID]
			if slot == nil {
				slot = pairByShopCode(slots, row, present, claimed)
			}
			switch {
			case slot == nil:
				slot = &rowSlot{winner: row}
				slots = append(slots, slot)
			case supersedes(row, slot.winner):
				slot.winner = row
			}
			if byID[row.ID] == nil {
				byID[row.ID] = slot
				slot.ids = append(slot.ids, row.ID)
			}
			claimed[slot] = true
		}
	}
	out := make([]Row, 0, len(slots))
	for _, slot := range slots {
		row := slot.winner
		row.Net = row.ComputeNet()
		out = append(out, row)
	}
	return out
}

type rowSlot struct {
	winner Row
	ids    []string
}

func pairByShopCode(slots []*rowSlot, row Row, present map[string]bool, claimed map[*rowSlot]bool) *rowSlot {
	code := strings.TrimSpace(row.ShopCode)
	if code == "" {
		return nil
	}
	for _, slot := range slots {
		if claimed[slot] || strings.TrimSpace(slot.winner.ShopCode) != code {
			continue
		}
		shared := false
		for _, id := range slot.ids {
			if present[id] {
				shared = true
				break
			}
		}
		if !shared {
			return slot
		}
	}
	return nil
}

func (r RouteRecord) MergeKey() string {
	if code := strings.TrimSpace(r.ShopCode); code != "" {
		return code
	}
	return "id:" + r.ID
}

func (r RouteRecord) MergeTime() time.Time {
	if r.UpdatedAt.IsZero() {
		return r.CreatedAt
	}
	return r.UpdatedAt
}

func (r RouteRecord) MergeID() string {
	return r.ID
}

func (r RouteRecord) MergeOrder() int {
	return r.SortOrder
}

func (r RouteRecord) mergeFingerprint() string {
	r.DisplayIndex = 0
	return fingerprint(r)
}

func (r Row) MergeKey() string {
	if code := strings.TrimSpace(r.ShopCode); code != "" {
		return code
	}
	return "id:" + r.ID
}

func (r Row) MergeTime() time.Time {
	return r.UpdatedAt
}

func (r Row) MergeID() string {
	return r.ID
}

func (r Row) MergeOrder() int {
	return 0
}

func (r Row) mergeFingerprint() string {
	r.Net = decimal.Zero
	return fingerprint(r)
}

func fingerprint(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
