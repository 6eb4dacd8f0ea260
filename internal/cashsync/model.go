package cashsync

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const DateLayout = "2006-01-02"

type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
)

func (r Role) Valid() bool {
	return r == RoleViewer || r == RoleEditor
}

type GrantStatus string

const (
	GrantPending  GrantStatus = "pending"
	GrantAccepted GrantStatus = "accepted"
	GrantRejected GrantStatus = "rejected"
	GrantRevoked  GrantStatus = "revoked"
)

type Provenance string

const (
	ProvenanceLocal  Provenance = "local-only"
	ProvenanceSynced Provenance = "synced"
	ProvenanceCloud  Provenance = "cloud-only"
)

type QueueItemType string

const (
	QueueArchiveWrite  QueueItemType = "archive-write"
	QueueArchiveDelete QueueItemType = "archive-delete"
	QueueRouteUpsert   QueueItemType = "route-upsert"
	QueueRouteDelete   QueueItemType = "route-delete"
)

type Row struct {
	ID                  string          `json:"id"`
	ShopName            string          `json:"shopName"`
	ShopCode            string          `json:"shopCode"`
	TransferAmount      decimal.Decimal `json:"transferAmount"`
	ExtraAdjustment     decimal.Decimal `json:"extraAdjustment"`
	CollectedAmount     decimal.Decimal `json:"collectedAmount"`
	Net                 decimal.Decimal `json:"net"`
	HasOverdueCarry     bool            `json:"hasOverdueCarry,omitempty"`
	HasOverpaymentCarry bool            `json:"hasOverpaymentCarry,omitempty"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// ComputeNet returns collected − (transfer + extra).
func (r Row) ComputeNet() decimal.Decimal {
	return r.CollectedAmount.Sub(r.TransferAmount.Add(r.ExtraAdjustment))
}

// IsEmpty reports a row with no identifying text and no amounts.
func (r Row) IsEmpty() bool {
	return strings.TrimSpace(r.ShopName) == "" &&
		strings.TrimSpace(r.ShopCode) == "" &&
		r.TransferAmount.IsZero() &&
		r.ExtraAdjustment.IsZero() &&
		r.CollectedAmount.IsZero()
}

// RowPatch carries the fields to change; nil fields are left as they are.
type RowPatch struct {
	ShopName        *string
	ShopCode        *string
	TransferAmount  *decimal.Decimal
	ExtraAdjustment *decimal.Decimal
	CollectedAmount *decimal.Decimal
}

func (p RowPatch) apply(row Row) Row {
	if p.ShopName != nil {
		row.ShopName = *p.ShopName
	}
	if p.ShopCode != nil {
		row.ShopCode = strings.TrimSpace(*p.ShopCode)
	}
	if p.TransferAmount != nil {
		row.TransferAmount = *p.TransferAmount
	}
	if p.ExtraAdjustment != nil {
		row.ExtraAdjustment = *p.ExtraAdjustment
	}
	if p.CollectedAmount != nil {
		row.CollectedAmount = *p.CollectedAmount
	}
	row.Net = row.ComputeNet()
	return row
}

type Worksheet struct {
	OwnerID        string          `json:"ownerId"`
	Rows           []Row           `json:"rows"`
	MasterLimit    decimal.Decimal `json:"masterLimit"`
	ExtraLimit     decimal.Decimal `json:"extraLimit"`
	CurrentBalance decimal.Decimal `json:"currentBalance"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	LastUpdatedBy  string          `json:"lastUpdatedBy,omitempty"`
	// RemovedRows remembers deleted row ids so a replica that still holds the
	// row cannot bring it back on the next merge.
	RemovedRows []RowTombstone `json:"removedRows,omitempty"`
}

type RowTombstone struct {
	ID        string    `json:"id"`
	RemovedAt time.Time `json:"removedAt"`
}

// TombstoneRetention bounds how long a removed row id is remembered.
const TombstoneRetention = 30 * 24 * time.Hour

func NewWorksheet(ownerID string) Worksheet {
	return Worksheet{OwnerID: ownerID, Rows: []Row{}}
}

func (w Worksheet) Clone() Worksheet {
	out := w
	out.Rows = append([]Row(nil), w.Rows...)
	if out.Rows == nil {
		out.Rows = []Row{}
	}
	if w.RemovedRows != nil {
		out.RemovedRows = append([]RowTombstone(nil), w.RemovedRows...)
	}
	return out
}

func (w *Worksheet) recompute() {
	if w.Rows == nil {
		w.Rows = []Row{}
	}
	for i := range w.Rows {
		w.Rows[i].Net = w.Rows[i].ComputeNet()
	}
}

func (w Worksheet) rowIndex(rowID string) int {
	for i := range w.Rows {
		if w.Rows[i].ID == rowID {
			return i
		}
	}
	return -1
}

type Totals struct {
	Transfer   decimal.Decimal `json:"transfer"`
	Extra      decimal.Decimal `json:"extra"`
	Collected  decimal.Decimal `json:"collected"`
	Net        decimal.Decimal `json:"net"`
	Outgoing   decimal.Decimal `json:"outgoing"`
	Limit      decimal.Decimal `json:"limit"`
	Remaining  decimal.Decimal `json:"remaining"`
	CashOnHand decimal.Decimal `json:"cashOnHand"`
}

func ComputeTotals(w Worksheet) Totals {
	var t Totals
	for _, row := range w.Rows {
		t.Transfer = t.Transfer.Add(row.TransferAmount)
		t.Extra = t.Extra.Add(row.ExtraAdjustment)
		t.Collected = t.Collected.Add(row.CollectedAmount)
		t.Net = t.Net.Add(row.ComputeNet())
	}
	t.Outgoing = t.Transfer.Add(t.Extra)
	t.Limit = w.MasterLimit.Add(w.ExtraLimit)
	t.Remaining = t.Limit.Sub(t.Outgoing)
	t.CashOnHand = w.CurrentBalance.Add(t.Collected)
	return t
}

type ArchiveSnapshot struct {
	OwnerID    string    `json:"ownerId"`
	Date       string    `json:"date"`
	Rows       []Row     `json:"rows"`
	Totals     Totals    `json:"totals"`
	CreatedAt  time.Time `json:"createdAt"`
	ArchivedBy string    `json:"archivedBy,omitempty"`
}

type ArchiveDate struct {
	Date       string     `json:"date"`
	Provenance Provenance `json:"provenance"`
}

type CarryForward struct {
	ShopCode string          `json:"shopCode"`
	ShopName string          `json:"shopName"`
	Net      decimal.Decimal `json:"net"`
	Date     string          `json:"date"`
}

type QueueItem struct {
	ID         string          `json:"id"`
	Type       QueueItemType   `json:"type"`
	OwnerID    string          `json:"ownerId"`
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Attempts   int             `json:"attempts,omitempty"`
	LastError  string          `json:"lastError,omitempty"`
}

type RouteRecord struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"ownerId"`
	ShopCode     string    `json:"shopCode"`
	ShopName     string    `json:"shopName"`
	SortOrder    int       `json:"sortOrder"`
	DisplayIndex int       `json:"displayIndex"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	IsIgnored    bool      `json:"isIgnored"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Grant struct {
	ID         string      `json:"id"`
	SenderID   string      `json:"senderId"`
	ReceiverID string      `json:"receiverId"`
	Role       Role        `json:"role"`
	Status     GrantStatus `json:"status"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// Involves reports whether userID is either party of the grant.
func (g Grant) Involves(userID string) bool {
	return g.SenderID == userID || g.ReceiverID == userID
}

type Session struct {
	UserID  string
	IsAdmin bool
}

func validDate(date string) bool {
	_, err := time.Parse(DateLayout, date)
	return err == nil
}
