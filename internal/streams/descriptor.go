package streams

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("stream not found")
	ErrNetwork           = errors.New("backend unreachable")
	ErrInvalidDescriptor = errors.New("invalid stream descriptor")
)

// AccessPolicy is how a stream is gated.
type AccessPolicy string

const (
	PolicyFree    AccessPolicy = "free"
	PolicyOneTime AccessPolicy = "one-time"
	PolicyMonthly AccessPolicy = "monthly"
)

func (p AccessPolicy) valid() bool {
	switch p {
	case PolicyFree, PolicyOneTime, PolicyMonthly:
		return true
	}
	return false
}

// Canonical returns the comparison form of a wallet address. Addresses are
// compared case-insensitively, so both sides are folded once at the boundary.
func Canonical(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Descriptor is a stream's public configuration as seen by a viewer.
type Descriptor struct {
	PlaybackID string
	Owner      string // as returned by the backend; used as the payment recipient
	Policy     AccessPolicy
	PriceUSD   decimal.Decimal

	Presentation Presentation

	ownerKey string
	payers   map[string]struct{}
}

// Presentation is display metadata; it plays no part in gating.
type Presentation struct {
	Name        string    `json:"streamName"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Logo        string    `json:"logo"`
	BgColor     string    `json:"bgcolor"`
	Color       string    `json:"color"`
	FontSize    string    `json:"fontSize"`
	FontFamily  string    `json:"fontFamily"`
	Donation    []float64 `json:"donation"`
}

// IsOwner reports whether addr is the stream owner.
func (d *Descriptor) IsOwner(addr string) bool {
	key := Canonical(addr)
	return key != "" && key == d.ownerKey
}

// HasPaid reports whether addr is in the paying-user snapshot.
func (d *Descriptor) HasPaid(addr string) bool {
	key := Canonical(addr)
	if key == "" {
		return false
	}
	_, ok := d.payers[key]
	return ok
}

// PayerCount is the size of the paying-user snapshot.
func (d *Descriptor) PayerCount() int {
	return len(d.payers)
}

// WithPayer returns a copy of d with addr added to the paying users.
func (d *Descriptor) WithPayer(addr string) *Descriptor {
	cp := *d
	cp.payers = make(map[string]struct{}, len(d.payers)+1)
	for k := range d.payers {
		cp.payers[k] = struct{}{}
	}
	if key := Canonical(addr); key != "" {
		cp.payers[key] = struct{}{}
	}
	return &cp
}

// NewDescriptor builds a descriptor, canonicalizing the owner and payers.
func NewDescriptor(playbackID, owner string, policy AccessPolicy, price decimal.Decimal, payers ...string) (*Descriptor, error) {
	if playbackID == "" {
		return nil, fmt.Errorf("%w: missing playback id", ErrInvalidDescriptor)
	}
	if !policy.valid() {
		return nil, fmt.Errorf("%w: unknown view mode %q", ErrInvalidDescriptor, policy)
	}
	if price.IsNegative() {
		return nil, fmt.Errorf("%w: negative price %s", ErrInvalidDescriptor, price)
	}
	d := &Descriptor{
		PlaybackID: playbackID,
		Owner:      strings.TrimSpace(owner),
		Policy:     policy,
		PriceUSD:   price,
		ownerKey:   Canonical(owner),
		payers:     make(map[string]struct{}, len(payers)),
	}
	for _, p := range payers {
		if key := Canonical(p); key != "" {
			d.payers[key] = struct{}{}
		}
	}
	return d, nil
}

// wireStream is the backend JSON shape.
type wireStream struct {
	PlaybackID string          `json:"playbackId"`
	CreatorID  string          `json:"creatorId"`
	ViewMode   string          `json:"viewMode"`
	Amount     decimal.Decimal `json:"amount"`
	Users      []struct {
		PayingUser string `json:"payingUser"`
	} `json:"Users"`
	Presentation
}

func (w *wireStream) toDescriptor() (*Descriptor, error) {
	payers := make([]string, 0, len(w.Users))
	for _, u := range w.Users {
		payers = append(payers, u.PayingUser)
	}
	d, err := NewDescriptor(w.PlaybackID, w.CreatorID, AccessPolicy(w.ViewMode), w.Amount, payers...)
	if err != nil {
		return nil, err
	}
	d.Presentation = w.Presentation
	return d, nil
}
