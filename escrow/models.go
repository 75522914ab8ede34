package escrow

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"escrowflow/vault"
)

const (
	MaxMilestones = 5
	// MinDuration is the shortest lifetime an agreement may be created with.
	MinDuration = time.Hour
)

// agreementNamespace scopes name-based agreement ids.
var agreementNamespace = uuid.MustParse("6f1c3c3e-5d2a-4c8e-9a57-0b7e6f7d2a11")

// AgreementID derives the agreement identifier from the payer and a caller-chosen seed.
func AgreementID(payer, seed string) string {
	return uuid.NewSHA1(agreementNamespace, []byte(payer+"\x00"+seed)).String()
}

// CustodyAccount is the vault account holding an agreement's locked value.
func CustodyAccount(agreementID string) string {
	return vault.CustodyPrefix + agreementID
}

// IsCustody reports whether identity is any agreement's custody account. Such
// identities are never valid payees, beneficiaries or certificate holders.
func IsCustody(identity string) bool {
	return vault.IsCustody(identity)
}

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusDisputed  Status = "disputed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneApproved  MilestoneStatus = "approved"
	MilestoneReleased  MilestoneStatus = "released"
	MilestoneCancelled MilestoneStatus = "cancelled"
)

// Settled reports whether the milestone can no longer move value.
func (s MilestoneStatus) Settled() bool {
	return s == MilestoneReleased || s == MilestoneCancelled
}

// Hash is an opaque 32-byte content digest.
type Hash [32]byte

func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(h) {
		return Hash{}, ErrInvalidHash
	}
	copy(h[:], b)
	return h, nil
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

type Milestone struct {
	Amount          uint64
	DescriptionHash Hash
	Status          MilestoneStatus
}

// MilestoneSet is the fixed-capacity, index-addressed milestone arena of one agreement.
type MilestoneSet struct {
	slots [MaxMilestones]Milestone
	count int
}

func (m *MilestoneSet) Len() int {
	return m.count
}

func (m *MilestoneSet) At(index int) (Milestone, error) {
	if index < 0 || index >= m.count {
		return Milestone{}, ErrMilestoneIndexOutOfBounds
	}
	return m.slots[index], nil
}

// All returns a copy of the milestones in index order.
func (m *MilestoneSet) All() []Milestone {
	out := make([]Milestone, m.count)
	copy(out, m.slots[:m.count])
	return out
}

func (m *MilestoneSet) setStatus(index int, status MilestoneStatus) {
	m.slots[index].Status = status
}

// settled reports whether every milestone is Released or Cancelled.
func (m *MilestoneSet) settled() bool {
	for i := 0; i < m.count; i++ {
		if !m.slots[i].Status.Settled() {
			return false
		}
	}
	return true
}

// restoreMilestones rebuilds a set from persisted rows without re-validating amounts.
func restoreMilestones(ms []Milestone) (MilestoneSet, error) {
	var set MilestoneSet
	if len(ms) == 0 || len(ms) > MaxMilestones {
		return set, ErrInvalidMilestoneCount
	}
	set.count = copy(set.slots[:], ms)
	return set, nil
}

type ResolutionKind string

const (
	MakerWins ResolutionKind = "maker_wins"
	TakerWins ResolutionKind = "taker_wins"
	SplitWin  ResolutionKind = "split"
)

// Resolution is the authority's verdict. PayerBps only applies to SplitWin.
type Resolution struct {
	Kind     ResolutionKind
	PayerBps uint16
}

func (r Resolution) Validate() error {
	switch r.Kind {
	case MakerWins, TakerWins:
		return nil
	case SplitWin:
		if r.PayerBps > 10_000 {
			return ErrInvalidDisputeResolution
		}
		return nil
	default:
		return ErrInvalidDisputeResolution
	}
}

type Dispute struct {
	Initiator      string
	ReasonHash     Hash
	InitiatedAt    time.Time
	TimeoutSeconds int64
	Resolution     *Resolution
}

// Deadline is the instant after which the authority can no longer resolve.
func (d Dispute) Deadline() time.Time {
	return d.InitiatedAt.Add(time.Duration(d.TimeoutSeconds) * time.Second)
}

type Agreement struct {
	ID                string
	Seed              string
	Payer             string
	OriginalPayee     string
	Beneficiary       string
	Asset             string
	TotalAmount       uint64
	ReleasedAmount    uint64
	RefundedAmount    uint64
	Milestones        MilestoneSet
	Status            Status
	CreatedAt         time.Time
	ExpiresAt         time.Time
	FeeBpsAtCreation  uint16
	Dispute           *Dispute
	CertificateHandle string
	UpdatedAt         time.Time
}

// Custody returns the vault account holding this agreement's value.
func (a *Agreement) Custody() string {
	return CustodyAccount(a.ID)
}

func (a *Agreement) expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// Deadline is the effective settlement deadline: the dispute deadline while
// disputed, otherwise the expiration time.
func (a *Agreement) Deadline() time.Time {
	if a.Status == StatusDisputed && a.Dispute != nil {
		return a.Dispute.Deadline()
	}
	return a.ExpiresAt
}

func (a *Agreement) clone() *Agreement {
	c := *a
	if a.Dispute != nil {
		d := *a.Dispute
		if a.Dispute.Resolution != nil {
			r := *a.Dispute.Resolution
			d.Resolution = &r
		}
		c.Dispute = &d
	}
	return &c
}

// Payout is the value an operation moves out of custody. Fee and Net together are
// the beneficiary's gross share.
type Payout struct {
	ToPayer uint64
	Fee     uint64
	Net     uint64
}

func (p Payout) Zero() bool {
	return p.ToPayer == 0 && p.Fee == 0 && p.Net == 0
}

// CertificateState is the registry's view of a certificate at operation time.
type CertificateState struct {
	Holder string
	Supply uint64
}
