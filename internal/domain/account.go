package domain

import (
	"fmt"
	"strconv"
)

// PlatformOwnerID owns the platform-wide accounts.
const PlatformOwnerID = "platform"

// AccountType is the closed set of balance holders. The declaration order is
// the global lock order.
type AccountType int

const (
	StudentAvailable AccountType = iota + 1
	StudentLocked
	MentorAvailable
	MentorLocked
	PlatformRevenue
	ExternalGateway
)

// AccountTypes lists every account type in lock order.
var AccountTypes = []AccountType{
	StudentAvailable,
	StudentLocked,
	MentorAvailable,
	MentorLocked,
	PlatformRevenue,
	ExternalGateway,
}

func (t AccountType) String() string {
	switch t {
	case StudentAvailable:
		return "student_available"
	case StudentLocked:
		return "student_locked"
	case MentorAvailable:
		return "mentor_available"
	case MentorLocked:
		return "mentor_locked"
	case PlatformRevenue:
		return "platform_revenue"
	case ExternalGateway:
		return "external_gateway"
	default:
		return "unknown"
	}
}

// ParseAccountType is the inverse of String.
func ParseAccountType(s string) (AccountType, error) {
	for _, t := range AccountTypes {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown account type %q", s)
}

// Constrained reports whether the balance must stay non-negative.
func (t AccountType) Constrained() bool {
	switch t {
	case StudentAvailable, StudentLocked, MentorAvailable, MentorLocked:
		return true
	case PlatformRevenue, ExternalGateway:
		return false
	default:
		panic(fmt.Sprintf("domain: unhandled account type %d", int(t)))
	}
}

// Sign is +1 for holder accounts and -1 for the gateway contra account, so
// that sum(holders) - externalGateway stays at zero.
func (t AccountType) Sign() int64 {
	switch t {
	case StudentAvailable, StudentLocked, MentorAvailable, MentorLocked, PlatformRevenue:
		return 1
	case ExternalGateway:
		return -1
	default:
		panic(fmt.Sprintf("domain: unhandled account type %d", int(t)))
	}
}

// PlatformScoped reports whether the account is platform-wide rather than
// owned by a user.
func (t AccountType) PlatformScoped() bool {
	return t == PlatformRevenue || t == ExternalGateway
}

// AccountID identifies an account by owner and type.
type AccountID struct {
	OwnerID string      `json:"owner_id"`
	Type    AccountType `json:"account_type"`
}

func (a AccountID) String() string {
	return a.OwnerID + "/" + a.Type.String()
}

// LockKey sorts by account type first and owner second.
func (a AccountID) LockKey() string {
	return "account:" + strconv.Itoa(int(a.Type)) + ":" + a.OwnerID
}

// Less orders accounts the same way LockKey does.
func (a AccountID) Less(b AccountID) bool {
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	return a.OwnerID < b.OwnerID
}

func Student(ownerID string) (available, locked AccountID) {
	return AccountID{OwnerID: ownerID, Type: StudentAvailable}, AccountID{OwnerID: ownerID, Type: StudentLocked}
}

func Mentor(ownerID string) (available, locked AccountID) {
	return AccountID{OwnerID: ownerID, Type: MentorAvailable}, AccountID{OwnerID: ownerID, Type: MentorLocked}
}

func Revenue() AccountID {
	return AccountID{OwnerID: PlatformOwnerID, Type: PlatformRevenue}
}

func Gateway() AccountID {
	return AccountID{OwnerID: PlatformOwnerID, Type: ExternalGateway}
}

// Wallet is the available/locked pair for one user role.
type Wallet struct {
	OwnerID   string `json:"owner_id"`
	Available int64  `json:"available"`
	Locked    int64  `json:"locked"`
	Currency  string `json:"currency"`
}

// Delta is a signed balance change in the account's own orientation.
type Delta struct {
	Account AccountID
	Amount  int64
}

func (t AccountType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *AccountType) UnmarshalText(b []byte) error {
	v, err := ParseAccountType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
