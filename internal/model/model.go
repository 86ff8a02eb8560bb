// Package model defines domain entities used by services, clients and repositories.
package model

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// expirySkew is subtracted from a credential's lifetime so a token is never
// handed out seconds before the remote side rejects it.
const expirySkew = 60 * time.Second

// Account identifies the signed-in user for silent reacquisition.
type Account struct {
	HomeAccountID string // oid.tid
	Username      string // preferred_username
	TenantID      string
}

// Credential is an issued bearer token. It is never mutated; a later
// authentication supersedes it.
type Credential struct {
	AccessToken  string
	RefreshToken string
	Scopes       []string
	Account      Account
	ExpiresAt    time.Time
}

// Valid reports whether the access token is usable at now.
func (c Credential) Valid(now time.Time) bool {
	return c.AccessToken != "" && now.Add(expirySkew).Before(c.ExpiresAt)
}

// HasScopes reports whether every required scope was granted.
// Scope names compare case-insensitively and without a resource prefix, so
// "https://graph.microsoft.com/Device.Read.All" satisfies "Device.Read.All".
func (c Credential) HasScopes(required []string) bool {
	for _, r := range required {
		r = shortScope(r)
		if !slices.ContainsFunc(c.Scopes, func(s string) bool { return strings.EqualFold(shortScope(s), r) }) {
			return false
		}
	}
	return true
}

func shortScope(s string) string {
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Clone returns a copy that shares no slices with c.
func (c Credential) Clone() Credential {
	c.Scopes = slices.Clone(c.Scopes)
	return c
}

// DeviceCodeChallenge is the identity service's answer to a device-code request.
type DeviceCodeChallenge struct {
	DeviceCode      string
	UserCode        string
	VerificationURI string
	Message         string
	Interval        time.Duration
	ExpiresAt       time.Time
}

// DeviceRecord is a snapshot of one managed device at fetch time.
type DeviceRecord struct {
	ID                string    `json:"id"`
	DeviceName        string    `json:"deviceName"`
	Model             string    `json:"model"`
	ComplianceState   string    `json:"complianceState"`
	LastSyncDateTime  time.Time `json:"lastSyncDateTime"`
	Manufacturer      string    `json:"manufacturer"`
	OperatingSystem   string    `json:"operatingSystem"`
	OSVersion         string    `json:"osVersion"`
	SerialNumber      string    `json:"serialNumber"`
	Ownership         string    `json:"managedDeviceOwnerType"`
	UserPrincipalName string    `json:"userPrincipalName"`
}

// FilterField selects the attribute a DeviceFilter matches on.
type FilterField string

const (
	FilterDeviceName        FilterField = "deviceName"
	FilterUserPrincipalName FilterField = "userPrincipalName"
)

// DeviceFilter is an exact-match predicate. The zero value matches everything.
type DeviceFilter struct {
	Field FilterField
	Value string
}

// IsZero reports whether the filter is absent.
func (f DeviceFilter) IsZero() bool { return f.Field == "" && f.Value == "" }

// Validate checks the filter is either absent or complete.
func (f DeviceFilter) Validate() error {
	if f.IsZero() {
		return nil
	}
	switch f.Field {
	case FilterDeviceName, FilterUserPrincipalName:
	default:
		return fmt.Errorf("unknown filter field %q", f.Field)
	}
	if strings.TrimSpace(f.Value) == "" {
		return fmt.Errorf("empty value for filter %q", f.Field)
	}
	return nil
}

// Expression renders the OData predicate, e.g. deviceName eq 'Laptop1'.
func (f DeviceFilter) Expression() string {
	if f.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s eq '%s'", f.Field, strings.ReplaceAll(f.Value, "'", "''"))
}

// ActionKind is a device lifecycle action.
type ActionKind int

const (
	ActionSync ActionKind = iota + 1
	ActionRetire
	ActionWipe
	ActionDelete
)

// ActionKinds lists every kind in declaration order.
var ActionKinds = []ActionKind{ActionSync, ActionRetire, ActionWipe, ActionDelete}

func (k ActionKind) String() string {
	switch k {
	case ActionSync:
		return "Sync"
	case ActionRetire:
		return "Retire"
	case ActionWipe:
		return "Wipe"
	case ActionDelete:
		return "Delete"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// Valid reports whether k is one of the declared kinds.
func (k ActionKind) Valid() bool { return k >= ActionSync && k <= ActionDelete }

// ParseActionKind maps a case-insensitive name to its ActionKind.
func ParseActionKind(s string) (ActionKind, error) {
	for _, k := range ActionKinds {
		if strings.EqualFold(strings.TrimSpace(s), k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

// ActionOutcome is the result of one device action.
type ActionOutcome struct {
	DeviceID   string
	Kind       ActionKind
	Success    bool
	StatusCode int    // 0 when no response was received
	Message    string // empty on success
}

// ActionBatch groups the outcomes of one Apply call.
type ActionBatch struct {
	ID         uuid.UUID
	Kind       ActionKind
	Operator   string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcomes   []ActionOutcome
}

// OutcomeRecord is one journaled outcome.
type OutcomeRecord struct {
	BatchID    uuid.UUID
	Seq        int
	Operator   string
	RecordedAt time.Time
	ActionOutcome
}
