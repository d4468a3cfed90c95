package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to SessionStatus
		allowed  bool
	}{
		{SessionStatusPending, SessionStatusActive, true},
		{SessionStatusPending, SessionStatusDenied, true},
		{SessionStatusPending, SessionStatusExpired, true},
		{SessionStatusPending, SessionStatusRevoked, false},
		{SessionStatusActive, SessionStatusRevoked, true},
		{SessionStatusActive, SessionStatusExpired, true},
		{SessionStatusActive, SessionStatusPending, false},
		{SessionStatusDenied, SessionStatusActive, false},
		{SessionStatusRevoked, SessionStatusActive, false},
		{SessionStatusExpired, SessionStatusActive, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestSessionStatus_TerminalHasNoExit(t *testing.T) {
	all := []SessionStatus{SessionStatusPending, SessionStatusActive, SessionStatusDenied, SessionStatusRevoked, SessionStatusExpired}
	for _, from := range all {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range all {
			assert.False(t, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
	assert.Equal(t, "UNKNOWN", SessionStatus(42).String())
}

func TestSigningStatus_Transitions(t *testing.T) {
	all := []SigningStatus{
		SigningStatusPending, SigningStatusApproved, SigningStatusSubmitting,
		SigningStatusSubmitted, SigningStatusFailed, SigningStatusRejected, SigningStatusExpired,
	}
	for _, from := range all {
		for _, to := range all {
			if from.IsTerminal() {
				assert.False(t, from.CanTransitionTo(to), "%s -> %s", from, to)
			}
			// 不允许回退
			if to == SigningStatusPending {
				assert.False(t, from.CanTransitionTo(to))
			}
		}
	}

	assert.True(t, SigningStatusPending.CanTransitionTo(SigningStatusApproved))
	assert.False(t, SigningStatusPending.CanTransitionTo(SigningStatusSubmitting))
	assert.True(t, SigningStatusApproved.CanTransitionTo(SigningStatusSubmitting))
	assert.False(t, SigningStatusApproved.CanTransitionTo(SigningStatusRejected))
	assert.True(t, SigningStatusSubmitting.CanTransitionTo(SigningStatusFailed))
	assert.Equal(t, "SUBMITTING", SigningStatusSubmitting.String())
}

func TestScopeSet(t *testing.T) {
	set, err := ParseScopes([]string{"sign_transactions", "view_accounts", "view_accounts"})
	require.NoError(t, err)
	assert.Equal(t, ScopeSet{ScopeSignTransactions, ScopeViewAccounts}, set)

	_, err = ParseScopes([]string{"admin"})
	assert.Error(t, err)

	narrow := NewScopeSet(ScopeViewAccounts)
	assert.True(t, narrow.SubsetOf(set))
	assert.False(t, set.SubsetOf(narrow))
	assert.True(t, ScopeSet{}.SubsetOf(narrow))

	v, err := set.Value()
	require.NoError(t, err)
	assert.Equal(t, "sign_transactions,view_accounts", v)

	var scanned ScopeSet
	require.NoError(t, scanned.Scan([]byte("view_balance,view_accounts")))
	assert.Equal(t, ScopeSet{ScopeViewAccounts, ScopeViewBalance}, scanned)
	require.NoError(t, scanned.Scan(""))
	assert.Empty(t, scanned)
	assert.Error(t, scanned.Scan(12))
}

func TestPayload_Validate(t *testing.T) {
	valid := Payload{
		Recipients: []Recipient{{Address: "aleo1recipient", Amount: decimal.NewFromInt(5)}},
		Fee:        decimal.RequireFromString("0.25"),
	}
	assert.NoError(t, valid.Validate())
	assert.True(t, decimal.NewFromInt(5).Equal(valid.TotalAmount()))

	tests := []struct {
		name    string
		payload Payload
	}{
		{"empty", Payload{}},
		{"missing address", Payload{Recipients: []Recipient{{Amount: decimal.NewFromInt(1)}}}},
		{"zero amount", Payload{Recipients: []Recipient{{Address: "a", Amount: decimal.Zero}}}},
		{"incomplete call", Payload{ProgramCalls: []ProgramCall{{ProgramID: "credits.aleo"}}}},
		{"negative fee", Payload{ProgramCalls: []ProgramCall{{ProgramID: "p", Function: "f"}}, Fee: decimal.NewFromInt(-1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.payload.Validate())
		})
	}
}

func TestPayload_ScanValue(t *testing.T) {
	p := Payload{
		ProgramCalls: []ProgramCall{{ProgramID: "credits.aleo", Function: "transfer_public", Inputs: []string{"a", "1u64"}}},
		Fee:          decimal.RequireFromString("0.1"),
	}
	v, err := p.Value()
	require.NoError(t, err)

	var out Payload
	require.NoError(t, out.Scan(v))
	assert.Equal(t, "transfer_public", out.ProgramCalls[0].Function)
	assert.True(t, p.Fee.Equal(out.Fee))

	clone := p.Clone()
	clone.ProgramCalls[0].Inputs[0] = "changed"
	assert.Equal(t, "a", p.ProgramCalls[0].Inputs[0])
}

func TestSession_ExpiryAndClone(t *testing.T) {
	s := &Session{ID: "s1", GrantedScopes: NewScopeSet(ScopeViewAccounts), ExpiresAt: 1000}
	assert.False(t, s.IsExpiredAt(1000))
	assert.True(t, s.IsExpiredAt(1001))

	s.ExpiresAt = 0
	assert.False(t, s.IsExpiredAt(1<<60))

	c := s.Clone()
	c.GrantedScopes[0] = ScopeSignTransactions
	assert.Equal(t, ScopeViewAccounts, s.GrantedScopes[0])
	assert.Equal(t, "dapp_sessions", Session{}.TableName())
}

func TestSigningEvent(t *testing.T) {
	r := &SigningRequest{ID: "r1", SessionID: "s1", Origin: "https://x.test", Status: SigningStatusSubmitted, Result: "at1tx"}
	e := SigningEvent(r, 10)
	assert.Equal(t, "r1", e.Handle)
	assert.Equal(t, "s1", e.SessionID)
	assert.Equal(t, "SUBMITTED", e.Status)
	assert.Equal(t, "at1tx", e.Detail)
	assert.Equal(t, "signing:r1", r.IdempotencyToken())
}

func TestParseStatus(t *testing.T) {
	st, ok := ParseSessionStatus("active")
	assert.True(t, ok)
	assert.Equal(t, SessionStatusActive, st)
	_, ok = ParseSessionStatus("UNKNOWN")
	assert.False(t, ok)

	sg, ok := ParseSigningStatus("Submitting")
	assert.True(t, ok)
	assert.Equal(t, SigningStatusSubmitting, sg)
	_, ok = ParseSigningStatus("done")
	assert.False(t, ok)
}
