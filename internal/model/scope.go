package model

import (
	"database/sql/driver"
	"fmt"
	"sort"
	"strings"
)

// Scope 授予会话的权限
type Scope string

const (
	ScopeViewAccounts     Scope = "view_accounts"
	ScopeViewBalance      Scope = "view_balance"
	ScopeSignTransactions Scope = "sign_transactions"
	ScopeCallContractView Scope = "call_contract_view"
)

// IsValid 是否为已知权限
func (s Scope) IsValid() bool {
	switch s {
	case ScopeViewAccounts, ScopeViewBalance, ScopeSignTransactions, ScopeCallContractView:
		return true
	}
	return false
}

// ScopeSet 去重且有序的权限集合
type ScopeSet []Scope

// NewScopeSet 构造集合，去重排序
func NewScopeSet(scopes ...Scope) ScopeSet {
	seen := make(map[Scope]struct{}, len(scopes))
	out := make(ScopeSet, 0, len(scopes))
	for _, s := range scopes {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseScopes 从字符串解析，遇到未知权限返回错误
func ParseScopes(raw []string) (ScopeSet, error) {
	scopes := make([]Scope, 0, len(raw))
	for _, r := range raw {
		s := Scope(strings.TrimSpace(r))
		if !s.IsValid() {
			return nil, fmt.Errorf("unknown scope %q", r)
		}
		scopes = append(scopes, s)
	}
	return NewScopeSet(scopes...), nil
}

// Contains 是否包含
func (s ScopeSet) Contains(scope Scope) bool {
	for _, v := range s {
		if v == scope {
			return true
		}
	}
	return false
}

// SubsetOf 是否为 other 的子集
func (s ScopeSet) SubsetOf(other ScopeSet) bool {
	for _, v := range s {
		if !other.Contains(v) {
			return false
		}
	}
	return true
}

// Clone 复制
func (s ScopeSet) Clone() ScopeSet {
	if s == nil {
		return nil
	}
	out := make(ScopeSet, len(s))
	copy(out, s)
	return out
}

// Strings 转为字符串切片
func (s ScopeSet) Strings() []string {
	out := make([]string, len(s))
	for i, v := range s {
		out[i] = string(v)
	}
	return out
}

// Value 以逗号分隔存储
func (s ScopeSet) Value() (driver.Value, error) {
	return strings.Join(s.Strings(), ","), nil
}

// Scan 从数据库读取
func (s *ScopeSet) Scan(value interface{}) error {
	var raw string
	switch v := value.(type) {
	case nil:
		*s = nil
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into ScopeSet", value)
	}
	if raw == "" {
		*s = ScopeSet{}
		return nil
	}
	parsed, err := ParseScopes(strings.Split(raw, ","))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
