package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Recipient 转账接收方
type Recipient struct {
	Address string          `json:"address"`
	Amount  decimal.Decimal `json:"amount"`
	Asset   string          `json:"asset,omitempty"`
}

// ProgramCall 合约调用
type ProgramCall struct {
	ProgramID string   `json:"program_id"`
	Function  string   `json:"function"`
	Inputs    []string `json:"inputs,omitempty"`
}

// Payload 交易意图，broker 只做路由和关联，不解释业务内容
type Payload struct {
	Recipients   []Recipient     `json:"recipients,omitempty"`
	ProgramCalls []ProgramCall   `json:"program_calls,omitempty"`
	Fee          decimal.Decimal `json:"fee"`
	Memo         string          `json:"memo,omitempty"`
}

// Validate 基本结构校验
func (p Payload) Validate() error {
	if len(p.Recipients) == 0 && len(p.ProgramCalls) == 0 {
		return fmt.Errorf("payload has neither recipients nor program calls")
	}
	for i, r := range p.Recipients {
		if r.Address == "" {
			return fmt.Errorf("recipients[%d]: address is empty", i)
		}
		if !r.Amount.IsPositive() {
			return fmt.Errorf("recipients[%d]: amount must be positive", i)
		}
	}
	for i, c := range p.ProgramCalls {
		if c.ProgramID == "" || c.Function == "" {
			return fmt.Errorf("program_calls[%d]: program_id and function are required", i)
		}
	}
	if p.Fee.IsNegative() {
		return fmt.Errorf("fee must not be negative")
	}
	return nil
}

// TotalAmount 所有接收方金额之和
func (p Payload) TotalAmount() decimal.Decimal {
	total := decimal.Zero
	for _, r := range p.Recipients {
		total = total.Add(r.Amount)
	}
	return total
}

// Clone 深拷贝
func (p Payload) Clone() Payload {
	c := p
	if p.Recipients != nil {
		c.Recipients = append([]Recipient(nil), p.Recipients...)
	}
	if p.ProgramCalls != nil {
		c.ProgramCalls = make([]ProgramCall, len(p.ProgramCalls))
		for i, call := range p.ProgramCalls {
			call.Inputs = append([]string(nil), call.Inputs...)
			c.ProgramCalls[i] = call
		}
	}
	return c
}

// Value 以 JSON 存储
func (p Payload) Value() (driver.Value, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan 从数据库读取
func (p *Payload) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*p = Payload{}
		return nil
	case string:
		return json.Unmarshal([]byte(v), p)
	case []byte:
		return json.Unmarshal(v, p)
	default:
		return fmt.Errorf("cannot scan %T into Payload", value)
	}
}
