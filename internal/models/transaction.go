package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Int64 decodes integers the indexer sends either as JSON numbers or as decimal strings
type Int64 int64

// UnmarshalJSON accepts 123, "123" and null
func (n *Int64) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*n = 0
			return nil
		}
		data = []byte(s)
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", string(data), err)
	}
	*n = Int64(v)
	return nil
}

// Message is an inbound or outbound message of a transaction. Values are nanotons.
type Message struct {
	Hash        string  `json:"hash"`
	Source      *string `json:"source"`
	Destination *string `json:"destination"`
	Value       Int64   `json:"value"`
	FwdFee      Int64   `json:"fwd_fee"`
	IhrFee      Int64   `json:"ihr_fee"`
	CreatedLT   Int64   `json:"created_lt"`
	CreatedAt   Int64   `json:"created_at"`
	Opcode      *string `json:"opcode"`
	Bounce      *bool   `json:"bounce"`
	Bounced     *bool   `json:"bounced"`
}

// Op returns the message opcode or an empty string
func (m Message) Op() string {
	if m.Opcode == nil {
		return ""
	}
	return *m.Opcode
}

// Transaction is one account transaction from the blockchain indexer
type Transaction struct {
	Account   string    `json:"account"`
	Hash      string    `json:"hash"`
	LT        Int64     `json:"lt"`
	Now       int64     `json:"now"`
	TotalFees Int64     `json:"total_fees"`
	InMsg     *Message  `json:"in_msg"`
	OutMsgs   []Message `json:"out_msgs"`
}
