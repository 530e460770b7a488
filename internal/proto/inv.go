package proto

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const (
	MsgTypeInv     = "inv"
	MsgTypeGetData = "getdata"
	MsgTypeTx      = "tx"

	MaxInvSize = 64 << 10
	MaxTxSize  = 1 << 20

	// MaxInvEntries bounds a single announcement batch.
	MaxInvEntries = 1000
)

// InvMsg announces transactions by wtxid, either as low-fanout flooding
// or as the announcement leg concluding a reconciliation round.
type InvMsg struct {
	Type         string   `json:"type"`
	ProtoVersion string   `json:"proto_version"`
	Suite        string   `json:"suite"`
	Wtxids       []string `json:"wtxids"`
}

func EncodeInvMsg(m InvMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeInv
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	if m.Suite == "" {
		m.Suite = Suite
	}
	return json.Marshal(m)
}

func DecodeInvMsg(data []byte) (InvMsg, error) {
	var m InvMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return InvMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeInv {
		return InvMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := validateInvLike(m.ProtoVersion, m.Suite, m.Wtxids); err != nil {
		return InvMsg{}, err
	}
	return m, nil
}

// GetDataMsg requests full transactions by wtxid.
type GetDataMsg struct {
	Type         string   `json:"type"`
	ProtoVersion string   `json:"proto_version"`
	Suite        string   `json:"suite"`
	Wtxids       []string `json:"wtxids"`
}

func EncodeGetDataMsg(m GetDataMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeGetData
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	if m.Suite == "" {
		m.Suite = Suite
	}
	return json.Marshal(m)
}

func DecodeGetDataMsg(data []byte) (GetDataMsg, error) {
	var m GetDataMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return GetDataMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeGetData {
		return GetDataMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := validateInvLike(m.ProtoVersion, m.Suite, m.Wtxids); err != nil {
		return GetDataMsg{}, err
	}
	return m, nil
}

// TxMsg carries one full transaction.
type TxMsg struct {
	Type         string `json:"type"`
	ProtoVersion string `json:"proto_version"`
	Suite        string `json:"suite"`
	Wtxid        string `json:"wtxid"`
	Data         string `json:"data"`
}

func EncodeTxMsg(m TxMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeTx
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	if m.Suite == "" {
		m.Suite = Suite
	}
	return json.Marshal(m)
}

func DecodeTxMsg(data []byte) (TxMsg, error) {
	var m TxMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return TxMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeTx {
		return TxMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return TxMsg{}, err
	}
	if _, err := DecodeTxID(m.Wtxid); err != nil {
		return TxMsg{}, err
	}
	if _, err := hex.DecodeString(m.Data); err != nil {
		return TxMsg{}, fmt.Errorf("bad tx data")
	}
	return m, nil
}

func validateInvLike(protoVersion, suite string, wtxids []string) error {
	if err := ValidateWireMeta(protoVersion, suite); err != nil {
		return err
	}
	if len(wtxids) == 0 {
		return fmt.Errorf("empty announcement")
	}
	if len(wtxids) > MaxInvEntries {
		return fmt.Errorf("too many entries: %d", len(wtxids))
	}
	for _, w := range wtxids {
		if _, err := DecodeTxID(w); err != nil {
			return err
		}
	}
	return nil
}
