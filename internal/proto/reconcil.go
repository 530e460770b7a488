package proto

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	MsgTypeSendTxRcncl  = "sendtxrcncl"
	MsgTypeReqTxRcncl   = "reqtxrcncl"
	MsgTypeSketch       = "sketch"
	MsgTypeReqSketchExt = "reqsketchext"
	MsgTypeReconcilDiff = "reconcildiff"

	MaxSendTxRcnclSize  = 1 << 10
	MaxReqTxRcnclSize   = 1 << 10
	MaxSketchSize       = 64 << 10
	MaxReconcilDiffSize = 64 << 10
)

// SendTxRcnclMsg announces reconciliation support during connection
// setup: our role flags, protocol version and salt contribution. Sent
// exactly once per connection, before any transaction relay.
type SendTxRcnclMsg struct {
	Type         string `json:"type"`
	ProtoVersion string `json:"proto_version"`
	Suite        string `json:"suite"`
	Initiator    bool   `json:"initiator"`
	Responder    bool   `json:"responder"`
	Version      uint32 `json:"version"`
	// Salt is a 64-bit value; carried as a decimal string because JSON
	// numbers lose precision past 2^53.
	Salt string `json:"salt"`
}

func EncodeSendTxRcnclMsg(m SendTxRcnclMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeSendTxRcncl
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	if m.Suite == "" {
		m.Suite = Suite
	}
	return json.Marshal(m)
}

func DecodeSendTxRcnclMsg(data []byte) (SendTxRcnclMsg, error) {
	var m SendTxRcnclMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return SendTxRcnclMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeSendTxRcncl {
		return SendTxRcnclMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return SendTxRcnclMsg{}, err
	}
	if _, err := ParseSalt(m.Salt); err != nil {
		return SendTxRcnclMsg{}, err
	}
	return m, nil
}

func FormatSalt(salt uint64) string {
	return strconv.FormatUint(salt, 10)
}

func ParseSalt(s string) (uint64, error) {
	salt, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad salt")
	}
	return salt, nil
}

// ReqTxRcnclMsg opens a reconciliation round: the initiator's set size
// and its fixed-point difference coefficient q.
type ReqTxRcnclMsg struct {
	Type         string `json:"type"`
	ProtoVersion string `json:"proto_version"`
	Suite        string `json:"suite"`
	SetSize      uint32 `json:"set_size"`
	Q            uint16 `json:"q"`
}

func EncodeReqTxRcnclMsg(m ReqTxRcnclMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeReqTxRcncl
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	if m.Suite == "" {
		m.Suite = Suite
	}
	return json.Marshal(m)
}

func DecodeReqTxRcnclMsg(data []byte) (ReqTxRcnclMsg, error) {
	var m ReqTxRcnclMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return ReqTxRcnclMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeReqTxRcncl {
		return ReqTxRcnclMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return ReqTxRcnclMsg{}, err
	}
	return m, nil
}

// SketchMsg carries serialized sketch syndromes. Extension marks the
// upper half of a double-capacity sketch sent after a failed decode.
type SketchMsg struct {
	Type         string `json:"type"`
	ProtoVersion string `json:"proto_version"`
	Suite        string `json:"suite"`
	Skdata       string `json:"skdata"`
	Extension    bool   `json:"extension,omitempty"`
}

func EncodeSketchMsg(m SketchMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeSketch
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	if m.Suite == "" {
		m.Suite = Suite
	}
	return json.Marshal(m)
}

func DecodeSketchMsg(data []byte) (SketchMsg, error) {
	var m SketchMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return SketchMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeSketch {
		return SketchMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return SketchMsg{}, err
	}
	if _, err := hex.DecodeString(m.Skdata); err != nil {
		return SketchMsg{}, fmt.Errorf("bad skdata")
	}
	return m, nil
}

func (m SketchMsg) SkdataBytes() []byte {
	raw, _ := hex.DecodeString(m.Skdata)
	return raw
}

type ReqSketchExtMsg struct {
	Type         string `json:"type"`
	ProtoVersion string `json:"proto_version"`
	Suite        string `json:"suite"`
}

func EncodeReqSketchExtMsg(m ReqSketchExtMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeReqSketchExt
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	if m.Suite == "" {
		m.Suite = Suite
	}
	return json.Marshal(m)
}

func DecodeReqSketchExtMsg(data []byte) (ReqSketchExtMsg, error) {
	var m ReqSketchExtMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return ReqSketchExtMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeReqSketchExt {
		return ReqSketchExtMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return ReqSketchExtMsg{}, err
	}
	return m, nil
}

// ReconcilDiffMsg concludes a round: whether the initiator decoded the
// difference, and the short IDs of transactions it wants announced in
// full.
type ReconcilDiffMsg struct {
	Type         string   `json:"type"`
	ProtoVersion string   `json:"proto_version"`
	Suite        string   `json:"suite"`
	Success      bool     `json:"success"`
	AskShortIDs  []uint32 `json:"ask_shortids,omitempty"`
}

func EncodeReconcilDiffMsg(m ReconcilDiffMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeReconcilDiff
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	if m.Suite == "" {
		m.Suite = Suite
	}
	return json.Marshal(m)
}

func DecodeReconcilDiffMsg(data []byte) (ReconcilDiffMsg, error) {
	var m ReconcilDiffMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return ReconcilDiffMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeReconcilDiff {
		return ReconcilDiffMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return ReconcilDiffMsg{}, err
	}
	return m, nil
}
