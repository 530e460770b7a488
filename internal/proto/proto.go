package proto

import (
	"encoding/hex"
	"fmt"

	"erlaynet/internal/recon"
)

const (
	ProtoVersion = "0.0.1"
	Suite        = "erlay-wire-v1"
)

func ValidateWireMeta(protoVersion, suite string) error {
	if protoVersion != "" && protoVersion != ProtoVersion {
		return fmt.Errorf("unsupported proto_version: %s", protoVersion)
	}
	if suite != "" && suite != Suite {
		return fmt.Errorf("unsupported suite: %s", suite)
	}
	return nil
}

// MaxSizeForType caps a frame before full decoding based on the sniffed
// message type. Unknown types fall back to the soft cap.
func MaxSizeForType(msgType string) int {
	switch msgType {
	case MsgTypeSendTxRcncl:
		return MaxSendTxRcnclSize
	case MsgTypeReqTxRcncl, MsgTypeReqSketchExt:
		return MaxReqTxRcnclSize
	case MsgTypeSketch:
		return MaxSketchSize
	case MsgTypeReconcilDiff:
		return MaxReconcilDiffSize
	case MsgTypeInv, MsgTypeGetData:
		return MaxInvSize
	case MsgTypeTx:
		return MaxTxSize
	}
	return SoftMaxFrameSize
}

func EncodeTxID(id recon.TxID) string {
	return hex.EncodeToString(id[:])
}

func DecodeTxID(s string) (recon.TxID, error) {
	var id recon.TxID
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return id, fmt.Errorf("bad wtxid")
	}
	copy(id[:], raw)
	return id, nil
}

func EncodeTxIDs(ids []recon.TxID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = EncodeTxID(id)
	}
	return out
}

func DecodeTxIDs(in []string) ([]recon.TxID, error) {
	out := make([]recon.TxID, len(in))
	for i, s := range in {
		id, err := DecodeTxID(s)
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}
