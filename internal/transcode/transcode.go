// Package transcode converts business payloads between the FSPIOP wire format
// used by the ledger and the ISO 20022 JSON format participants may speak.
package transcode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/switch-adapter/internal/fault"
	"github.com/example/switch-adapter/internal/payload"
)

const isoTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Transcoder converts payloads between the two wire formats.
type Transcoder interface {
	// ToISO renders p in the ISO 20022 format.
	ToISO(p payload.Payload) ([]byte, error)
	// FromISO parses an ISO 20022 message into its FSPIOP equivalent. fx
	// selects the family for status reports, whose shape is family-agnostic.
	FromISO(raw []byte, fx bool) (payload.Payload, error)
}

// Option customises the ISO transcoder.
type Option func(*ISO20022)

// WithClock overrides the clock used for message creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *ISO20022) {
		if now != nil {
			t.now = now
		}
	}
}

// WithIDGenerator overrides the message id generator.
func WithIDGenerator(gen func() string) Option {
	return func(t *ISO20022) {
		if gen != nil {
			t.newID = gen
		}
	}
}

// ISO20022 is the FSPIOP ⇄ ISO 20022 transcoder.
type ISO20022 struct {
	now   func() time.Time
	newID func() string
}

// New constructs an ISO20022 transcoder.
func New(opts ...Option) *ISO20022 {
	t := &ISO20022{now: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

var _ Transcoder = (*ISO20022)(nil)

// IsISO reports whether raw looks like an ISO 20022 message.
func IsISO(raw []byte) bool {
	var probe struct {
		GrpHdr json.RawMessage `json:"GrpHdr"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(raw), &probe); err != nil {
		return false
	}
	return len(probe.GrpHdr) > 0
}

// ToISO implements Transcoder.
func (t *ISO20022) ToISO(p payload.Payload) ([]byte, error) {
	msg := isoMessage{GrpHdr: groupHeader{
		MsgID:   t.newID(),
		CreDtTm: t.now().UTC().Format(isoTimeLayout),
	}}

	switch v := p.(type) {
	case *payload.Transfer:
		msg.GrpHdr.NbOfTxs = "1"
		msg.GrpHdr.SttlmInf = &settlementInfo{SttlmMtd: "CLRG"}
		msg.GrpHdr.PmtInstrXpryDtTm = v.Expiration
		msg.CdtTrfTxInf = &creditTransfer{
			PmtID:          paymentID{TxID: v.TransferID},
			ChrgBr:         "CRED",
			IntrBkSttlmAmt: amount{Ccy: v.Amount.Currency, ActiveCurrencyAndAmount: v.Amount.Amount},
			DbtrAgt:        agentFor(v.PayerFsp),
			CdtrAgt:        agentFor(v.PayeeFsp),
			VrfctnOfTerms:  verification{IlpV4PrepPacket: v.IlpPacket, Sh256Sgntr: v.Condition},
			SplmtryData:    toSupplementary(v.ExtensionList),
		}
	case *payload.FxTransfer:
		msg.GrpHdr.NbOfTxs = "1"
		msg.GrpHdr.SttlmInf = &settlementInfo{SttlmMtd: "CLRG"}
		msg.GrpHdr.PmtInstrXpryDtTm = v.Expiration
		msg.CdtTrfTxInf = &creditTransfer{
			PmtID:              paymentID{InstrID: v.CommitRequestID, EndToEndID: v.DeterminingTransferID},
			IntrBkSttlmAmt:     amount{Ccy: v.SourceAmount.Currency, ActiveCurrencyAndAmount: v.SourceAmount.Amount},
			Dbtr:               agentFor(v.InitiatingFsp),
			Cdtr:               agentFor(v.CounterPartyFsp),
			UndrlygCstmrCdtTrf: &underlyingTransfer{InstdAmt: amount{Ccy: v.TargetAmount.Currency, ActiveCurrencyAndAmount: v.TargetAmount.Amount}},
			InstrForCdtrAgt:    &instruction{InstrInf: v.AmountType},
			VrfctnOfTerms:      verification{Sh256Sgntr: v.Condition},
			SplmtryData:        toSupplementary(v.ExtensionList),
		}
	case *payload.TransferFulfil:
		msg.TxInfAndSts = fulfilStatus(v.TransferState, v.Fulfilment, v.CompletedTimestamp, v.ExtensionList)
	case *payload.FxTransferFulfil:
		msg.TxInfAndSts = fulfilStatus(v.ConversionState, v.Fulfilment, v.CompletedTimestamp, v.ExtensionList)
	case *payload.Error:
		msg.TxInfAndSts = &txStatus{
			TxSts: "RJCT",
			StsRsnInf: &statusReason{
				Rsn:      reason{Prtry: v.ErrorInformation.ErrorCode},
				AddtlInf: v.ErrorInformation.ErrorDescription,
			},
			SplmtryData: toSupplementary(v.ErrorInformation.ExtensionList),
		}
	default:
		return nil, fmt.Errorf("%w: unsupported payload %T", fault.ErrTranscoding, p)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal iso message: %v", fault.ErrTranscoding, err)
	}
	return data, nil
}

// FromISO implements Transcoder.
func (t *ISO20022) FromISO(raw []byte, fx bool) (payload.Payload, error) {
	var msg isoMessage
	if err := json.Unmarshal(bytes.TrimSpace(raw), &msg); err != nil {
		return nil, fmt.Errorf("%w: decode iso message: %v", fault.ErrTranscoding, err)
	}

	switch {
	case msg.CdtTrfTxInf != nil:
		tx := msg.CdtTrfTxInf
		if tx.PmtID.InstrID != "" {
			out := &payload.FxTransfer{
				CommitRequestID:       tx.PmtID.InstrID,
				DeterminingTransferID: tx.PmtID.EndToEndID,
				InitiatingFsp:         tx.Dbtr.id(),
				CounterPartyFsp:       tx.Cdtr.id(),
				SourceAmount:          payload.Money{Currency: tx.IntrBkSttlmAmt.Ccy, Amount: tx.IntrBkSttlmAmt.ActiveCurrencyAndAmount},
				Condition:             tx.VrfctnOfTerms.Sh256Sgntr,
				Expiration:            msg.GrpHdr.PmtInstrXpryDtTm,
				ExtensionList:         fromSupplementary(tx.SplmtryData),
			}
			if tx.UndrlygCstmrCdtTrf != nil {
				out.TargetAmount = payload.Money{Currency: tx.UndrlygCstmrCdtTrf.InstdAmt.Ccy, Amount: tx.UndrlygCstmrCdtTrf.InstdAmt.ActiveCurrencyAndAmount}
			}
			if tx.InstrForCdtrAgt != nil {
				out.AmountType = tx.InstrForCdtrAgt.InstrInf
			}
			return out, nil
		}
		if tx.PmtID.TxID == "" {
			return nil, fmt.Errorf("%w: credit transfer without TxId or InstrId", fault.ErrTranscoding)
		}
		return &payload.Transfer{
			TransferID:    tx.PmtID.TxID,
			PayerFsp:      tx.DbtrAgt.id(),
			PayeeFsp:      tx.CdtrAgt.id(),
			Amount:        payload.Money{Currency: tx.IntrBkSttlmAmt.Ccy, Amount: tx.IntrBkSttlmAmt.ActiveCurrencyAndAmount},
			IlpPacket:     tx.VrfctnOfTerms.IlpV4PrepPacket,
			Condition:     tx.VrfctnOfTerms.Sh256Sgntr,
			Expiration:    msg.GrpHdr.PmtInstrXpryDtTm,
			ExtensionList: fromSupplementary(tx.SplmtryData),
		}, nil

	case msg.TxInfAndSts != nil && msg.TxInfAndSts.StsRsnInf != nil:
		st := msg.TxInfAndSts
		return &payload.Error{ErrorInformation: payload.ErrorInformation{
			ErrorCode:        st.StsRsnInf.Rsn.Prtry,
			ErrorDescription: st.StsRsnInf.AddtlInf,
			ExtensionList:    fromSupplementary(st.SplmtryData),
		}}, nil

	case msg.TxInfAndSts != nil:
		st := msg.TxInfAndSts
		state, ok := stateByISOStatus[st.TxSts]
		if !ok {
			return nil, fmt.Errorf("%w: unknown transaction status %q", fault.ErrTranscoding, st.TxSts)
		}
		var completed string
		if st.PrcgDt != nil {
			completed = st.PrcgDt.DtTm
		}
		if fx {
			return &payload.FxTransferFulfil{
				ConversionState:    state,
				Fulfilment:         st.ExctnConf,
				CompletedTimestamp: completed,
				ExtensionList:      fromSupplementary(st.SplmtryData),
			}, nil
		}
		return &payload.TransferFulfil{
			TransferState:      state,
			Fulfilment:         st.ExctnConf,
			CompletedTimestamp: completed,
			ExtensionList:      fromSupplementary(st.SplmtryData),
		}, nil

	default:
		return nil, fmt.Errorf("%w: message carries neither CdtTrfTxInf nor TxInfAndSts", fault.ErrTranscoding)
	}
}

func fulfilStatus(state, fulfilment, completed string, ext *payload.ExtensionList) *txStatus {
	st := &txStatus{
		ExctnConf:   fulfilment,
		TxSts:       isoStatusByState[state],
		SplmtryData: toSupplementary(ext),
	}
	if completed != "" {
		st.PrcgDt = &processingDate{DtTm: completed}
	}
	return st
}

func toSupplementary(ext *payload.ExtensionList) []supplementary {
	if ext == nil || len(ext.Extension) == 0 {
		return nil
	}
	out := make([]supplementary, 0, len(ext.Extension))
	for _, e := range ext.Extension {
		out = append(out, supplementary{PlcAndNm: e.Key, Envlp: e.Value})
	}
	return out
}

func fromSupplementary(data []supplementary) *payload.ExtensionList {
	if len(data) == 0 {
		return nil
	}
	out := &payload.ExtensionList{Extension: make([]payload.Extension, 0, len(data))}
	for _, d := range data {
		out.Extension = append(out.Extension, payload.Extension{Key: d.PlcAndNm, Value: d.Envlp})
	}
	return out
}
