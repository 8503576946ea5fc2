// Package payload models the FSPIOP business payloads carried in envelopes.
//
// The resource family (transfer or fx-transfer) is never passed around as a
// flag. It is recovered once from the payload shape by Parse, which returns one
// of the concrete types below behind the sealed Payload interface.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/example/switch-adapter/internal/fault"
)

// Kind enumerates the payload shapes.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransfer
	KindFxTransfer
	KindTransferFulfil
	KindFxTransferFulfil
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindTransfer:
		return "transfer"
	case KindFxTransfer:
		return "fxTransfer"
	case KindTransferFulfil:
		return "transferFulfil"
	case KindFxTransferFulfil:
		return "fxTransferFulfil"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Payload is implemented by every concrete payload type in this package.
type Payload interface {
	Kind() Kind
	// IsFx reports whether the payload belongs to the fx-transfer family. Error
	// payloads carry no family and report false.
	IsFx() bool
	// CorrelationID returns the transaction id carried in the body, if any.
	CorrelationID() string
	Validate() error

	sealed()
}

// Transfer states carried by fulfil payloads.
const (
	StateReceived  = "RECEIVED"
	StateReserved  = "RESERVED"
	StateCommitted = "COMMITTED"
	StateAborted   = "ABORTED"
)

// Money is an FSPIOP amount.
type Money struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

// Extension is a single key/value extension entry.
type Extension struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ExtensionList wraps optional extensions.
type ExtensionList struct {
	Extension []Extension `json:"extension"`
}

// Transfer is the body of POST /transfers.
type Transfer struct {
	TransferID    string         `json:"transferId"`
	PayeeFsp      string         `json:"payeeFsp"`
	PayerFsp      string         `json:"payerFsp"`
	Amount        Money          `json:"amount"`
	IlpPacket     string         `json:"ilpPacket"`
	Condition     string         `json:"condition"`
	Expiration    string         `json:"expiration"`
	ExtensionList *ExtensionList `json:"extensionList,omitempty"`
}

// FxTransfer is the body of POST /fxTransfers.
type FxTransfer struct {
	CommitRequestID       string         `json:"commitRequestId"`
	DeterminingTransferID string         `json:"determiningTransferId,omitempty"`
	InitiatingFsp         string         `json:"initiatingFsp"`
	CounterPartyFsp       string         `json:"counterPartyFsp"`
	AmountType            string         `json:"amountType"`
	SourceAmount          Money          `json:"sourceAmount"`
	TargetAmount          Money          `json:"targetAmount"`
	Condition             string         `json:"condition"`
	Expiration            string         `json:"expiration,omitempty"`
	ExtensionList         *ExtensionList `json:"extensionList,omitempty"`
}

// TransferFulfil is the body of PUT /transfers/{id} and of the callbacks the
// dispatcher delivers for it.
type TransferFulfil struct {
	TransferState      string         `json:"transferState"`
	Fulfilment         string         `json:"fulfilment,omitempty"`
	CompletedTimestamp string         `json:"completedTimestamp,omitempty"`
	ExtensionList      *ExtensionList `json:"extensionList,omitempty"`
}

// FxTransferFulfil is the body of PUT /fxTransfers/{id}.
type FxTransferFulfil struct {
	ConversionState    string         `json:"conversionState"`
	Fulfilment         string         `json:"fulfilment,omitempty"`
	CompletedTimestamp string         `json:"completedTimestamp,omitempty"`
	ExtensionList      *ExtensionList `json:"extensionList,omitempty"`
}

// ErrorInformation is the FSPIOP error object.
type ErrorInformation struct {
	ErrorCode        string         `json:"errorCode"`
	ErrorDescription string         `json:"errorDescription"`
	ExtensionList    *ExtensionList `json:"extensionList,omitempty"`
}

// Error is the body of PUT /transfers/{id}/error.
type Error struct {
	ErrorInformation ErrorInformation `json:"errorInformation"`
}

func (*Transfer) Kind() Kind         { return KindTransfer }
func (*FxTransfer) Kind() Kind       { return KindFxTransfer }
func (*TransferFulfil) Kind() Kind   { return KindTransferFulfil }
func (*FxTransferFulfil) Kind() Kind { return KindFxTransferFulfil }
func (*Error) Kind() Kind            { return KindError }

func (*Transfer) IsFx() bool         { return false }
func (*FxTransfer) IsFx() bool       { return true }
func (*TransferFulfil) IsFx() bool   { return false }
func (*FxTransferFulfil) IsFx() bool { return true }
func (*Error) IsFx() bool            { return false }

func (p *Transfer) CorrelationID() string       { return p.TransferID }
func (p *FxTransfer) CorrelationID() string     { return p.CommitRequestID }
func (*TransferFulfil) CorrelationID() string   { return "" }
func (*FxTransferFulfil) CorrelationID() string { return "" }
func (*Error) CorrelationID() string            { return "" }

func (*Transfer) sealed()         {}
func (*FxTransfer) sealed()       {}
func (*TransferFulfil) sealed()   {}
func (*FxTransferFulfil) sealed() {}
func (*Error) sealed()            {}

// Validate checks the mandatory fields of a transfer prepare.
func (p *Transfer) Validate() error {
	switch {
	case p.TransferID == "":
		return fault.Validation("transferId is required")
	case p.PayerFsp == "":
		return fault.Validation("payerFsp is required")
	case p.PayeeFsp == "":
		return fault.Validation("payeeFsp is required")
	case p.Amount.Currency == "" || p.Amount.Amount == "":
		return fault.Validation("amount is required")
	case p.Condition == "":
		return fault.Validation("condition is required")
	}
	return nil
}

// Validate checks the mandatory fields of an fx-transfer prepare.
func (p *FxTransfer) Validate() error {
	switch {
	case p.CommitRequestID == "":
		return fault.Validation("commitRequestId is required")
	case p.InitiatingFsp == "":
		return fault.Validation("initiatingFsp is required")
	case p.CounterPartyFsp == "":
		return fault.Validation("counterPartyFsp is required")
	case p.SourceAmount.Currency == "" || p.TargetAmount.Currency == "":
		return fault.Validation("sourceAmount and targetAmount are required")
	case p.Condition == "":
		return fault.Validation("condition is required")
	}
	return nil
}

// Validate checks the transfer state of a fulfil.
func (p *TransferFulfil) Validate() error {
	return validateState("transferState", p.TransferState)
}

// Validate checks the conversion state of an fx fulfil.
func (p *FxTransferFulfil) Validate() error {
	return validateState("conversionState", p.ConversionState)
}

// Validate checks that the error object carries a code.
func (p *Error) Validate() error {
	if p.ErrorInformation.ErrorCode == "" {
		return fault.Validation("errorInformation.errorCode is required")
	}
	return nil
}

func validateState(field, state string) error {
	switch state {
	case StateReserved, StateCommitted, StateAborted:
		return nil
	case "":
		return fault.Validation("%s is required", field)
	default:
		return fault.Validation("%s %q is not supported", field, state)
	}
}

// Parse sniffs the payload shape and decodes raw into the matching type.
func Parse(raw []byte) (Payload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fault.Validation("payload is empty")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fault.Validation("payload is not a JSON object: %v", err)
	}

	var p Payload
	switch {
	case has(fields, "errorInformation"):
		p = &Error{}
	case has(fields, "commitRequestId"):
		p = &FxTransfer{}
	case has(fields, "transferId"):
		p = &Transfer{}
	case has(fields, "conversionState"):
		p = &FxTransferFulfil{}
	case has(fields, "transferState"):
		p = &TransferFulfil{}
	default:
		return nil, fault.Validation("payload shape not recognised")
	}

	if err := json.Unmarshal(trimmed, p); err != nil {
		return nil, fault.Validation("decode %s payload: %v", p.Kind(), err)
	}
	return p, nil
}

func has(fields map[string]json.RawMessage, key string) bool {
	v, ok := fields[key]
	return ok && len(v) > 0 && string(v) != "null"
}

// Marshal encodes p as JSON.
func Marshal(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("payload: marshal %s: %w", p.Kind(), err)
	}
	return data, nil
}

// State returns the settlement or conversion state of a fulfil payload.
func State(p Payload) (string, bool) {
	switch v := p.(type) {
	case *TransferFulfil:
		return v.TransferState, true
	case *FxTransferFulfil:
		return v.ConversionState, true
	default:
		return "", false
	}
}

// Reduced returns the body sent to the payee of a reservation: the completion
// timestamp and state without the fulfilment proof.
func Reduced(p Payload) (Payload, bool) {
	switch v := p.(type) {
	case *TransferFulfil:
		return &TransferFulfil{TransferState: v.TransferState, CompletedTimestamp: v.CompletedTimestamp}, true
	case *FxTransferFulfil:
		return &FxTransferFulfil{ConversionState: v.ConversionState, CompletedTimestamp: v.CompletedTimestamp}, true
	default:
		return nil, false
	}
}

// NewError builds an FSPIOP error payload.
func NewError(code, description string) *Error {
	return &Error{ErrorInformation: ErrorInformation{ErrorCode: code, ErrorDescription: description}}
}

// ErrorFrom builds an FSPIOP error payload from a taxonomy error.
func ErrorFrom(err error) *Error {
	return NewError(fault.Code(err), err.Error())
}
