// Package endpoints resolves the callback URL a participant registered for a
// given notification type. Tables are fetched from the central directory,
// cached with a bounded lifetime and, for participants that are not
// registered here, resolved through the interoperability proxy representing
// them.
package endpoints

import (
	"strings"
)

// EndpointType names one callback template in a participant's table.
type EndpointType string

const (
	TransferPost    EndpointType = "FSPIOP_CALLBACK_URL_TRANSFER_POST"
	TransferPut     EndpointType = "FSPIOP_CALLBACK_URL_TRANSFER_PUT"
	TransferError   EndpointType = "FSPIOP_CALLBACK_URL_TRANSFER_ERROR"
	FxTransferPost  EndpointType = "FSPIOP_CALLBACK_URL_FX_TRANSFER_POST"
	FxTransferPut   EndpointType = "FSPIOP_CALLBACK_URL_FX_TRANSFER_PUT"
	FxTransferError EndpointType = "FSPIOP_CALLBACK_URL_FX_TRANSFER_ERROR"
)

// Template parameter names.
const (
	ParamTransferID      = "transferId"
	ParamCommitRequestID = "commitRequestId"
)

// Table maps endpoint types to URL templates for a single participant.
type Table map[EndpointType]string

// Resolution is the outcome of a successful lookup. ProxyID is set when the
// URL belongs to the proxy representing the participant.
type Resolution struct {
	URL     string
	ProxyID string
}

// ViaProxy reports whether the resolution went through a proxy.
func (r Resolution) ViaProxy() bool { return r.ProxyID != "" }

// Render substitutes {{name}} placeholders in template with params.
func Render(template string, params map[string]string) string {
	if len(params) == 0 || !strings.Contains(template, "{{") {
		return template
	}
	pairs := make([]string, 0, len(params)*2)
	for k, v := range params {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
