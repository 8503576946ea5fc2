package envelope

import "strings"

// Transport header names carried in content.headers and on callbacks.
const (
	HeaderSource        = "FSPIOP-Source"
	HeaderDestination   = "FSPIOP-Destination"
	HeaderSignature     = "FSPIOP-Signature"
	HeaderHTTPMethod    = "FSPIOP-HTTP-Method"
	HeaderURI           = "FSPIOP-URI"
	HeaderProxy         = "FSPIOP-Proxy"
	HeaderContentType   = "Content-Type"
	HeaderContentLength = "Content-Length"
	HeaderAccept        = "Accept"
	HeaderDate          = "Date"
)

// Content types for the legacy (FSPIOP) and alternate (ISO 20022) wire formats.
const (
	ContentTypeTransfers      = "application/vnd.interoperability.transfers+json;version=1.1"
	ContentTypeFxTransfers    = "application/vnd.interoperability.fxTransfers+json;version=2.0"
	ContentTypeISOTransfers   = "application/vnd.interoperability.iso20022.transfers+json;version=2.0"
	ContentTypeISOFxTransfers = "application/vnd.interoperability.iso20022.fxTransfers+json;version=2.0"
)

// ContentTypeFor returns the content type for the resource family and wire
// format.
func ContentTypeFor(fx, iso bool) string {
	switch {
	case fx && iso:
		return ContentTypeISOFxTransfers
	case fx:
		return ContentTypeFxTransfers
	case iso:
		return ContentTypeISOTransfers
	default:
		return ContentTypeTransfers
	}
}

// IsISOContentType reports whether ct names the ISO 20022 wire format.
func IsISOContentType(ct string) bool {
	return strings.Contains(strings.ToLower(ct), "iso20022")
}

// Headers is the case-preserving header bag of an envelope. Lookups are
// case-insensitive.
type Headers map[string]string

// Get returns the value stored under name regardless of key case.
func (h Headers) Get(name string) string {
	if v, ok := h[name]; ok {
		return v
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Clone returns a copy that can be modified without touching h.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Set replaces any existing key matching name case-insensitively, keeping the
// original key spelling when one exists.
func (h Headers) Set(name, value string) {
	for k := range h {
		if strings.EqualFold(k, name) {
			h[k] = value
			return
		}
	}
	h[name] = value
}

// Del removes every key matching name case-insensitively.
func (h Headers) Del(name string) {
	for k := range h {
		if strings.EqualFold(k, name) {
			delete(h, k)
		}
	}
}
