package envelope

// Context is the propagation bag carried in content.context.
type Context struct {
	// OriginalRequestPayload holds the raw inbound bytes when no offload store
	// is configured.
	OriginalRequestPayload []byte `json:"originalRequestPayload,omitempty"`
	// OriginalRequestID points at the raw inbound bytes in the offload store.
	OriginalRequestID string `json:"originalRequestId,omitempty"`
	// ISOPayload marks the original bytes as ISO 20022.
	ISOPayload bool `json:"isoPayload,omitempty"`
	// Trace is a W3C trace-context carrier.
	Trace map[string]string `json:"trace,omitempty"`
	// ProxyID names the proxy the inbound request arrived through.
	ProxyID string `json:"proxyId,omitempty"`
}

// RefKind discriminates OriginalPayloadRef.
type RefKind int

const (
	RefNone RefKind = iota
	RefInline
	RefPointer
)

func (k RefKind) String() string {
	switch k {
	case RefInline:
		return "inline"
	case RefPointer:
		return "pointer"
	default:
		return "none"
	}
}

// OriginalPayloadRef says where the byte-identical original request lives.
type OriginalPayloadRef struct {
	kind   RefKind
	inline []byte
	id     string
}

// InlinePayload references bytes carried inside the envelope.
func InlinePayload(raw []byte) OriginalPayloadRef {
	if len(raw) == 0 {
		return OriginalPayloadRef{}
	}
	return OriginalPayloadRef{kind: RefInline, inline: cloneBytes(raw)}
}

// PointerPayload references bytes held in the offload store under id.
func PointerPayload(id string) OriginalPayloadRef {
	if id == "" {
		return OriginalPayloadRef{}
	}
	return OriginalPayloadRef{kind: RefPointer, id: id}
}

// Kind returns the variant.
func (r OriginalPayloadRef) Kind() RefKind { return r.kind }

// Bytes returns the inline bytes; nil for other variants.
func (r OriginalPayloadRef) Bytes() []byte { return cloneBytes(r.inline) }

// ID returns the offload store key; empty for other variants.
func (r OriginalPayloadRef) ID() string { return r.id }

// OriginalPayload decodes the two wire fields into one reference. Older
// producers wrote both fields; the inline copy wins because it needs no lookup.
func (c Context) OriginalPayload() OriginalPayloadRef {
	if len(c.OriginalRequestPayload) > 0 {
		return InlinePayload(c.OriginalRequestPayload)
	}
	return PointerPayload(c.OriginalRequestID)
}

// WithOriginalPayload returns a copy of c carrying exactly one variant of ref.
func (c Context) WithOriginalPayload(ref OriginalPayloadRef) Context {
	c.OriginalRequestPayload = nil
	c.OriginalRequestID = ""
	switch ref.kind {
	case RefInline:
		c.OriginalRequestPayload = cloneBytes(ref.inline)
	case RefPointer:
		c.OriginalRequestID = ref.id
	}
	return c
}

func cloneBytes(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}
