package transcode

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/switch-adapter/internal/fault"
	"github.com/example/switch-adapter/internal/payload"
)

func newTestTranscoder() *ISO20022 {
	return New(
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }),
		WithIDGenerator(func() string { return "msg-1" }),
	)
}

func TestRoundTripPreservesBusinessFields(t *testing.T) {
	ext := &payload.ExtensionList{Extension: []payload.Extension{{Key: "note", Value: "rent"}}}
	cases := []struct {
		name string
		in   payload.Payload
		fx   bool
	}{
		{"transfer", &payload.Transfer{
			TransferID: "t-1", PayerFsp: "dfsp1", PayeeFsp: "dfsp2",
			Amount:    payload.Money{Currency: "USD", Amount: "10.5"},
			IlpPacket: "packet", Condition: "cond", Expiration: "2026-03-01T10:05:00.000Z",
			ExtensionList: ext,
		}, false},
		{"fx transfer", &payload.FxTransfer{
			CommitRequestID: "c-1", DeterminingTransferID: "t-1",
			InitiatingFsp: "dfsp1", CounterPartyFsp: "fxp1", AmountType: "SEND",
			SourceAmount: payload.Money{Currency: "USD", Amount: "100"},
			TargetAmount: payload.Money{Currency: "ZMW", Amount: "2500"},
			Condition:    "cond", Expiration: "2026-03-01T10:05:00.000Z",
		}, true},
		{"transfer fulfil", &payload.TransferFulfil{
			TransferState: payload.StateCommitted, Fulfilment: "ful", CompletedTimestamp: "2026-03-01T10:01:00.000Z",
		}, false},
		{"fx fulfil", &payload.FxTransferFulfil{ConversionState: payload.StateReserved, Fulfilment: "ful"}, true},
		{"error", payload.NewError("5100", "payee rejected"), false},
	}

	tc := newTestTranscoder()
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			iso, err := tc.ToISO(c.in)
			require.NoError(t, err)
			assert.True(t, IsISO(iso))

			out, err := tc.FromISO(iso, c.fx)
			require.NoError(t, err)
			assert.Equal(t, c.in, out)
		})
	}
}

func TestToISOStampsGroupHeader(t *testing.T) {
	iso, err := newTestTranscoder().ToISO(payload.NewError("3100", "bad"))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(iso, &doc))
	hdr := doc["GrpHdr"].(map[string]any)
	assert.Equal(t, "msg-1", hdr["MsgId"])
	assert.Equal(t, "2026-03-01T10:00:00.000Z", hdr["CreDtTm"])
}

func TestFromISORejectsUnknownShapes(t *testing.T) {
	tc := newTestTranscoder()
	for _, raw := range []string{`not json`, `{"GrpHdr":{}}`, `{"GrpHdr":{},"TxInfAndSts":{"TxSts":"PDNG"}}`, `{"GrpHdr":{},"CdtTrfTxInf":{"PmtId":{}}}`} {
		_, err := tc.FromISO([]byte(raw), false)
		require.ErrorIs(t, err, fault.ErrTranscoding, raw)
	}
}

func TestIsISO(t *testing.T) {
	assert.False(t, IsISO([]byte(`{"transferId":"t-1"}`)))
	assert.False(t, IsISO([]byte(`[`)))
	assert.True(t, IsISO([]byte(`{"GrpHdr":{"MsgId":"x"}}`)))
}
