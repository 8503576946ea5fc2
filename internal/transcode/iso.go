package transcode

// ISO 20022 message shapes used on the alternate wire format. Only the
// elements that carry FSPIOP business fields are modelled.

type isoMessage struct {
	GrpHdr      groupHeader     `json:"GrpHdr"`
	CdtTrfTxInf *creditTransfer `json:"CdtTrfTxInf,omitempty"`
	TxInfAndSts *txStatus       `json:"TxInfAndSts,omitempty"`
}

type groupHeader struct {
	MsgID            string          `json:"MsgId"`
	CreDtTm          string          `json:"CreDtTm"`
	NbOfTxs          string          `json:"NbOfTxs,omitempty"`
	SttlmInf         *settlementInfo `json:"SttlmInf,omitempty"`
	PmtInstrXpryDtTm string          `json:"PmtInstrXpryDtTm,omitempty"`
}

type settlementInfo struct {
	SttlmMtd string `json:"SttlmMtd"`
}

type creditTransfer struct {
	PmtID              paymentID           `json:"PmtId"`
	ChrgBr             string              `json:"ChrgBr,omitempty"`
	IntrBkSttlmAmt     amount              `json:"IntrBkSttlmAmt"`
	Dbtr               *agent              `json:"Dbtr,omitempty"`
	DbtrAgt            *agent              `json:"DbtrAgt,omitempty"`
	Cdtr               *agent              `json:"Cdtr,omitempty"`
	CdtrAgt            *agent              `json:"CdtrAgt,omitempty"`
	UndrlygCstmrCdtTrf *underlyingTransfer `json:"UndrlygCstmrCdtTrf,omitempty"`
	InstrForCdtrAgt    *instruction        `json:"InstrForCdtrAgt,omitempty"`
	VrfctnOfTerms      verification        `json:"VrfctnOfTerms"`
	SplmtryData        []supplementary     `json:"SplmtryData,omitempty"`
}

type paymentID struct {
	TxID       string `json:"TxId,omitempty"`
	InstrID    string `json:"InstrId,omitempty"`
	EndToEndID string `json:"EndToEndId,omitempty"`
}

type amount struct {
	Ccy                     string `json:"Ccy"`
	ActiveCurrencyAndAmount string `json:"ActiveCurrencyAndAmount"`
}

type agent struct {
	FinInstnID finInstitution `json:"FinInstnId"`
}

type finInstitution struct {
	Othr otherID `json:"Othr"`
}

type otherID struct {
	ID string `json:"Id"`
}

type underlyingTransfer struct {
	InstdAmt amount `json:"InstdAmt"`
}

type instruction struct {
	InstrInf string `json:"InstrInf"`
}

type verification struct {
	IlpV4PrepPacket string `json:"IlpV4PrepPacket,omitempty"`
	Sh256Sgntr      string `json:"Sh256Sgntr,omitempty"`
}

type supplementary struct {
	PlcAndNm string `json:"PlcAndNm"`
	Envlp    string `json:"Envlp"`
}

type txStatus struct {
	ExctnConf   string          `json:"ExctnConf,omitempty"`
	PrcgDt      *processingDate `json:"PrcgDt,omitempty"`
	TxSts       string          `json:"TxSts,omitempty"`
	StsRsnInf   *statusReason   `json:"StsRsnInf,omitempty"`
	SplmtryData []supplementary `json:"SplmtryData,omitempty"`
}

type processingDate struct {
	DtTm string `json:"DtTm"`
}

type statusReason struct {
	Rsn      reason `json:"Rsn"`
	AddtlInf string `json:"AddtlInf,omitempty"`
}

type reason struct {
	Prtry string `json:"Prtry"`
}

func agentFor(id string) *agent {
	if id == "" {
		return nil
	}
	return &agent{FinInstnID: finInstitution{Othr: otherID{ID: id}}}
}

func (a *agent) id() string {
	if a == nil {
		return ""
	}
	return a.FinInstnID.Othr.ID
}

var isoStatusByState = map[string]string{
	"RECEIVED":  "RCVD",
	"RESERVED":  "RESV",
	"COMMITTED": "COMM",
	"ABORTED":   "RJCT",
}

var stateByISOStatus = func() map[string]string {
	out := make(map[string]string, len(isoStatusByState))
	for k, v := range isoStatusByState {
		out[v] = k
	}
	return out
}()
