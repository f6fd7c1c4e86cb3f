// Package document holds the commissioning document model and its wire form.
package document

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DocTypeIntroduceGoods marks documents that introduce domestically produced
// goods into circulation.
const DocTypeIntroduceGoods = "LP_INTRODUCE_GOODS"

// Date is a calendar date that travels as "2006-01-02" on the wire.
type Date struct {
	time.Time
}

// NewDate builds a Date from a year, month and day.
func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// MarshalJSON implements json.Marshaler.
func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Format("2006-01-02") + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Date) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return errors.Wrapf(err, "error parsing date %q", s)
	}
	d.Time = t
	return nil
}

// Description is the document description section.
type Description struct {
	ParticipantInn string `json:"participantInn,omitempty"`
}

// Product is a single item covered by the document.
type Product struct {
	CertificateDocument       string `json:"certificate_document,omitempty"`
	CertificateDocumentDate   *Date  `json:"certificate_document_date,omitempty"`
	CertificateDocumentNumber string `json:"certificate_document_number,omitempty"`
	OwnerInn                  string `json:"owner_inn,omitempty"`
	ProducerInn               string `json:"producer_inn,omitempty"`
	ProductionDate            *Date  `json:"production_date,omitempty"`
	TnvedCode                 string `json:"tnved_code,omitempty"`
	UitCode                   string `json:"uit_code,omitempty"`
	UituCode                  string `json:"uitu_code,omitempty"`
}

// Document describes goods being introduced into circulation.
type Document struct {
	Description    *Description `json:"description,omitempty"`
	DocID          string       `json:"doc_id,omitempty"`
	DocStatus      string       `json:"doc_status,omitempty"`
	DocType        string       `json:"doc_type,omitempty"`
	ImportRequest  *bool        `json:"importRequest,omitempty"`
	OwnerInn       string       `json:"owner_inn,omitempty"`
	ParticipantInn string       `json:"participant_inn,omitempty"`
	ProducerInn    string       `json:"producer_inn,omitempty"`
	ProductionDate *Date        `json:"production_date,omitempty"`
	ProductionType string       `json:"production_type,omitempty"`
	Products       []Product    `json:"products,omitempty"`
	RegDate        *Date        `json:"reg_date,omitempty"`
	RegNumber      string       `json:"reg_number,omitempty"`
}

// Envelope is what actually goes over the wire: the document together with
// its detached signature.
type Envelope struct {
	Document  *Document `json:"document"`
	Signature string    `json:"signature"`
}

// NewEnvelope pairs a document with its signature. It makes sure both are
// present before any encoding or sending happens.
func NewEnvelope(doc *Document, signature string) (*Envelope, error) {
	if doc == nil {
		return nil, ErrNoDocument
	}
	if strings.TrimSpace(signature) == "" {
		return nil, ErrBlankSignature
	}
	return &Envelope{Document: doc, Signature: signature}, nil
}

// Encode serializes the envelope to its JSON wire form.
func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "error encoding envelope")
	}
	return b, nil
}

// Validation errors returned before any blocking or network activity.
var (
	ErrNoDocument     = errors.New("document is missing")
	ErrBlankSignature = errors.New("signature is missing or blank")
)
