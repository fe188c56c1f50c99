package intelbatch

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/m-mizutani/intelbatch/pkg/errors"
)

// IndicatorType is type of indicator. Custom types can be added by RegisterIndicatorType.
type IndicatorType string

const (
	IndicatorAddress      IndicatorType = "Address"
	IndicatorEmailAddress IndicatorType = "EmailAddress"
	IndicatorFile         IndicatorType = "File"
	IndicatorHost         IndicatorType = "Host"
	IndicatorURL          IndicatorType = "URL"
	IndicatorASN          IndicatorType = "ASN"
	IndicatorCIDR         IndicatorType = "CIDR"
	IndicatorMutex        IndicatorType = "Mutex"
	IndicatorRegistryKey  IndicatorType = "Registry Key"
	IndicatorUserAgent    IndicatorType = "User Agent"
)

// summaryDelimiter joins multiple values into wire summary
const summaryDelimiter = " : "

// maxIndicatorValues is upper limit of value fields of an indicator type
const maxIndicatorValues = 3

var (
	indicatorTypesMutex sync.RWMutex
	indicatorTypes      = map[IndicatorType][]string{
		IndicatorAddress:      {"ip"},
		IndicatorEmailAddress: {"address"},
		IndicatorFile:         {"md5", "sha1", "sha256"},
		IndicatorHost:         {"hostName"},
		IndicatorURL:          {"text"},
		IndicatorASN:          {"AS Number"},
		IndicatorCIDR:         {"Block"},
		IndicatorMutex:        {"Mutex"},
		IndicatorRegistryKey:  {"Key Name", "Value Name", "Value Type"},
		IndicatorUserAgent:    {"User Agent String"},
	}
)

// RegisterIndicatorType declares a custom indicator type with up to three value fields
func RegisterIndicatorType(name IndicatorType, fields ...string) error {
	if name == "" {
		return errors.New("Indicator type name is required")
	}
	if len(fields) == 0 || len(fields) > maxIndicatorValues {
		return errors.New("Indicator type must have 1 to 3 value fields").
			With("type", name).With("fields", fields)
	}

	indicatorTypesMutex.Lock()
	defer indicatorTypesMutex.Unlock()
	indicatorTypes[name] = fields
	return nil
}

// IndicatorFields returns value field names of the type. ok is false for unknown type.
func IndicatorFields(t IndicatorType) ([]string, bool) {
	indicatorTypesMutex.RLock()
	defer indicatorTypesMutex.RUnlock()
	fields, ok := indicatorTypes[t]
	return fields, ok
}

// Indicator is an atomic observable
type Indicator struct {
	decorations
	Xid        string
	Type       IndicatorType
	Values     []string
	Rating     *float64
	Confidence *int
	Metadata   map[string]interface{}
}

// NewIndicator is constructor of Indicator
func NewIndicator(indicatorType IndicatorType, xid string, values ...string) *Indicator {
	return &Indicator{
		Type:   indicatorType,
		Xid:    xid,
		Values: values,
	}
}

// Summary joins non-empty values by " : "
func (x *Indicator) Summary() string {
	var values []string
	for _, v := range x.Values {
		if v != "" {
			values = append(values, v)
		}
	}
	return strings.Join(values, summaryDelimiter)
}

// Validate checks xid, type and number of values
func (x *Indicator) Validate() error {
	if x.Xid == "" {
		return errors.New("xid is required for indicator").With("summary", x.Summary())
	}
	fields, ok := IndicatorFields(x.Type)
	if !ok {
		return errors.New("Unknown indicator type").With("type", x.Type).With("xid", x.Xid)
	}
	if x.Summary() == "" {
		return errors.New("Indicator has no value").With("xid", x.Xid)
	}
	if len(x.Values) > len(fields) {
		return errors.New("Too many indicator values").
			With("xid", x.Xid).With("type", x.Type).With("values", x.Values)
	}
	return nil
}

// Wire returns the record sent to the batch API
func (x *Indicator) Wire() WireRecord {
	w := WireRecord{
		"xid":     x.Xid,
		"type":    x.Type,
		"summary": x.Summary(),
	}
	if x.Rating != nil {
		w["rating"] = *x.Rating
	}
	if x.Confidence != nil {
		w["confidence"] = *x.Confidence
	}
	x.decorations.writeTo(w)
	copyMetadata(w, x.Metadata)
	return w
}

// MarshalJSON encodes Indicator as wire record
func (x *Indicator) MarshalJSON() ([]byte, error) {
	return json.Marshal(x.Wire())
}

type wireIndicator struct {
	wireDecorations
	Xid        string        `json:"xid"`
	Type       IndicatorType `json:"type"`
	Summary    string        `json:"summary"`
	Rating     *float64      `json:"rating"`
	Confidence *int          `json:"confidence"`
}

// UnmarshalJSON decodes wire record. Summary is split into Values.
func (x *Indicator) UnmarshalJSON(data []byte) error {
	var w wireIndicator
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.Wrap(err, "Failed to decode indicator")
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "Failed to decode indicator")
	}

	var values []string
	if w.Summary != "" {
		values = strings.Split(w.Summary, summaryDelimiter)
	}

	*x = Indicator{
		decorations: w.wireDecorations.decorations(),
		Xid:         w.Xid,
		Type:        w.Type,
		Values:      values,
		Rating:      w.Rating,
		Confidence:  w.Confidence,
		Metadata: extractMetadata(raw, "xid", "type", "summary", "rating", "confidence",
			"attribute", "tag", "securityLabel"),
	}
	return nil
}
