// Package snapshot defines the canonical market data record the gateway
// fans out: the normalized Snapshot, its provided-field bitmask, and the
// field-level Delta used for incremental updates.
package snapshot

import (
	"math"
	"time"
)

// Field identifies one diffable numeric slot in a Snapshot. Identity
// (instrument/exchange/source) and timing (datetime/trading_day) are not
// Fields: they are always carried on every arrival and are never diffed.
type Field uint8

const (
	FieldLastPrice Field = iota
	FieldVolume
	FieldAmount
	FieldOpenInterest

	FieldOpen
	FieldHigh
	FieldLow
	FieldPreClose
	FieldPreSettlement
	FieldSettlement
	FieldUpperLimit
	FieldLowerLimit

	FieldBidPrice1
	FieldBidVolume1
	FieldAskPrice1
	FieldAskVolume1

	FieldBidPrice2
	FieldBidVolume2
	FieldAskPrice2
	FieldAskVolume2

	FieldBidPrice3
	FieldBidVolume3
	FieldAskPrice3
	FieldAskVolume3

	FieldBidPrice4
	FieldBidVolume4
	FieldAskPrice4
	FieldAskVolume4

	FieldBidPrice5
	FieldBidVolume5
	FieldAskPrice5
	FieldAskVolume5

	fieldCount
)

// wireName is the JSON key emitted for each field.
var wireName = [fieldCount]string{
	FieldLastPrice:     "last_price",
	FieldVolume:        "volume",
	FieldAmount:        "amount",
	FieldOpenInterest:  "open_interest",
	FieldOpen:          "open",
	FieldHigh:          "high",
	FieldLow:           "low",
	FieldPreClose:      "pre_close",
	FieldPreSettlement: "pre_settlement",
	FieldSettlement:    "settlement",
	FieldUpperLimit:    "upper_limit",
	FieldLowerLimit:    "lower_limit",
	FieldBidPrice1:     "bid_price1",
	FieldBidVolume1:    "bid_volume1",
	FieldAskPrice1:     "ask_price1",
	FieldAskVolume1:    "ask_volume1",
	FieldBidPrice2:     "bid_price2",
	FieldBidVolume2:    "bid_volume2",
	FieldAskPrice2:     "ask_price2",
	FieldAskVolume2:    "ask_volume2",
	FieldBidPrice3:     "bid_price3",
	FieldBidVolume3:    "bid_volume3",
	FieldAskPrice3:     "ask_price3",
	FieldAskVolume3:    "ask_volume3",
	FieldBidPrice4:     "bid_price4",
	FieldBidVolume4:    "bid_volume4",
	FieldAskPrice4:     "ask_price4",
	FieldAskVolume4:    "ask_volume4",
	FieldBidPrice5:     "bid_price5",
	FieldBidVolume5:    "bid_volume5",
	FieldAskPrice5:     "ask_price5",
	FieldAskVolume5:    "ask_volume5",
}

// WireName returns the JSON field name for f.
func (f Field) WireName() string { return wireName[f] }

// FieldSet is a bitmask over Field, recording which fields a producer
// actually delivered ("the provided set" in the spec) as opposed to
// defaulted sentinels.
type FieldSet uint64

func (s FieldSet) Has(f Field) bool   { return s&(1<<uint(f)) != 0 }
func (s FieldSet) With(f Field) FieldSet  { return s | (1 << uint(f)) }
func (s FieldSet) Without(f Field) FieldSet { return s &^ (1 << uint(f)) }
func (s FieldSet) Union(o FieldSet) FieldSet { return s | o }
func (s FieldSet) Empty() bool        { return s == 0 }

// Each iterates f in ascending Field order for every bit set in s.
func (s FieldSet) Each(fn func(Field)) {
	for f := Field(0); f < fieldCount; f++ {
		if s.Has(f) {
			fn(f)
		}
	}
}

// Snapshot is the normalized, full-field market data record for one
// instrument at one point in time.
type Snapshot struct {
	InstrumentID string
	ExchangeID   string
	Source       string
	DateTime     time.Time
	TradingDay   string

	Values   [fieldCount]float64
	Provided FieldSet
}

// New creates an empty snapshot for the given instrument identity.
func New(instrumentID, exchangeID, source string) Snapshot {
	return Snapshot{InstrumentID: instrumentID, ExchangeID: exchangeID, Source: source}
}

// Set stores a provided value for f.
func (s *Snapshot) Set(f Field, v float64) {
	s.Values[f] = v
	s.Provided = s.Provided.With(f)
}

// Get returns the value for f and whether it was provided.
func (s *Snapshot) Get(f Field) (float64, bool) {
	return s.Values[f], s.Provided.Has(f)
}

// Clone returns a value copy; Snapshot has no reference fields beyond the
// fixed array, so a plain struct copy already deep-copies it, but Clone
// documents the intent at call sites that rely on independence.
func (s Snapshot) Clone() Snapshot { return s }

// bitsEqual compares two float64 by IEEE-754 bit pattern, so that NaN
// compares equal to NaN (the spec's "bitwise" equality rule) rather than
// always-false as `==` would give.
func bitsEqual(a, b float64) bool {
	return math.Float64bits(a) == math.Float64bits(b)
}

// MergeFrom overwrites every field present in src's provided set into s,
// leaving all other fields (and their provided bits) untouched. Identity
// and timing are always overwritten: every arrival carries its own.
func (s *Snapshot) MergeFrom(src Snapshot) {
	s.InstrumentID = src.InstrumentID
	s.ExchangeID = src.ExchangeID
	s.Source = src.Source
	s.DateTime = src.DateTime
	s.TradingDay = src.TradingDay

	src.Provided.Each(func(f Field) {
		s.Values[f] = src.Values[f]
	})
	s.Provided = s.Provided.Union(src.Provided)
}
