// Package datum encodes and decodes the escrow contract's on-chain data:
// the inline datum attached to contract outputs, the spending redeemer, and
// the compressed blockchain identifier naming one escrow instance.
package datum

import (
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	ErrInvalidDatumField   = errors.New("datum: invalid datum field")
	ErrMalformedIdentifier = errors.New("datum: malformed blockchain identifier")
)

// StateTag is the escrow state constructor embedded in the datum.
type StateTag int

const (
	StateFundsLocked     StateTag = 0
	StateResultSubmitted StateTag = 1
	StateRefundRequested StateTag = 2
	StateDisputed        StateTag = 3
)

func (s StateTag) String() string {
	switch s {
	case StateFundsLocked:
		return "FundsLocked"
	case StateResultSubmitted:
		return "ResultSubmitted"
	case StateRefundRequested:
		return "RefundRequested"
	case StateDisputed:
		return "Disputed"
	}
	return fmt.Sprintf("StateTag(%d)", int(s))
}

// Datum is the decoded escrow datum. Times are unix milliseconds, matching
// the contract's POSIX time fields. Hash-like fields are hex strings.
type Datum struct {
	BuyerAddress              string
	SellerAddress             string
	ReferenceKey              string
	ReferenceSignature        string
	SellerNonce               string
	BuyerNonce                string
	CollateralReturnLovelace  int64
	InputHash                 string
	ResultHash                string
	PayByTime                 int64
	SubmitResultTime          int64
	UnlockTime                int64
	ExternalDisputeUnlockTime int64
	SellerCooldownTime        int64
	BuyerCooldownTime         int64
	State                     StateTag
}

// Data is a Plutus data value in its JSON representation: either a
// constructor application, a byte string (hex), or an integer. This is the
// shape the blockchain provider serves for inline datums.
type Data struct {
	Constructor *int    `json:"constructor,omitempty"`
	Fields      []Data  `json:"fields,omitempty"`
	Bytes       *string `json:"bytes,omitempty"`
	Int         *int64  `json:"int,omitempty"`
}

func constr(tag int, fields ...Data) Data {
	return Data{Constructor: &tag, Fields: fields}
}

func bytesData(hexStr string) Data {
	return Data{Bytes: &hexStr}
}

func intData(v int64) Data {
	return Data{Int: &v}
}

func isHex(s string) bool {
	if len(s)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Encode serializes the datum into the contract's ordered field layout.
// Every hash-like field must be valid hex.
func Encode(d Datum) (Data, error) {
	hexFields := map[string]string{
		"buyerAddress":       d.BuyerAddress,
		"sellerAddress":      d.SellerAddress,
		"referenceKey":       d.ReferenceKey,
		"referenceSignature": d.ReferenceSignature,
		"sellerNonce":        d.SellerNonce,
		"buyerNonce":         d.BuyerNonce,
		"inputHash":          d.InputHash,
		"resultHash":         d.ResultHash,
	}
	for name, value := range hexFields {
		// Two hash fields fill in over the escrow's lifetime: resultHash is
		// empty until the seller submits a result, and inputHash is empty
		// when the buyer locks funds before committing an input. Both are
		// still hex-checked once set.
		if value == "" && (name == "resultHash" || name == "inputHash") {
			continue
		}
		if !isHex(value) {
			return Data{}, fmt.Errorf("%w: %s is not valid hex", ErrInvalidDatumField, name)
		}
	}
	if d.State < StateFundsLocked || d.State > StateDisputed {
		return Data{}, fmt.Errorf("%w: state tag %d out of range", ErrInvalidDatumField, int(d.State))
	}

	return constr(0,
		bytesData(d.BuyerAddress),
		bytesData(d.SellerAddress),
		bytesData(d.ReferenceKey),
		bytesData(d.ReferenceSignature),
		bytesData(d.SellerNonce),
		bytesData(d.BuyerNonce),
		intData(d.CollateralReturnLovelace),
		bytesData(d.InputHash),
		bytesData(d.ResultHash),
		intData(d.PayByTime),
		intData(d.SubmitResultTime),
		intData(d.UnlockTime),
		intData(d.ExternalDisputeUnlockTime),
		intData(d.SellerCooldownTime),
		intData(d.BuyerCooldownTime),
		constr(int(d.State)),
	), nil
}

const datumFieldCount = 16

// Decode parses a Plutus data value into a Datum. The field list is strict:
// wrong arity, a non-bytes value in a bytes position, or an out-of-range
// state tag all fail with ErrInvalidDatumField rather than being coerced.
func Decode(data Data) (Datum, error) {
	if data.Constructor == nil || *data.Constructor != 0 {
		return Datum{}, fmt.Errorf("%w: top-level constructor must be 0", ErrInvalidDatumField)
	}
	if len(data.Fields) != datumFieldCount {
		return Datum{}, fmt.Errorf("%w: expected %d fields, got %d",
			ErrInvalidDatumField, datumFieldCount, len(data.Fields))
	}

	var d Datum
	var err error

	fieldBytes := func(i int, name string) string {
		if err != nil {
			return ""
		}
		f := data.Fields[i]
		if f.Bytes == nil {
			err = fmt.Errorf("%w: %s must be a byte string", ErrInvalidDatumField, name)
			return ""
		}
		if !isHex(*f.Bytes) {
			err = fmt.Errorf("%w: %s is not valid hex", ErrInvalidDatumField, name)
			return ""
		}
		return *f.Bytes
	}
	fieldInt := func(i int, name string) int64 {
		if err != nil {
			return 0
		}
		f := data.Fields[i]
		if f.Int == nil {
			err = fmt.Errorf("%w: %s must be an integer", ErrInvalidDatumField, name)
			return 0
		}
		return *f.Int
	}

	d.BuyerAddress = fieldBytes(0, "buyerAddress")
	d.SellerAddress = fieldBytes(1, "sellerAddress")
	d.ReferenceKey = fieldBytes(2, "referenceKey")
	d.ReferenceSignature = fieldBytes(3, "referenceSignature")
	d.SellerNonce = fieldBytes(4, "sellerNonce")
	d.BuyerNonce = fieldBytes(5, "buyerNonce")
	d.CollateralReturnLovelace = fieldInt(6, "collateralReturnLovelace")
	d.InputHash = fieldBytes(7, "inputHash")
	d.ResultHash = fieldBytes(8, "resultHash")
	d.PayByTime = fieldInt(9, "payByTime")
	d.SubmitResultTime = fieldInt(10, "submitResultTime")
	d.UnlockTime = fieldInt(11, "unlockTime")
	d.ExternalDisputeUnlockTime = fieldInt(12, "externalDisputeUnlockTime")
	d.SellerCooldownTime = fieldInt(13, "sellerCooldownTime")
	d.BuyerCooldownTime = fieldInt(14, "buyerCooldownTime")
	if err != nil {
		return Datum{}, err
	}

	stateField := data.Fields[15]
	if stateField.Constructor == nil {
		return Datum{}, fmt.Errorf("%w: state must be a constructor", ErrInvalidDatumField)
	}
	tag := StateTag(*stateField.Constructor)
	if tag < StateFundsLocked || tag > StateDisputed {
		return Datum{}, fmt.Errorf("%w: state tag %d out of range", ErrInvalidDatumField, *stateField.Constructor)
	}
	d.State = tag

	return d, nil
}

// PaymentCredential extracts the payment key hash (28 bytes, 56 hex chars)
// from a hex-encoded address: one header byte followed by the payment
// credential, then the optional staking part.
func PaymentCredential(addressHex string) (string, error) {
	if !isHex(addressHex) || len(addressHex) < 58 {
		return "", fmt.Errorf("%w: address too short for a payment credential", ErrInvalidDatumField)
	}
	return addressHex[2:58], nil
}
