package datum

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDatum() Datum {
	return Datum{
		BuyerAddress:              "60" + strings.Repeat("ab", 28) + strings.Repeat("cd", 28),
		SellerAddress:             "60" + strings.Repeat("12", 28) + strings.Repeat("34", 28),
		ReferenceKey:              strings.Repeat("aa", 32),
		ReferenceSignature:        strings.Repeat("bb", 64),
		SellerNonce:               strings.Repeat("0f", 32),
		BuyerNonce:                strings.Repeat("f0", 32),
		CollateralReturnLovelace:  2000000,
		InputHash:                 strings.Repeat("11", 32),
		ResultHash:                strings.Repeat("22", 32),
		PayByTime:                 1700000000000,
		SubmitResultTime:          1700003600000,
		UnlockTime:                1700007200000,
		ExternalDisputeUnlockTime: 1700010800000,
		SellerCooldownTime:        0,
		BuyerCooldownTime:         0,
		State:                     StateFundsLocked,
	}
}

func TestDatum_EncodeDecodeRoundTrip(t *testing.T) {
	for _, state := range []StateTag{StateFundsLocked, StateResultSubmitted, StateRefundRequested, StateDisputed} {
		d := sampleDatum()
		d.State = state

		encoded, err := Encode(d)
		require.NoError(t, err, state.String())

		decoded, err := Decode(encoded)
		require.NoError(t, err, state.String())
		assert.Equal(t, d, decoded, state.String())
	}
}

func TestDatum_EncodeRejectsNonHexField(t *testing.T) {
	d := sampleDatum()
	d.SellerNonce = "not-hex!"

	_, err := Encode(d)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidDatumField))
}

func TestDatum_LifetimeHashesMayBeEmptyButNotMalformed(t *testing.T) {
	d := sampleDatum()
	d.InputHash = ""
	d.ResultHash = ""
	_, err := Encode(d)
	require.NoError(t, err)

	d = sampleDatum()
	d.InputHash = "not-hex!"
	_, err = Encode(d)
	assert.True(t, errors.Is(err, ErrInvalidDatumField))

	d = sampleDatum()
	d.ResultHash = "not-hex!"
	_, err = Encode(d)
	assert.True(t, errors.Is(err, ErrInvalidDatumField))
}

func TestDatum_DecodeRejectsWrongArity(t *testing.T) {
	encoded, err := Encode(sampleDatum())
	require.NoError(t, err)

	encoded.Fields = encoded.Fields[:10]
	_, err = Decode(encoded)
	assert.True(t, errors.Is(err, ErrInvalidDatumField))
}

func TestDatum_DecodeRejectsBadStateTag(t *testing.T) {
	encoded, err := Encode(sampleDatum())
	require.NoError(t, err)

	bad := 7
	encoded.Fields[15] = Data{Constructor: &bad}
	_, err = Decode(encoded)
	assert.True(t, errors.Is(err, ErrInvalidDatumField))
}

func TestDatum_DecodeRejectsIntInBytesPosition(t *testing.T) {
	encoded, err := Encode(sampleDatum())
	require.NoError(t, err)

	v := int64(42)
	encoded.Fields[0] = Data{Int: &v}
	_, err = Decode(encoded)
	assert.True(t, errors.Is(err, ErrInvalidDatumField))
}

func TestIdentifier_RoundTrip(t *testing.T) {
	id := Identifier{
		SellerNonce:        strings.Repeat("ab", 32),
		BuyerNonce:         strings.Repeat("cd", 32),
		ReferenceSignature: strings.Repeat("ef", 64),
		ReferenceKey:       strings.Repeat("12", 32),
	}

	encoded, err := EncodeIdentifier(id)
	require.NoError(t, err)

	decoded, err := DecodeIdentifier(encoded)
	require.NoError(t, err)
	assert.Equal(t, id, decoded)
}

func TestIdentifier_RoundTripWithEmbeddedAgent(t *testing.T) {
	id := Identifier{
		SellerNonce:        strings.Repeat("ab", 32),
		BuyerNonce:         strings.Repeat("cd", 32),
		ReferenceSignature: strings.Repeat("ef", 64),
		ReferenceKey:       strings.Repeat("12", 32),
		AgentPolicyID:      strings.Repeat("77", 28),
		AgentAssetName:     "0014df10" + strings.Repeat("99", 8),
	}

	encoded, err := EncodeIdentifier(id)
	require.NoError(t, err)

	decoded, err := DecodeIdentifier(encoded)
	require.NoError(t, err)
	assert.Equal(t, id, decoded)
	assert.Len(t, decoded.SellerNonce, nonceHexLen)
}

func TestIdentifier_DecodeRejectsGarbage(t *testing.T) {
	_, err := DecodeIdentifier("%%%not-base64%%%")
	assert.True(t, errors.Is(err, ErrMalformedIdentifier))
}

func TestIdentifier_DecodeRejectsWrongSegmentCount(t *testing.T) {
	// Encode three segments by hand through the same compression path.
	id := Identifier{
		SellerNonce:        "aa",
		BuyerNonce:         "bb",
		ReferenceSignature: "cc",
		ReferenceKey:       "dd",
	}
	encoded, err := EncodeIdentifier(id)
	require.NoError(t, err)

	// Valid wire form decodes fine.
	_, err = DecodeIdentifier(encoded)
	require.NoError(t, err)

	// A nonsense payload that is valid base64 but not our segment layout.
	_, err = DecodeIdentifier("aGVsbG8")
	assert.True(t, errors.Is(err, ErrMalformedIdentifier))
}

func TestIdentifier_EncodeRejectsNonHexSegment(t *testing.T) {
	id := Identifier{
		SellerNonce:        "zz",
		BuyerNonce:         "bb",
		ReferenceSignature: "cc",
		ReferenceKey:       "dd",
	}
	_, err := EncodeIdentifier(id)
	assert.True(t, errors.Is(err, ErrMalformedIdentifier))
}

func TestRedeemer_TagsAreExhaustive(t *testing.T) {
	expected := map[int]string{
		0: "Withdraw",
		1: "RequestRefund",
		2: "CancelRefundRequest",
		3: "WithdrawRefund",
		4: "WithdrawDisputed",
		5: "SubmitResult",
		6: "AllowRefund",
	}
	for tag, name := range expected {
		r, err := RedeemerFromTag(tag)
		require.NoError(t, err)
		assert.Equal(t, name, r.String())

		decoded, err := DecodeRedeemer(r.Encode())
		require.NoError(t, err)
		assert.Equal(t, r, decoded)
	}

	_, err := RedeemerFromTag(7)
	assert.Error(t, err)
	_, err = RedeemerFromTag(-1)
	assert.Error(t, err)
}

func TestPaymentCredential(t *testing.T) {
	addr := "60" + strings.Repeat("ab", 28) + strings.Repeat("cd", 28)
	cred, err := PaymentCredential(addr)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("ab", 28), cred)

	_, err = PaymentCredential("60abcd")
	assert.Error(t, err)
}
