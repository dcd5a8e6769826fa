package datum

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// Identifier uniquely names one escrow instance across the seller-side and
// buyer-side records. The wire form is
// sellerNonce.buyerNonce.signature.key, DEFLATE-compressed and
// base64url-encoded.
//
// The seller nonce segment is overloaded: when it is longer than 64 hex
// characters, everything past the 64-char nonce is an embedded agent
// identifier (56-char policy ID followed by the asset name).
type Identifier struct {
	SellerNonce        string
	BuyerNonce         string
	ReferenceSignature string
	ReferenceKey       string

	// Set when the seller nonce segment carried an agent identifier.
	AgentPolicyID  string
	AgentAssetName string
}

const (
	nonceHexLen    = 64
	policyIDHexLen = 56
)

// EncodeIdentifier produces the compressed wire form.
func EncodeIdentifier(id Identifier) (string, error) {
	sellerSegment := id.SellerNonce
	if id.AgentPolicyID != "" {
		if len(id.AgentPolicyID) != policyIDHexLen || !isHex(id.AgentPolicyID) {
			return "", fmt.Errorf("%w: agent policy ID must be %d hex chars",
				ErrMalformedIdentifier, policyIDHexLen)
		}
		if !isHex(id.AgentAssetName) {
			return "", fmt.Errorf("%w: agent asset name is not valid hex", ErrMalformedIdentifier)
		}
		sellerSegment += id.AgentPolicyID + id.AgentAssetName
	}

	segments := []string{sellerSegment, id.BuyerNonce, id.ReferenceSignature, id.ReferenceKey}
	for i, seg := range segments {
		if seg == "" || !isHex(seg) {
			return "", fmt.Errorf("%w: segment %d is not valid hex", ErrMalformedIdentifier, i)
		}
	}

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return "", err
	}
	if _, err := w.Write([]byte(strings.Join(segments, "."))); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeIdentifier parses the compressed wire form. It fails with
// ErrMalformedIdentifier unless the decompressed value splits into exactly
// four hex-valid segments.
func DecodeIdentifier(encoded string) (Identifier, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Identifier{}, fmt.Errorf("%w: not valid base64url", ErrMalformedIdentifier)
	}

	r := flate.NewReader(bytes.NewReader(raw))
	defer func() { _ = r.Close() }()
	decompressed, err := io.ReadAll(io.LimitReader(r, 1<<16))
	if err != nil {
		return Identifier{}, fmt.Errorf("%w: decompression failed", ErrMalformedIdentifier)
	}

	segments := strings.Split(string(decompressed), ".")
	if len(segments) != 4 {
		return Identifier{}, fmt.Errorf("%w: expected 4 segments, got %d",
			ErrMalformedIdentifier, len(segments))
	}
	for i, seg := range segments {
		if seg == "" || !isHex(seg) {
			return Identifier{}, fmt.Errorf("%w: segment %d is not valid hex",
				ErrMalformedIdentifier, i)
		}
	}

	id := Identifier{
		SellerNonce:        segments[0],
		BuyerNonce:         segments[1],
		ReferenceSignature: segments[2],
		ReferenceKey:       segments[3],
	}

	// Seller segments past 64 hex chars carry the agent identifier.
	if len(id.SellerNonce) > nonceHexLen {
		agent := id.SellerNonce[nonceHexLen:]
		if len(agent) < policyIDHexLen {
			return Identifier{}, fmt.Errorf("%w: embedded agent identifier shorter than a policy ID",
				ErrMalformedIdentifier)
		}
		id.SellerNonce = segments[0][:nonceHexLen]
		id.AgentPolicyID = agent[:policyIDHexLen]
		id.AgentAssetName = agent[policyIDHexLen:]
	}

	return id, nil
}
