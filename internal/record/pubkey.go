package record

import (
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/bech32"

	"github.com/bardlex/gocm/pkg/errors"
)

// npubPrefix is the human readable part of bech32 encoded public keys.
const npubPrefix = "npub"

// ParsePubkey accepts a signer key as 64 hex characters or as an npub string
// and returns the lowercase hex x-only key. The key must be a valid point.
func ParsePubkey(s string) (string, error) {
	s = strings.TrimSpace(s)

	var raw []byte
	if strings.HasPrefix(strings.ToLower(s), npubPrefix+"1") {
		hrp, data, err := bech32.Decode(s)
		if err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeValidation, "parse_pubkey", "invalid npub encoding")
		}
		if hrp != npubPrefix {
			return "", errors.New(errors.ErrorTypeValidation, "parse_pubkey", "unexpected bech32 prefix "+hrp)
		}
		raw, err = bech32.ConvertBits(data, 5, 8, false)
		if err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeValidation, "parse_pubkey", "invalid npub payload")
		}
	} else {
		var err error
		raw, err = hex.DecodeString(s)
		if err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeValidation, "parse_pubkey", "pubkey is not hex")
		}
	}

	if len(raw) != schnorr.PubKeyBytesLen {
		return "", errors.New(errors.ErrorTypeValidation, "parse_pubkey", "pubkey must be 32 bytes").
			WithContext("length", len(raw))
	}
	if _, err := schnorr.ParsePubKey(raw); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "parse_pubkey", "pubkey is not on the curve")
	}

	return hex.EncodeToString(raw), nil
}

// EncodeNpub renders a hex x-only key as an npub string.
func EncodeNpub(pubkeyHex string) (string, error) {
	raw, err := hex.DecodeString(pubkeyHex)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "encode_npub", "pubkey is not hex")
	}
	data, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "encode_npub", "convert bits")
	}
	return bech32.Encode(npubPrefix, data)
}
