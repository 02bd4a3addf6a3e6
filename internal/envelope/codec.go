package envelope

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// Wrapping selects the transport format applied to a serialized envelope.
type Wrapping int

const (
	// PlainText sends the envelope JSON bytes directly.
	PlainText Wrapping = iota
	// SignOnly wraps the envelope in a compact JWS signed with the sender's
	// private key (RS256).
	SignOnly
	// Encrypt wraps the envelope in a compact JWE encrypted to the
	// recipient's public key (RSA-OAEP-256 + A256CBC-HS512).
	Encrypt
)

func (w Wrapping) String() string {
	switch w {
	case PlainText:
		return "plaintext"
	case SignOnly:
		return "signonly"
	case Encrypt:
		return "encrypt"
	default:
		return fmt.Sprintf("wrapping(%d)", int(w))
	}
}

var (
	// ErrMalformed reports bytes that do not parse as the expected wrapping.
	ErrMalformed = errors.New("malformed envelope")

	// ErrInvalidAuthentication reports a signature or decryption failure.
	// The error is deliberately uniform: callers cannot distinguish a bad
	// signature from a failed decryption.
	ErrInvalidAuthentication = errors.New("invalid connection state for authentication")
)

// Protected header values stamped on every JWS and JWE.
const (
	headerEncrypted = "encrypted"
	headerVersion   = "version"
	wireVersion     = "1"
)

var (
	signatureAlgs  = []jose.SignatureAlgorithm{jose.RS256}
	keyAlgs        = []jose.KeyAlgorithm{jose.RSA_OAEP_256}
	contentEncAlgs = []jose.ContentEncryption{jose.A256CBC_HS512}
)

// Codec applies and removes envelope wrappings using the node's RSA key
// pair. The key is immutable after construction; a Codec is safe for
// concurrent use.
type Codec struct {
	key *rsa.PrivateKey
}

// NewCodec creates a codec around the node's private key.
func NewCodec(key *rsa.PrivateKey) *Codec {
	return &Codec{key: key}
}

// Encode serializes env and applies the wrapping. SignOnly signs with the
// node's private key; Encrypt encrypts to the recipient's public key and
// requires recipient to be non-nil. PlainText ignores recipient.
func (c *Codec) Encode(env Envelope, w Wrapping, recipient *rsa.PublicKey) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	switch w {
	case PlainText:
		return raw, nil

	case SignOnly:
		signer, err := jose.NewSigner(
			jose.SigningKey{Algorithm: jose.RS256, Key: c.key},
			(&jose.SignerOptions{}).
				WithHeader(headerEncrypted, "false").
				WithHeader(headerVersion, wireVersion),
		)
		if err != nil {
			return nil, fmt.Errorf("create signer: %w", err)
		}
		obj, err := signer.Sign(raw)
		if err != nil {
			return nil, fmt.Errorf("sign envelope: %w", err)
		}
		compact, err := obj.CompactSerialize()
		if err != nil {
			return nil, fmt.Errorf("serialize jws: %w", err)
		}
		return []byte(compact), nil

	case Encrypt:
		if recipient == nil {
			return nil, fmt.Errorf("encrypt wrapping requires a recipient key")
		}
		enc, err := jose.NewEncrypter(
			jose.A256CBC_HS512,
			jose.Recipient{Algorithm: jose.RSA_OAEP_256, Key: recipient},
			(&jose.EncrypterOptions{}).
				WithHeader(headerEncrypted, "true").
				WithHeader(headerVersion, wireVersion),
		)
		if err != nil {
			return nil, fmt.Errorf("create encrypter: %w", err)
		}
		obj, err := enc.Encrypt(raw)
		if err != nil {
			return nil, fmt.Errorf("encrypt envelope: %w", err)
		}
		compact, err := obj.CompactSerialize()
		if err != nil {
			return nil, fmt.Errorf("serialize jwe: %w", err)
		}
		return []byte(compact), nil

	default:
		return nil, fmt.Errorf("unknown wrapping %v", w)
	}
}

// Decode is the inverse of Encode. It is strict about the wrapping: bytes
// that do not parse as the expected format fail with ErrMalformed, and a
// signature or decryption failure fails with ErrInvalidAuthentication.
// SignOnly requires the sender's public key; Encrypt uses the node's own
// private key.
func (c *Codec) Decode(data []byte, w Wrapping, sender *rsa.PublicKey) (Envelope, error) {
	switch w {
	case PlainText:
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return env, nil

	case SignOnly:
		if sender == nil {
			return Envelope{}, fmt.Errorf("signonly decode requires the sender key")
		}
		obj, err := jose.ParseSigned(string(data), signatureAlgs)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		raw, err := obj.Verify(sender)
		if err != nil {
			return Envelope{}, ErrInvalidAuthentication
		}
		return unmarshalVerified(raw)

	case Encrypt:
		obj, err := jose.ParseEncrypted(string(data), keyAlgs, contentEncAlgs)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		raw, err := obj.Decrypt(c.key)
		if err != nil {
			return Envelope{}, ErrInvalidAuthentication
		}
		return unmarshalVerified(raw)

	default:
		return Envelope{}, fmt.Errorf("unknown wrapping %v", w)
	}
}

// DecodeSignedUnverified extracts the envelope from a JWS without checking
// the signature. Used exactly once per agent stream: the first auth message
// declares, inside its payload, the public key the signature must then be
// verified against (see VerifySigned).
func (c *Codec) DecodeSignedUnverified(data []byte) (Envelope, error) {
	obj, err := jose.ParseSigned(string(data), signatureAlgs)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return unmarshalVerified(obj.UnsafePayloadWithoutVerification())
}

// VerifySigned checks that data is a JWS carrying a valid signature from
// sender. The possession proof for agent authentication: the envelope that
// declared the key must itself verify against it.
func (c *Codec) VerifySigned(data []byte, sender *rsa.PublicKey) error {
	obj, err := jose.ParseSigned(string(data), signatureAlgs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := obj.Verify(sender); err != nil {
		return ErrInvalidAuthentication
	}
	return nil
}

// unmarshalVerified parses an unwrapped envelope JSON. A wrapped payload
// that does not contain envelope JSON is malformed even when the signature
// or decryption succeeded.
func unmarshalVerified(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}
