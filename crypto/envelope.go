package crypto

import "fmt"

// Envelope is the output of authenticated encryption. Its packed binary
// form, nonce ∥ ciphertext ∥ tag, is the only persisted representation
// of any encrypted value.
type Envelope struct {
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
}

// Pack serializes the envelope into its fixed binary layout:
// nonce (12 bytes) ∥ ciphertext (variable) ∥ tag (16 bytes).
func (e Envelope) Pack() []byte {
	out := make([]byte, 0, len(e.Nonce)+len(e.Ciphertext)+len(e.Tag))
	out = append(out, e.Nonce...)
	out = append(out, e.Ciphertext...)
	out = append(out, e.Tag...)
	return out
}

// Unpack parses packed envelope bytes back into an Envelope.
func Unpack(data []byte) (Envelope, error) {
	if len(data) < NonceLength+TagLength {
		return Envelope{}, fmt.Errorf("%w: %d bytes, need at least %d",
			ErrInvalidEnvelope, len(data), NonceLength+TagLength)
	}
	split := len(data) - TagLength
	return Envelope{
		Nonce:      data[:NonceLength],
		Ciphertext: data[NonceLength:split],
		Tag:        data[split:],
	}, nil
}
