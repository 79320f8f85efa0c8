package crypto

import (
	"fmt"

	"github.com/dmesh/dmesh-go/wire"
)

// SignBytes builds the exact domain-separated byte string a sender signs
// and a receiver reconstructs for verification:
//
//	DOMAIN           12 B
//	sender_sign_pk   32 B
//	sender_box_pk    32 B
//	recipient_box_pk 32 B
//	eph_pk           32 B
//	nonce            24 B
//	u64be(ts)         8 B
//	u32be(|ct|)       4 B
//	ciphertext       variable
//
// Any reordering is a breaking protocol change. The recipient's box key
// inside the signed bytes is what prevents re-targeting a valid envelope.
func SignBytes(senderSignPK, senderBoxPK, recipientBoxPK, ephPK, nonce []byte, ts int64, ciphertext []byte) ([]byte, error) {
	switch {
	case len(senderSignPK) != SignPKLen:
		return nil, fmt.Errorf("%w: sender signing key is %d bytes", ErrInvalidKeyLength, len(senderSignPK))
	case len(senderBoxPK) != BoxPKLen:
		return nil, fmt.Errorf("%w: sender box key is %d bytes", ErrInvalidKeyLength, len(senderBoxPK))
	case len(recipientBoxPK) != BoxPKLen:
		return nil, fmt.Errorf("%w: recipient box key is %d bytes", ErrInvalidKeyLength, len(recipientBoxPK))
	case len(ephPK) != BoxPKLen:
		return nil, fmt.Errorf("%w: ephemeral key is %d bytes", ErrInvalidKeyLength, len(ephPK))
	case len(nonce) != NonceLen:
		return nil, fmt.Errorf("%w: nonce is %d bytes", ErrInvalidKeyLength, len(nonce))
	case ts < 0 || ts > wire.MaxSafeMillis:
		return nil, fmt.Errorf("%w: timestamp %d out of range", wire.ErrInvalidFormat, ts)
	}

	return wire.Concat(
		[]byte(Domain),
		senderSignPK,
		senderBoxPK,
		recipientBoxPK,
		ephPK,
		nonce,
		wire.U64BE(uint64(ts)),
		wire.U32BE(uint32(len(ciphertext))),
		ciphertext,
	), nil
}
