package trust

import (
	"github.com/JoyciAkira/sgn-core-sub001/errors"
	"github.com/JoyciAkira/sgn-core-sub001/ku"
	"github.com/JoyciAkira/sgn-core-sub001/signing"
)

// RotationPayload is the payload of a ku.attestation.rotate_key KU.
// prev_sig is a base64url Ed25519 signature by the previous key over the
// canonical bytes of this payload with prev_sig itself removed.
// prev_pub_pem carries the previous public key so the attestation stays
// self-contained when relayed between daemons.
type RotationPayload struct {
	PrevKeyID  string `json:"prev_key_id"`
	NewKeyID   string `json:"new_key_id"`
	Reason     string `json:"reason"`
	TS         string `json:"ts"`
	PrevSig    string `json:"prev_sig"`
	PrevPubPEM string `json:"prev_pub_pem"`
}

// ProcessRotation applies a key-rotation attestation:
//  1. verify prev_sig over the canonical payload bytes with the previous key
//  2. check the previous key id matches the supplied key and is trusted
//  3. allow-list the new key
//  4. if the rotation reason is "compromised", revoke the previous key
func ProcessRotation(store *Store, payload map[string]interface{}) error {
	p, err := parseRotation(payload)
	if err != nil {
		return err
	}

	prevPub, err := signing.DecodePublicKeyPEM(p.PrevPubPEM)
	if err != nil {
		return errors.Wrap(err, "rotation attestation has invalid prev_pub_pem")
	}

	prevKeyID, err := signing.KeyID(prevPub)
	if err != nil {
		return err
	}
	if prevKeyID != p.PrevKeyID {
		return errors.Newf("rotation prev_key_id %s does not match supplied key %s", p.PrevKeyID, prevKeyID)
	}

	canonical, err := ku.CanonicalPayloadBytes(payload, "prev_sig")
	if err != nil {
		return errors.Wrap(err, "failed to canonicalize rotation payload")
	}
	if err := signing.VerifyDetached(canonical, p.PrevSig, prevPub); err != nil {
		return errors.Wrap(err, "rotation attestation prev_sig invalid")
	}

	if d := store.IsTrusted(p.PrevKeyID); !d.Trusted {
		return errors.Wrapf(errors.ErrForbidden, "rotation rejected, previous key untrusted: %s", d.Reason)
	}

	if err := store.Add(p.NewKeyID, ""); err != nil {
		return errors.Wrap(err, "failed to allow-list rotated key")
	}

	if p.Reason == "compromised" {
		if err := store.Revoke(p.PrevKeyID, "rotated_due_to_compromise"); err != nil {
			return errors.Wrap(err, "failed to revoke compromised key")
		}
	}
	return nil
}

func parseRotation(payload map[string]interface{}) (*RotationPayload, error) {
	p := &RotationPayload{
		PrevKeyID:  stringField(payload, "prev_key_id"),
		NewKeyID:   stringField(payload, "new_key_id"),
		Reason:     stringField(payload, "reason"),
		TS:         stringField(payload, "ts"),
		PrevSig:    stringField(payload, "prev_sig"),
		PrevPubPEM: stringField(payload, "prev_pub_pem"),
	}
	switch {
	case p.PrevKeyID == "":
		return nil, errors.New("rotation payload missing prev_key_id")
	case p.NewKeyID == "":
		return nil, errors.New("rotation payload missing new_key_id")
	case p.PrevSig == "":
		return nil, errors.New("rotation payload missing prev_sig")
	case p.PrevPubPEM == "":
		return nil, errors.New("rotation payload missing prev_pub_pem")
	}
	return p, nil
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}
