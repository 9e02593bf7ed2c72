package submission

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/nacl/box"
)

// FrameVersion is the fixed 2-byte version every submission frame
// leads with.
const FrameVersion uint16 = 1

// header is the CBOR-encoded frame header:
// {node_id, license_key, nonce[24]}.
type header struct {
	NodeID     string   `cbor:"node_id"`
	LicenseKey string   `cbor:"license_key"`
	Nonce      [24]byte `cbor:"nonce"`
}

// BatchKind tags which of the two submission payload shapes a Batch
// carries: a device list or a stats submission.
type BatchKind string

const (
	BatchDeviceList      BatchKind = "device_list"
	BatchStatsSubmission BatchKind = "stats_submission"
)

// Batch is the CBOR-encoded payload sealed into a frame.
type Batch struct {
	Kind  BatchKind `cbor:"kind"`
	Nonce uint64    `cbor:"nonce"` // monotonic per-node submission counter, de-dupes retries ingestor-side
	Raw   []byte    `cbor:"raw"`   // CBOR-encoded DeviceList or StatsSubmission, kind-tagged by Kind
}

// EncodeFrame builds the wire frame: version,
// header-size, header, payload-size, sealed payload. peerPublicKey is
// the Insight endpoint's Curve25519 public key, fetched once per
// session and cached by the caller (Client).
//
// The box is sealed with our own long-lived key pair and an explicit
// random nonce carried in the header (rather than libsodium's
// anonymous crypto_box_seal, which embeds its own ephemeral key and
// has no separate nonce field): the header's explicit `nonce[24]`
// field only has meaning for the authenticated
// box.Seal(message, nonce, peerPublicKey, ourPrivateKey) form.
func EncodeFrame(nodeID, licenseKey string, keys *KeyPair, peerPublicKey *[32]byte, batch Batch) ([]byte, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("submission: generating nonce: %w", err)
	}

	payload, err := cbor.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("submission: encoding batch: %w", err)
	}
	sealed := box.Seal(nil, payload, &nonce, peerPublicKey, keys.Private)

	hdr := header{NodeID: nodeID, LicenseKey: licenseKey, Nonce: nonce}
	hdrBytes, err := cbor.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("submission: encoding header: %w", err)
	}

	out := make([]byte, 0, 2+8+len(hdrBytes)+8+len(sealed))
	out = binary.BigEndian.AppendUint16(out, FrameVersion)
	out = binary.BigEndian.AppendUint64(out, uint64(len(hdrBytes)))
	out = append(out, hdrBytes...)
	out = binary.BigEndian.AppendUint64(out, uint64(len(sealed)))
	out = append(out, sealed...)
	return out, nil
}

// DecodeFrame is the inverse of EncodeFrame, used by tests to verify
// round-tripping without a live Insight endpoint. senderPublicKey is
// the sealing party's public key (the node's, from the ingestor's
// point of view); recipientPrivateKey is the opening party's private
// key (Insight's, or the node's own in a self-test round trip).
func DecodeFrame(frame []byte, senderPublicKey *[32]byte, recipientPrivateKey *[32]byte) (nodeID, licenseKey string, batch Batch, err error) {
	if len(frame) < 2+8 {
		return "", "", Batch{}, fmt.Errorf("submission: frame too short")
	}
	version := binary.BigEndian.Uint16(frame[0:2])
	if version != FrameVersion {
		return "", "", Batch{}, fmt.Errorf("submission: unsupported frame version %d", version)
	}
	hdrLen := binary.BigEndian.Uint64(frame[2:10])
	offset := uint64(10)
	if offset+hdrLen > uint64(len(frame)) {
		return "", "", Batch{}, fmt.Errorf("submission: truncated header")
	}
	var hdr header
	if err := cbor.Unmarshal(frame[offset:offset+hdrLen], &hdr); err != nil {
		return "", "", Batch{}, fmt.Errorf("submission: decoding header: %w", err)
	}
	offset += hdrLen
	if offset+8 > uint64(len(frame)) {
		return "", "", Batch{}, fmt.Errorf("submission: truncated payload-size field")
	}
	payloadLen := binary.BigEndian.Uint64(frame[offset : offset+8])
	offset += 8
	if offset+payloadLen > uint64(len(frame)) {
		return "", "", Batch{}, fmt.Errorf("submission: truncated payload")
	}
	sealed := frame[offset : offset+payloadLen]

	opened, ok := box.Open(nil, sealed, &hdr.Nonce, senderPublicKey, recipientPrivateKey)
	if !ok {
		return "", "", Batch{}, fmt.Errorf("submission: box authentication failed")
	}
	var batchOut Batch
	if err := cbor.Unmarshal(opened, &batchOut); err != nil {
		return "", "", Batch{}, fmt.Errorf("submission: decoding batch: %w", err)
	}
	return hdr.NodeID, hdr.LicenseKey, batchOut, nil
}
