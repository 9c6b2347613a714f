package usb

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// RNDIS data-plane constants
const (
	rndisPacketMsg    = 0x00000001
	rndisHeaderLength = 44
	// DataOffset counts from the DataOffset field, 8 bytes into the header
	rndisDataOffset = rndisHeaderLength - 8
)

var errShortMessage = errors.New("rndis: short message")

// framer converts between Ethernet frames and bulk transfers
type framer interface {
	encode(frame []byte) []byte
	decode(transfer []byte) ([][]byte, error)
	overhead() int
}

func newFramer(name string) (framer, error) {
	switch name {
	case "", "raw":
		return rawFramer{}, nil
	case "rndis":
		return rndisFramer{}, nil
	default:
		return nil, fmt.Errorf("unknown framing: %s", name)
	}
}

// rawFramer carries one Ethernet frame per transfer
type rawFramer struct{}

func (rawFramer) encode(frame []byte) []byte { return frame }

func (rawFramer) decode(transfer []byte) ([][]byte, error) {
	if len(transfer) == 0 {
		return nil, nil
	}
	return [][]byte{append([]byte(nil), transfer...)}, nil
}

func (rawFramer) overhead() int { return 0 }

// rndisFramer wraps frames in REMOTE_NDIS_PACKET_MSG
type rndisFramer struct{}

func (rndisFramer) encode(frame []byte) []byte {
	return EncodePacket(frame)
}

func (rndisFramer) decode(transfer []byte) ([][]byte, error) {
	return DecodePackets(transfer)
}

func (rndisFramer) overhead() int { return rndisHeaderLength }

// EncodePacket wraps an Ethernet frame in an RNDIS packet message.
func EncodePacket(frame []byte) []byte {
	msg := make([]byte, rndisHeaderLength+len(frame))
	le := binary.LittleEndian
	le.PutUint32(msg[0:], rndisPacketMsg)
	le.PutUint32(msg[4:], uint32(len(msg)))
	le.PutUint32(msg[8:], rndisDataOffset)
	le.PutUint32(msg[12:], uint32(len(frame)))
	// OOB and per-packet info fields stay zero
	copy(msg[rndisHeaderLength:], frame)
	return msg
}

// DecodePackets extracts every Ethernet frame from a transfer holding one
// or more concatenated RNDIS packet messages.
func DecodePackets(transfer []byte) ([][]byte, error) {
	var frames [][]byte
	le := binary.LittleEndian

	for len(transfer) > 0 {
		if len(transfer) < rndisHeaderLength {
			// zero padding after the last message
			if allZero(transfer) {
				break
			}
			return frames, errShortMessage
		}

		msgType := le.Uint32(transfer[0:])
		msgLen := int(le.Uint32(transfer[4:]))
		if msgType != rndisPacketMsg {
			return frames, fmt.Errorf("rndis: unexpected message type 0x%08x", msgType)
		}
		if msgLen < rndisHeaderLength || msgLen > len(transfer) {
			return frames, fmt.Errorf("rndis: bad message length %d", msgLen)
		}

		dataOff := 8 + int(le.Uint32(transfer[8:]))
		dataLen := int(le.Uint32(transfer[12:]))
		if dataOff < rndisHeaderLength || dataOff+dataLen > msgLen {
			return frames, fmt.Errorf("rndis: data out of bounds (offset %d, length %d)", dataOff, dataLen)
		}

		if dataLen > 0 {
			frames = append(frames, append([]byte(nil), transfer[dataOff:dataOff+dataLen]...))
		}
		transfer = transfer[msgLen:]
	}

	return frames, nil
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
