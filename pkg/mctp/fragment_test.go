package mctp

import (
	"bytes"
	"errors"
	"testing"
)

func fragmentBody(t *testing.T, body []byte, mtu int) *TxMessage {
	t.Helper()
	msg := &Message{
		Data:      append([]byte(nil), body...),
		Length:    len(body),
		SourceEID: testPeerEID,
		TargetEID: testLocalEID,
	}
	tx, err := NewFragmenter().Fragment(msg, MessageTypeVendorDefined, testLocalAddr,
		testPeerAddr, 3, TagOwnerResponse, mtu)
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}
	return tx
}

func TestFragmentFourPackets(t *testing.T) {
	body := make([]byte, 200)
	for i := range body {
		body[i] = byte(i)
	}
	tx := fragmentBody(t, body, 64)

	if len(tx.Frames) != 4 {
		t.Fatalf("got %v frames, want 4", len(tx.Frames))
	}
	if tx.DestAddr != testPeerAddr {
		t.Errorf("dest addr %#.2x, want %#.2x", tx.DestAddr, testPeerAddr)
	}
	if tx.PktSize != len(tx.Frames[0]) {
		t.Errorf("pkt size %v, want %v", tx.PktSize, len(tx.Frames[0]))
	}

	wantPayloads := []int{64, 64, 64, 8}
	var reassembled []byte
	for i, frame := range tx.Frames {
		pkt, err := Parse(frame, testPeerAddr)
		if err != nil {
			t.Fatalf("frame %v: %v", i, err)
		}
		if got, want := pkt.SOM, i == 0; got != want {
			t.Errorf("frame %v: SOM = %v, want %v", i, got, want)
		}
		if got, want := pkt.EOM, i == 3; got != want {
			t.Errorf("frame %v: EOM = %v, want %v", i, got, want)
		}
		if pkt.Sequence != uint8(i%4) {
			t.Errorf("frame %v: seq = %v, want %v", i, pkt.Sequence, i%4)
		}
		if pkt.Tag != 3 || pkt.TagOwner != TagOwnerResponse {
			t.Errorf("frame %v: tag %v owner %v, want 3/Response", i, pkt.Tag, pkt.TagOwner)
		}
		if pkt.SOM && pkt.Type != MessageTypeVendorDefined {
			t.Errorf("SOM type = %v", pkt.Type)
		}
		if len(pkt.Payload) != wantPayloads[i] {
			t.Errorf("frame %v: %v payload bytes, want %v", i, len(pkt.Payload),
				wantPayloads[i])
		}
		if pkt.DestEID != testPeerEID || pkt.SrcEID != testLocalEID {
			t.Errorf("frame %v: EIDs %v -> %v", i, pkt.SrcEID, pkt.DestEID)
		}
		reassembled = append(reassembled, pkt.Payload...)
	}
	if !bytes.Equal(reassembled, body) {
		t.Error("reassembled payload differs from original body")
	}
}

func TestFragmentSinglePacket(t *testing.T) {
	tx := fragmentBody(t, make([]byte, 10), 64)
	if len(tx.Frames) != 1 {
		t.Fatalf("got %v frames, want 1", len(tx.Frames))
	}
	pkt, err := Parse(tx.Frames[0], testPeerAddr)
	if err != nil {
		t.Fatal(err)
	}
	if !pkt.SOM || !pkt.EOM {
		t.Errorf("SOM=%v EOM=%v, want both", pkt.SOM, pkt.EOM)
	}
}

func TestFragmentRespectsSmallerMTU(t *testing.T) {
	tx := fragmentBody(t, make([]byte, 100), 32)
	if len(tx.Frames) != 4 {
		t.Fatalf("got %v frames, want 4", len(tx.Frames))
	}
	for i, frame := range tx.Frames {
		pkt, err := Parse(frame, testPeerAddr)
		if err != nil {
			t.Fatalf("frame %v: %v", i, err)
		}
		if len(pkt.Payload) > 32 {
			t.Errorf("frame %v: %v payload bytes exceed MTU 32", i, len(pkt.Payload))
		}
	}
}

func TestFragmentSequenceWraps(t *testing.T) {
	// Six packets force the 2-bit sequence through a wrap.
	tx := fragmentBody(t, make([]byte, 64*5+1), 64)
	if len(tx.Frames) != 6 {
		t.Fatalf("got %v frames, want 6", len(tx.Frames))
	}
	for i, frame := range tx.Frames {
		pkt, err := Parse(frame, testPeerAddr)
		if err != nil {
			t.Fatal(err)
		}
		if pkt.Sequence != uint8(i%4) {
			t.Errorf("frame %v: seq %v, want %v", i, pkt.Sequence, i%4)
		}
	}
}

func TestFragmentSingleRejectsMultiPacket(t *testing.T) {
	msg := &Message{
		Data:      make([]byte, 200),
		Length:    200,
		SourceEID: testPeerEID,
		TargetEID: testLocalEID,
	}
	_, err := NewFragmenter().FragmentSingle(msg, MessageTypeVendorDefined, testLocalAddr,
		testPeerAddr, 0, TagOwnerResponse)
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("FragmentSingle: %v, want ErrTooLarge", err)
	}
}

func TestFragmentRejectsBadMTU(t *testing.T) {
	msg := &Message{Data: make([]byte, 8), Length: 8}
	for _, mtu := range []int{0, -1, MinTransmissionUnit + 1} {
		_, err := NewFragmenter().Fragment(msg, MessageTypeVendorDefined, testLocalAddr,
			testPeerAddr, 0, TagOwnerResponse, mtu)
		if !errors.Is(err, ErrInvalidMessage) {
			t.Errorf("mtu %v: %v, want ErrInvalidMessage", mtu, err)
		}
	}
}
