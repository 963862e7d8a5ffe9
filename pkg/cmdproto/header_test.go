package cmdproto_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelfw/rot/pkg/cmdproto"
	"github.com/kestrelfw/rot/pkg/mctp"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := cmdproto.Header{
		MsgType:     uint8(mctp.MessageTypeVendorDefined),
		PCIVendorID: 0x1414,
		Crypt:       true,
		Rq:          1,
		Command:     cmdproto.CommandGetDigest,
	}

	buf := make([]byte, cmdproto.HeaderLen)
	require.NoError(t, h.Encode(buf))

	got, err := cmdproto.ParseHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestHeaderWireLayout(t *testing.T) {
	h := cmdproto.Header{
		MsgType:     uint8(mctp.MessageTypeVendorDefined),
		PCIVendorID: 0x1414,
		Command:     0x01,
	}
	buf := make([]byte, cmdproto.HeaderLen)
	require.NoError(t, h.Encode(buf))

	assert.Equal(t, []byte{0x7e, 0x14, 0x14, 0x00, 0x01}, buf)
}

func TestParseHeaderTooShort(t *testing.T) {
	_, err := cmdproto.ParseHeader([]byte{0x7e, 0x14})
	assert.Error(t, err)
}

func TestErrorMessageRoundTrip(t *testing.T) {
	buf := make([]byte, cmdproto.ErrorMsgLen)
	n, err := cmdproto.EncodeError(buf, 0x1414, 1, cmdproto.ErrorMessage{
		Code: mctp.ErrorCodeInvalidChecksum,
		Data: 0xa5,
	})
	require.NoError(t, err)
	require.Equal(t, cmdproto.ErrorMsgLen, n)

	hdr, err := cmdproto.ParseHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, uint8(cmdproto.CommandError), hdr.Command)
	assert.Equal(t, uint8(1), hdr.Rq)
	assert.Equal(t, uint16(0x1414), hdr.PCIVendorID)

	e, err := cmdproto.ParseError(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, mctp.ErrorCodeInvalidChecksum, e.Code)
	assert.Equal(t, uint32(0xa5), e.Data)
}
