package cmdproto_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelfw/rot/pkg/cmdproto"
	"github.com/kestrelfw/rot/pkg/mctp"
)

func TestIssueDigestRequest(t *testing.T) {
	d := newDispatcher(t, func(deps *cmdproto.Deps, _ *cmdproto.Options) {
		deps.Initiator = &mockInitiator{}
	})

	buf := make([]byte, mctp.MaxMessageBody)
	n, err := d.IssueRequest(cmdproto.CommandGetDigest, nil, buf, len(buf))
	require.NoError(t, err)
	require.Equal(t, cmdproto.HeaderLen+2, n)

	hdr, err := cmdproto.ParseHeader(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, uint8(cmdproto.CommandGetDigest), hdr.Command)
	assert.Equal(t, testVID, hdr.PCIVendorID)
	assert.Equal(t, uint8(mctp.MessageTypeVendorDefined), hdr.MsgType)
	assert.Equal(t, []byte{0x00, 0x01}, buf[cmdproto.HeaderLen:n])
}

func TestIssueCertificateRequest(t *testing.T) {
	d := newDispatcher(t, func(deps *cmdproto.Deps, _ *cmdproto.Options) {
		deps.Initiator = &mockInitiator{}
	})

	buf := make([]byte, 64)
	n, err := d.IssueRequest(cmdproto.CommandGetCertificate,
		cmdproto.CertificateParams{Slot: 0, CertNum: 2}, buf, len(buf))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x02}, buf[cmdproto.HeaderLen:n])

	// Missing parameters are an argument error, not a panic.
	_, err = d.IssueRequest(cmdproto.CommandGetCertificate, nil, buf, len(buf))
	require.Error(t, err)
}

func TestIssueChallenge(t *testing.T) {
	d := newDispatcher(t, func(deps *cmdproto.Deps, _ *cmdproto.Options) {
		deps.Initiator = &mockInitiator{}
	})

	buf := make([]byte, 64)
	n, err := d.IssueRequest(cmdproto.CommandAttestationChallenge, nil, buf, len(buf))
	require.NoError(t, err)
	assert.Equal(t, cmdproto.HeaderLen+32, n)
}

func TestIssueCapabilitiesRequest(t *testing.T) {
	d := newDispatcher(t, nil)

	buf := make([]byte, 64)
	n, err := d.IssueRequest(cmdproto.CommandGetDeviceCapabilities, nil, buf, len(buf))
	require.NoError(t, err)
	assert.Greater(t, n, cmdproto.HeaderLen)
}

func TestIssueUnknownCommand(t *testing.T) {
	d := newDispatcher(t, nil)

	buf := make([]byte, 64)
	_, err := d.IssueRequest(0xfe, nil, buf, len(buf))
	var serr *cmdproto.StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, cmdproto.StatusUnknownCommand, serr.Status)
}

func TestIssueWithoutInitiator(t *testing.T) {
	d := newDispatcher(t, nil)

	buf := make([]byte, 64)
	_, err := d.IssueRequest(cmdproto.CommandGetDigest, nil, buf, len(buf))
	var serr *cmdproto.StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, cmdproto.StatusUnsupportedOperation, serr.Status)
}

func TestBuildErrorUsesConfiguredVendorID(t *testing.T) {
	d := newDispatcher(t, nil)

	buf := make([]byte, cmdproto.ErrorMsgLen)
	n, err := d.BuildError(buf, mctp.ErrorCodeOutOfSeqWindow, 0x1234, 1)
	require.NoError(t, err)
	require.Equal(t, cmdproto.ErrorMsgLen, n)

	e, err := cmdproto.ParseError(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, mctp.ErrorCodeOutOfSeqWindow, e.Code)
	assert.Equal(t, uint32(0x1234), e.Data)

	hdr, err := cmdproto.ParseHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, testVID, hdr.PCIVendorID)
}
