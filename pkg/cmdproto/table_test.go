package cmdproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelfw/rot/pkg/devmgr"
	"github.com/kestrelfw/rot/pkg/mctp"
)

// Every command in the static table must resolve for every role: either a
// handler fires (whatever it then returns) or the dispatch fails with
// InvalidDeviceMode. UnknownCommand is reserved for IDs outside the table.
func TestTableNeverUnknownForKnownCommands(t *testing.T) {
	devices := devmgr.New([]devmgr.Device{
		{EID: 0x0a, Addr: 0x51, Direction: devmgr.DirectionUpstream},
		{EID: 0x0c, Addr: 0x52, Direction: devmgr.DirectionDownstream},
	})
	d, err := New(Deps{
		Devices:   devices,
		FwVersion: fixedVersion("fw"),
	}, Options{
		PCIVendorID:         0x1414,
		EnableDebugCommands: true,
	})
	require.NoError(t, err)

	for command, desc := range d.table {
		for _, src := range []mctp.EID{0x0a, 0x0c} {
			buf := make([]byte, mctp.MaxMessageBody)
			hdr := Header{
				MsgType:     uint8(mctp.MessageTypeVendorDefined),
				PCIVendorID: 0x1414,
				Rq:          1,
				Command:     command,
			}
			require.NoError(t, hdr.Encode(buf))
			msg := &mctp.Message{
				Data:        buf,
				Length:      HeaderLen,
				MaxResponse: mctp.MaxMessageBody,
				SourceEID:   src,
			}

			outcome := d.ProcessRequest(msg)
			if herr, ok := outcome.(mctp.HandlerError); ok {
				assert.NotEqual(t, mctp.ErrorCodeUnknownCommand, herr.Code,
					"command %#.2x (%v) from %#.2x resolved to UnknownCommand",
					command, desc.name, uint8(src))
			}
		}
	}
}

type fixedVersion string

func (v fixedVersion) Version(uint8) (string, error) { return string(v), nil }
