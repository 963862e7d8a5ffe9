package rot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kestrelfw/rot/internal/pkg/transport"
	"github.com/kestrelfw/rot/pkg/devmgr"
	"github.com/kestrelfw/rot/pkg/mctp"
)

// ChannelConfig describes one bus attachment.
type ChannelConfig struct {
	// ID is the logical channel identifier stamped on messages and logs.
	ID int

	// LocalEID is the endpoint identifier to answer to.
	LocalEID mctp.EID

	// LocalAddr is the bus address the connection receives on.
	LocalAddr uint8

	// Devices is the peer registry shared across channels.
	Devices *devmgr.Manager

	// Dispatcher handles vendor-defined messages.
	Dispatcher mctp.VendorDispatcher

	// Logger defaults to the standard logger.
	Logger logrus.FieldLogger

	// ResponseTimeout and CryptoTimeout override the protocol deadline
	// constants when non-zero.
	ResponseTimeout time.Duration
	CryptoTimeout   time.Duration
}

// Channel couples one bus connection to its reassembler. The transport state
// is touched by one worker at a time: the receive loop and the issue-request
// path serialize on the channel lock, never across a handler call boundary
// held by someone else.
type Channel struct {
	id    int
	conn  transport.PacketConn
	log   logrus.FieldLogger
	local uint8

	mu    sync.Mutex
	reasm *mctp.Reassembler
}

// Open attaches a channel to a bus connection.
func Open(conn transport.PacketConn, cfg ChannelConfig) (*Channel, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	reasm, err := mctp.NewReassembler(mctp.Config{
		EID:             cfg.LocalEID,
		ChannelID:       cfg.ID,
		Devices:         cfg.Devices,
		Vendor:          cfg.Dispatcher,
		Logger:          cfg.Logger,
		Observer:        newChannelObserver(cfg.ID),
		ResponseTimeout: cfg.ResponseTimeout,
		CryptoTimeout:   cfg.CryptoTimeout,
	})
	if err != nil {
		return nil, err
	}
	channelsOpen.Inc()
	return &Channel{
		id:    cfg.ID,
		conn:  conn,
		log:   cfg.Logger,
		local: cfg.LocalAddr,
		reasm: reasm,
	}, nil
}

// Run processes packets until the context is cancelled or the connection
// fails. It owns the receive side of the connection.
func (c *Channel) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.conn.Close()
	}()

	for {
		rx, err := c.conn.ReadPacket()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return ctx.Err()
			}
			return err
		}

		tx, err := c.process(rx)
		if err != nil {
			c.log.WithField("channel", c.id).WithError(err).Error("packet processing failed")
			continue
		}
		if tx == nil {
			continue
		}
		if err := c.conn.WritePacket(tx); err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return ctx.Err()
			}
			return err
		}
	}
}

func (c *Channel) process(rx *mctp.RxPacket) (*mctp.TxMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reasm.ProcessPacket(rx)
}

// IssueRequest composes a locally-originated request to a peer and writes it
// to the bus. The response arrives through the normal receive path and is
// dispatched like any other message.
func (c *Channel) IssueRequest(msgType mctp.MessageType, commandID uint8, params interface{},
	destAddr uint8, destEID mctp.EID) error {
	c.mu.Lock()
	tx, err := c.reasm.IssueRequest(msgType, commandID, params, destAddr, destEID, c.local)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	// The serialized stream aliases the reassembler's buffers; hold the lock
	// across the write so the next inbound packet cannot clobber it.
	err = c.conn.WritePacket(tx)
	c.mu.Unlock()
	return err
}

// Close detaches the channel from the bus.
func (c *Channel) Close() error {
	channelsOpen.Dec()
	return c.conn.Close()
}

// EID returns the channel's current endpoint identifier, which the bus owner
// may have reassigned since bring-up.
func (c *Channel) EID() mctp.EID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reasm.EID()
}
