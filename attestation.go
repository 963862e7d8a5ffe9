package rot

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/kestrelfw/rot/pkg/cmdproto"
	"github.com/kestrelfw/rot/pkg/devmgr"
	"github.com/kestrelfw/rot/pkg/mctp"
)

// Poller walks the downstream peers and issues certificate digest requests
// until each one is attested. Replies come back through the channel's
// receive path, where the attestation initiator digests them and advances
// the device state; the poller only decides who to ask and when.
type Poller struct {
	channel  *Channel
	devices  *devmgr.Manager
	log      logrus.FieldLogger
	interval time.Duration

	// next holds the per-device retry schedule.
	next map[int]time.Time
	bo   map[int]*backoff.ExponentialBackOff
}

// NewPoller returns a poller driving attestation over the given channel.
// interval is the walk cadence; retries of a failing device back off
// exponentially on top of it.
func NewPoller(channel *Channel, devices *devmgr.Manager, interval time.Duration,
	log logrus.FieldLogger) *Poller {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{
		channel:  channel,
		devices:  devices,
		log:      log,
		interval: interval,
		next:     make(map[int]time.Time),
		bo:       make(map[int]*backoff.ExponentialBackOff),
	}
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.walk(time.Now())
		}
	}
}

func (p *Poller) walk(now time.Time) {
	for _, num := range p.devices.Downstream() {
		state, err := p.devices.State(num)
		if err != nil {
			continue
		}
		switch state {
		case devmgr.StateAttested, devmgr.StateNotAttestable:
			delete(p.next, num)
			delete(p.bo, num)
			continue
		}
		if t, ok := p.next[num]; ok && now.Before(t) {
			continue
		}
		p.poll(num, now)
	}
}

func (p *Poller) poll(num int, now time.Time) {
	addr, err := p.devices.DeviceAddr(num)
	if err != nil {
		return
	}
	eid, err := p.devices.DeviceEID(num)
	if err != nil {
		return
	}

	err = p.channel.IssueRequest(mctp.MessageTypeVendorDefined, cmdproto.CommandGetDigest,
		nil, addr, eid)
	if err != nil {
		attestationPolls.WithLabelValues("error").Inc()
		p.log.WithFields(logrus.Fields{
			"device": num,
			"eid":    eid,
		}).WithError(err).Warn("attestation poll failed")

		bo, ok := p.bo[num]
		if !ok {
			bo = backoff.NewExponentialBackOff()
			bo.InitialInterval = p.interval
			bo.MaxElapsedTime = 0
			p.bo[num] = bo
		}
		p.next[num] = now.Add(bo.NextBackOff())
		return
	}

	attestationPolls.WithLabelValues("issued").Inc()
	if bo, ok := p.bo[num]; ok {
		bo.Reset()
	}
	p.next[num] = now.Add(p.interval)
}
