package rot

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kestrelfw/rot/pkg/mctp"
)

var namespace = "rot"

var (
	channelsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "channels_open",
		Help:      "Number of bus channels currently attached.",
	})
	packetsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mctp",
		Name:      "packets_received_total",
		Help:      "Packets handed up by the bus layer.",
	}, []string{"channel"})
	packetsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mctp",
		Name:      "packets_dropped_total",
		Help:      "Packets dropped without a reply.",
	}, []string{"channel"})
	messagesReassembled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mctp",
		Name:      "messages_reassembled_total",
		Help:      "Messages completed by the reassembler.",
	}, []string{"channel", "type"})
	protocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mctp",
		Name:      "protocol_errors_total",
		Help:      "Protocol error replies emitted.",
	}, []string{"channel", "code"})
	responsesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mctp",
		Name:      "responses_sent_total",
		Help:      "Outbound messages fragmented onto the bus.",
	}, []string{"channel"})
	responsePackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mctp",
		Name:      "response_packets_total",
		Help:      "Packets of outbound messages written to the bus.",
	}, []string{"channel"})
	attestationPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "attestation",
		Name:      "polls_total",
		Help:      "Attestation poll attempts by result.",
	}, []string{"result"})
)

// channelObserver feeds transport events into the package collectors for one
// channel.
type channelObserver struct {
	channel string
}

func newChannelObserver(id int) channelObserver {
	return channelObserver{channel: strconv.Itoa(id)}
}

func (o channelObserver) PacketReceived() {
	packetsReceived.WithLabelValues(o.channel).Inc()
}

func (o channelObserver) PacketDropped() {
	packetsDropped.WithLabelValues(o.channel).Inc()
}

func (o channelObserver) MessageReassembled(t mctp.MessageType) {
	messagesReassembled.WithLabelValues(o.channel, t.String()).Inc()
}

func (o channelObserver) ProtocolError(code mctp.ErrorCode) {
	protocolErrors.WithLabelValues(o.channel, code.String()).Inc()
}

func (o channelObserver) ResponseSent(packets int) {
	responsesSent.WithLabelValues(o.channel).Inc()
	responsePackets.WithLabelValues(o.channel).Add(float64(packets))
}
