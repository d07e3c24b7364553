// Package quality classifies the network quality of a connection from its
// periodic stats. It only observes, it never acts on the connection.
package quality

import (
	"sync"
	"time"

	"github.com/pion/interceptor/pkg/stats"
	"github.com/pion/webrtc/v3"

	"github.com/isqad/livelook-signal/internal/config"
	"github.com/isqad/livelook-signal/internal/telemetry"
)

type Quality string

const (
	Good Quality = "good"
	Ok   Quality = "ok"
	Poor Quality = "poor"
)

type Thresholds struct {
	PoorLoss float64
	PoorRTT  time.Duration
	OkLoss   float64
	OkRTT    time.Duration
}

func NewThresholds(conf config.QualityConfig) Thresholds {
	return Thresholds{
		PoorLoss: conf.PoorLoss,
		PoorRTT:  conf.PoorRTT,
		OkLoss:   conf.OkLoss,
		OkRTT:    conf.OkRTT,
	}
}

// Classify rates loss and RTT separately; the worse rating wins.
func Classify(loss float64, rtt time.Duration, th Thresholds) Quality {
	return worst(classifyLoss(loss, th), classifyRTT(rtt, th))
}

func classifyLoss(loss float64, th Thresholds) Quality {
	switch {
	case loss > th.PoorLoss:
		return Poor
	case loss > th.OkLoss:
		return Ok
	}
	return Good
}

func classifyRTT(rtt time.Duration, th Thresholds) Quality {
	switch {
	case rtt > th.PoorRTT:
		return Poor
	case rtt > th.OkRTT:
		return Ok
	}
	return Good
}

func worst(a, b Quality) Quality {
	if a == Poor || b == Poor {
		return Poor
	}
	if a == Ok || b == Ok {
		return Ok
	}
	return Good
}

// Sample holds the counters read from one stats snapshot. The packet counters
// are cumulative over the inbound streams. RemoteFractionLost is the worst loss
// the remote side put in its last receiver report on our outbound streams.
type Sample struct {
	PacketsReceived    uint64
	PacketsLost        int64
	RemoteFractionLost float64
	RTT                time.Duration
}

type StatsSource interface {
	GetStats() webrtc.StatsReport
	StreamStats() []stats.Stats
}

// Read samples source: the round trip of the selected candidate pair comes from
// the pion report, the loss and the report based round trip from the stream stats.
func Read(source StatsSource) Sample {
	sample := SampleFromReport(source.GetStats())
	for _, stream := range source.StreamStats() {
		sample.addStream(stream)
	}
	return sample
}

func SampleFromReport(report webrtc.StatsReport) Sample {
	sample := Sample{}
	for _, entry := range report {
		switch pair := entry.(type) {
		case webrtc.ICECandidatePairStats:
			sample.addPair(pair)
		case *webrtc.ICECandidatePairStats:
			sample.addPair(*pair)
		}
	}
	return sample
}

func (s *Sample) addStream(stream stats.Stats) {
	s.PacketsReceived += stream.InboundRTPStreamStats.PacketsReceived
	s.PacketsLost += stream.InboundRTPStreamStats.PacketsLost

	remote := stream.RemoteInboundRTPStreamStats
	if remote.FractionLost > s.RemoteFractionLost {
		s.RemoteFractionLost = remote.FractionLost
	}
	if remote.RoundTripTime > s.RTT {
		s.RTT = remote.RoundTripTime
	}
}

func (s *Sample) addPair(pair webrtc.ICECandidatePairStats) {
	if !pair.Nominated || pair.State != webrtc.StatsICECandidatePairStateSucceeded {
		return
	}
	rtt := time.Duration(pair.CurrentRoundTripTime * float64(time.Second))
	if rtt > s.RTT {
		s.RTT = rtt
	}
}

// LossSince is the worse of the inbound loss ratio since prev and the loss the
// remote side reported last.
func (s Sample) LossSince(prev Sample) float64 {
	lost := s.PacketsLost - prev.PacketsLost
	received := int64(s.PacketsReceived) - int64(prev.PacketsReceived)
	if lost < 0 {
		lost = 0
	}
	if received < 0 {
		received = 0
	}
	inbound := 0.0
	if lost+received > 0 {
		inbound = float64(lost) / float64(lost+received)
	}
	if s.RemoteFractionLost > inbound {
		return s.RemoteFractionLost
	}
	return inbound
}

// Monitor samples a connection every interval and reports the classification.
type Monitor struct {
	source     StatsSource
	interval   time.Duration
	thresholds Thresholds
	onQuality  func(Quality)

	prev Sample

	once    sync.Once
	started bool
	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
}

func NewMonitor(source StatsSource, interval time.Duration, th Thresholds, onQuality func(Quality)) *Monitor {
	return &Monitor{
		source:     source,
		interval:   interval,
		thresholds: th,
		onQuality:  onQuality,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return
	}
	m.started = true
	m.prev = Read(m.source)

	go m.run()
}

func (m *Monitor) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			q := m.Sample()
			telemetry.QualitySampled(string(q))
			m.onQuality(q)
		}
	}
}

// Sample reads the stats once and classifies them against the previous read.
func (m *Monitor) Sample() Quality {
	current := Read(m.source)
	loss := current.LossSince(m.prev)
	m.prev = current

	return Classify(loss, current.RTT, m.thresholds)
}

// Stop waits for the sampling loop to exit. It may be called more than once.
func (m *Monitor) Stop() {
	m.once.Do(func() {
		close(m.stop)
	})

	m.mu.Lock()
	started := m.started
	m.mu.Unlock()

	if started {
		<-m.done
	}
}
