package orchestrator

import (
	"math"
	"sort"
	"time"

	"github.com/ksred/klear-broker/internal/broker"
	"github.com/ksred/klear-broker/internal/connections"
)

// Weights combine the four routing metrics into one score.
type Weights struct {
	Speed       float64
	SuccessRate float64
	Fee         float64
	Liquidity   float64
}

var DefaultWeights = Weights{Speed: 0.3, SuccessRate: 0.3, Fee: 0.2, Liquidity: 0.2}

func (w Weights) Score(m broker.Metrics) float64 {
	return w.Speed*clamp(m.Speed) +
		w.SuccessRate*clamp(m.SuccessRate) +
		w.Fee*clamp(m.Fee) +
		w.Liquidity*clamp(m.Liquidity)
}

const (
	scoreEpsilon = 1e-9

	// Estimates for connections with no reported metrics and no history.
	neutralSpeed   = 0.5
	neutralSuccess = 0.5

	// speedHorizon is the submit latency that scores zero speed.
	speedHorizon = 2 * time.Second
	// maxFeeRate is the fee rate that scores zero fee competitiveness.
	maxFeeRate = 0.005
)

// Stats summarise a connection's recent journal.
type Stats struct {
	Attempts    int
	Successes   int
	MeanLatency time.Duration
	LastSuccess *time.Time
}

// Estimate derives metrics for an adapter that does not report its own,
// from journal history and the catalog defaults of its broker type.
func Estimate(stats Stats, bt *connections.BrokerType) broker.Metrics {
	m := broker.Metrics{
		Speed:       neutralSpeed,
		SuccessRate: neutralSuccess,
	}
	if stats.Attempts > 0 {
		m.SuccessRate = float64(stats.Successes) / float64(stats.Attempts)
		if stats.MeanLatency > 0 {
			m.Speed = 1 - float64(stats.MeanLatency)/float64(speedHorizon)
		}
	}
	if bt != nil {
		m.Fee = 1 - bt.DefaultFeeRate/maxFeeRate
		m.Liquidity = bt.DefaultLiquidity
	}
	m.Speed = clamp(m.Speed)
	m.SuccessRate = clamp(m.SuccessRate)
	m.Fee = clamp(m.Fee)
	m.Liquidity = clamp(m.Liquidity)
	return m
}

// Candidate is one connection considered for a trade.
type Candidate struct {
	Connection  connections.BrokerConnection
	Adapter     broker.Adapter
	Metrics     broker.Metrics
	Score       float64
	LastSuccess *time.Time
}

// Rank orders candidates best first. Equal scores go to the most recent
// success; when neither has succeeded yet the primary connection wins.
// Connection id breaks any remaining tie so the order is stable.
func Rank(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if math.Abs(a.Score-b.Score) > scoreEpsilon {
			return a.Score > b.Score
		}
		switch {
		case a.LastSuccess != nil && b.LastSuccess != nil:
			if !a.LastSuccess.Equal(*b.LastSuccess) {
				return a.LastSuccess.After(*b.LastSuccess)
			}
		case a.LastSuccess != nil:
			return true
		case b.LastSuccess != nil:
			return false
		default:
			if a.Connection.IsPrimary != b.Connection.IsPrimary {
				return a.Connection.IsPrimary
			}
		}
		return a.Connection.ID < b.Connection.ID
	})
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
