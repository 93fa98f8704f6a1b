// Package signal converts computed indicator values into BUY/SELL/HOLD
// actions, per indicator and by majority vote.
package signal

import (
	"github.com/paperlane/paperlane/internal/indicator"
)

// Action is a trading decision for one symbol.
type Action string

const (
	Buy  Action = "buy"
	Sell Action = "sell"
	Hold Action = "hold"
)

// macdDeadBand filters histogram noise around zero.
const macdDeadBand = 0.01

// maBuffer is the fractional buffer around moving averages that prevents
// whipsawing right at the crossover.
const maBuffer = 0.001

// Evaluate returns the action for a single indicator's values. Nil values
// (insufficient history) and unknown indicators evaluate to HOLD.
func Evaluate(cfg indicator.Config, values indicator.Values) Action {
	if values == nil {
		return Hold
	}
	switch cfg.Name {
	case indicator.NameRSI:
		return evalRSI(cfg, values)
	case indicator.NameMACD:
		return evalMACD(values)
	case indicator.NameSMA, indicator.NameEMA:
		return evalMovingAverage(values)
	case indicator.NameBollinger:
		return evalBollinger(values)
	case indicator.NameStochastic:
		return evalStochastic(values)
	case indicator.NameOBV:
		return evalOBV(values)
	default:
		return Hold
	}
}

// PerIndicator evaluates every configured indicator independently.
// Indicators without values are omitted; the caller distinguishes "no vote"
// from HOLD.
func PerIndicator(configs []indicator.Config, snapshot map[string]indicator.Values) map[string]Action {
	results := make(map[string]Action, len(configs))
	for _, cfg := range configs {
		values, ok := snapshot[cfg.Name]
		if !ok || values == nil {
			continue
		}
		if !known(cfg.Name) {
			continue
		}
		results[cfg.Name] = Evaluate(cfg, values)
	}
	return results
}

// Vote is the outcome of a majority-vote evaluation.
type Vote struct {
	Final          Action            `json:"final_signal"`
	PerIndicator   map[string]Action `json:"per_indicator"`
	BuyVotes       int               `json:"buy_votes"`
	SellVotes      int               `json:"sell_votes"`
	HoldVotes      int               `json:"hold_votes"`
	TotalEvaluated int               `json:"total_evaluated"`
}

// MajorityVote combines per-indicator actions: a non-HOLD result needs a
// strict majority of evaluated indicators and at least two agreeing votes.
// Fewer than two evaluated indicators always yields HOLD.
func MajorityVote(configs []indicator.Config, snapshot map[string]indicator.Values) Vote {
	vote := Vote{
		Final:        Hold,
		PerIndicator: PerIndicator(configs, snapshot),
	}
	for _, action := range vote.PerIndicator {
		vote.TotalEvaluated++
		switch action {
		case Buy:
			vote.BuyVotes++
		case Sell:
			vote.SellVotes++
		default:
			vote.HoldVotes++
		}
	}

	if vote.TotalEvaluated < 2 {
		return vote
	}
	threshold := float64(vote.TotalEvaluated) / 2
	if float64(vote.BuyVotes) > threshold && vote.BuyVotes >= 2 {
		vote.Final = Buy
	} else if float64(vote.SellVotes) > threshold && vote.SellVotes >= 2 {
		vote.Final = Sell
	}
	return vote
}

func known(name string) bool {
	switch name {
	case indicator.NameRSI, indicator.NameMACD, indicator.NameSMA, indicator.NameEMA,
		indicator.NameBollinger, indicator.NameStochastic, indicator.NameOBV:
		return true
	default:
		return false
	}
}

func evalRSI(cfg indicator.Config, values indicator.Values) Action {
	rsi, ok := values["value"]
	if !ok {
		return Hold
	}
	if rsi < cfg.Param("oversold", 30) {
		return Buy
	}
	if rsi > cfg.Param("overbought", 70) {
		return Sell
	}
	return Hold
}

func evalMACD(values indicator.Values) Action {
	histogram, ok := values["histogram"]
	if !ok {
		return Hold
	}
	if histogram > macdDeadBand {
		return Buy
	}
	if histogram < -macdDeadBand {
		return Sell
	}
	return Hold
}

func evalMovingAverage(values indicator.Values) Action {
	ma, okMA := values["value"]
	price, okPrice := values["price"]
	if !okMA || !okPrice {
		return Hold
	}
	buffer := ma * maBuffer
	if price > ma+buffer {
		return Buy
	}
	if price < ma-buffer {
		return Sell
	}
	return Hold
}

func evalBollinger(values indicator.Values) Action {
	price, okPrice := values["price"]
	upper, okUpper := values["upper"]
	lower, okLower := values["lower"]
	if !okPrice || !okUpper || !okLower {
		return Hold
	}
	// Mean reversion: band touches fade back toward the middle.
	if price <= lower {
		return Buy
	}
	if price >= upper {
		return Sell
	}
	return Hold
}

func evalStochastic(values indicator.Values) Action {
	k, okK := values["k"]
	d, okD := values["d"]
	if !okK || !okD {
		return Hold
	}
	// Both lines must agree on the extreme zone.
	if k < 20 && d < 20 {
		return Buy
	}
	if k > 80 && d > 80 {
		return Sell
	}
	return Hold
}

func evalOBV(values indicator.Values) Action {
	change, ok := values["change"]
	if !ok {
		return Hold
	}
	if change > 0 {
		return Buy
	}
	if change < 0 {
		return Sell
	}
	return Hold
}
