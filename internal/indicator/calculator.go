package indicator

import (
	"log"

	"github.com/markcheno/go-talib"

	"github.com/paperlane/paperlane/internal/broker"
	"github.com/paperlane/paperlane/internal/util"
)

// MinBars is the minimum bar count for any indicator calculation.
const MinBars = 5

// Values are one indicator's computed outputs keyed by field name ("value",
// "histogram", "k", ...). A nil Values means insufficient history.
type Values map[string]float64

// Series is the column-oriented view of a bar window.
type Series struct {
	High   []float64
	Low    []float64
	Close  []float64
	Volume []float64
}

// NewSeries converts broker bars to indicator input columns.
func NewSeries(bars []broker.Bar) Series {
	s := Series{
		High:   make([]float64, len(bars)),
		Low:    make([]float64, len(bars)),
		Close:  make([]float64, len(bars)),
		Volume: make([]float64, len(bars)),
	}
	for i, b := range bars {
		s.High[i] = b.High
		s.Low[i] = b.Low
		s.Close[i] = b.Close
		s.Volume[i] = float64(b.Volume)
	}
	return s
}

// Len returns the number of bars in the series.
func (s Series) Len() int { return len(s.Close) }

// Compute runs every configured indicator against the series and returns
// name → values. Unknown indicators and indicators without enough history
// produce a nil entry; the signal layer treats nil as HOLD.
func Compute(logger *log.Logger, series Series, configs []Config) map[string]Values {
	results := make(map[string]Values, len(configs))
	if series.Len() < MinBars {
		if logger != nil {
			logger.Printf("Not enough bars (%d) for indicator calculation", series.Len())
		}
		for _, cfg := range configs {
			results[cfg.Name] = nil
		}
		return results
	}

	for _, cfg := range configs {
		switch cfg.Name {
		case NameRSI:
			results[cfg.Name] = computeRSI(series, cfg)
		case NameMACD:
			results[cfg.Name] = computeMACD(series, cfg)
		case NameSMA:
			results[cfg.Name] = computeSMA(series, cfg)
		case NameEMA:
			results[cfg.Name] = computeEMA(series, cfg)
		case NameBollinger:
			results[cfg.Name] = computeBollinger(series, cfg)
		case NameStochastic:
			results[cfg.Name] = computeStochastic(series, cfg)
		case NameOBV:
			results[cfg.Name] = computeOBV(series)
		default:
			if logger != nil {
				logger.Printf("Warning: unknown indicator %q, skipping", cfg.Name)
			}
			results[cfg.Name] = nil
		}
	}
	return results
}

func computeRSI(s Series, cfg Config) Values {
	period := int(cfg.Param("period", 14))
	if period < 1 || s.Len() < period+1 {
		return nil
	}
	out := talib.Rsi(s.Close, period)
	current := out[len(out)-1]
	return Values{
		"value":      util.Round2(current),
		"period":     float64(period),
		"oversold":   cfg.Param("oversold", 30),
		"overbought": cfg.Param("overbought", 70),
	}
}

func computeMACD(s Series, cfg Config) Values {
	fast := int(cfg.Param("fast", 12))
	slow := int(cfg.Param("slow", 26))
	signalPeriod := int(cfg.Param("signal", 9))
	if fast < 1 || slow < 2 || signalPeriod < 1 || s.Len() < slow+signalPeriod {
		return nil
	}
	macd, signalLine, histogram := talib.Macd(s.Close, fast, slow, signalPeriod)
	n := len(macd) - 1
	return Values{
		"macd":          util.Round4(macd[n]),
		"signal":        util.Round4(signalLine[n]),
		"histogram":     util.Round4(histogram[n]),
		"fast":          float64(fast),
		"slow":          float64(slow),
		"signal_period": float64(signalPeriod),
	}
}

func computeSMA(s Series, cfg Config) Values {
	period := int(cfg.Param("period", 50))
	if period < 1 || s.Len() < period {
		return nil
	}
	out := talib.Sma(s.Close, period)
	return Values{
		"value":  util.Round4(out[len(out)-1]),
		"period": float64(period),
		"price":  util.Round4(s.Close[s.Len()-1]),
	}
}

func computeEMA(s Series, cfg Config) Values {
	period := int(cfg.Param("period", 20))
	if period < 1 || s.Len() < period {
		return nil
	}
	out := talib.Ema(s.Close, period)
	return Values{
		"value":  util.Round4(out[len(out)-1]),
		"period": float64(period),
		"price":  util.Round4(s.Close[s.Len()-1]),
	}
}

func computeBollinger(s Series, cfg Config) Values {
	period := int(cfg.Param("period", 20))
	stdDev := cfg.Param("stdDev", 2)
	if period < 2 || s.Len() < period {
		return nil
	}
	upper, middle, lower := talib.BBands(s.Close, period, stdDev, stdDev, talib.SMA)
	n := len(middle) - 1
	u, m, lo := upper[n], middle[n], lower[n]

	bandwidth := 0.0
	if m != 0 {
		bandwidth = util.Round2((u - lo) / m * 100)
	}
	return Values{
		"upper":     util.Round4(u),
		"middle":    util.Round4(m),
		"lower":     util.Round4(lo),
		"price":     util.Round4(s.Close[s.Len()-1]),
		"bandwidth": bandwidth,
	}
}

func computeStochastic(s Series, cfg Config) Values {
	kPeriod := int(cfg.Param("kPeriod", 14))
	dPeriod := int(cfg.Param("dPeriod", 3))
	if kPeriod < 1 || dPeriod < 1 || s.Len() < kPeriod+dPeriod {
		return nil
	}
	k, d := talib.StochF(s.High, s.Low, s.Close, kPeriod, dPeriod, talib.SMA)
	n := len(k) - 1
	return Values{
		"k":        util.Round2(k[n]),
		"d":        util.Round2(d[n]),
		"k_period": float64(kPeriod),
		"d_period": float64(dPeriod),
	}
}

func computeOBV(s Series) Values {
	if s.Len() < 2 {
		return nil
	}
	out := talib.Obv(s.Close, s.Volume)
	current := out[len(out)-1]
	previous := out[len(out)-2]
	return Values{
		"value":  current,
		"change": current - previous,
	}
}
