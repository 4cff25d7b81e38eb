package models

import "time"

type Location struct {
	ID    int64
	X     float64
	Y     float64
	Valid bool // false for open water / permanent nodata cells
}

type Observation struct {
	LocationID int64
	X          float64
	Y          float64
	Date       time.Time
	Year       int
	DayOfYear  int // 1..366
	Value      float64
	QCFlag     int // 0 = good; anything else is excluded from fitting
}

// FitResult is one predicted point from a smooth regression fit. Lower and
// Upper bound a 95% interval; SE is derivable from them and carried
// explicitly so consumers never re-derive it with the wrong z.
type FitResult struct {
	TargetID  int64
	Mean      float64
	Lower     float64
	Upper     float64
	SE        float64
	Draws     []float64 // posterior prediction draws; nil unless requested
}

type BaselineRecord struct {
	LocationID int64
	DayOfYear  int
	NormMean   float64
	NormSE     float64
}

type YearRecord struct {
	LocationID int64
	Year       int
	DayOfYear  int
	YearMean   float64
	YearSE     float64
}

type AnomalyRecord struct {
	LocationID int64
	Year       int
	DayOfYear  int
	Anomaly    float64
	AnomalySE  float64
	ZScore     float64
	PValue     float64
}

// TrendRecord is a change-rate anomaly: the year-specific rate of change at
// lag Lag days, differenced against the baseline rate at the same lag, with
// a 95% interval from posterior draws.
type TrendRecord struct {
	LocationID   int64
	Year         int
	DayOfYear    int
	Lag          int
	BaselineRate float64
	YearRate     float64
	RateDiff     float64
	Lower        float64
	Upper        float64
	Significant  bool
}
