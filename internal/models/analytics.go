// Package models defines the canonical client-side data model for the
// ChemDash analytics backend. The backend's responses are loosely shaped and
// partially optional; these types are the fully-defaulted, stable form that
// every consumer of the client works with.
//
// Terminology:
//   - Snapshot: the complete analytics for one uploaded CSV dataset.
//   - History entry: one line in the list of previously uploaded datasets.
package models

import (
	"errors"
	"strings"
)

// NumericStats holds the per-column summary statistics computed by the
// backend. All values are passed through as received, never recomputed.
type NumericStats struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Std    float64 `json:"std"`
	Count  int     `json:"count"`
}

// Statistic is the legacy flat row form of NumericStats, one per numeric
// column, kept for list-rendering call sites that predate the column map.
type Statistic struct {
	Column string  `json:"column"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Std    float64 `json:"std"`
	Unit   string  `json:"unit,omitempty"`
}

// NamedValue is one category/value pair in a bar or pie chart.
type NamedValue struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// TimePoint is one sample in a line chart.
type TimePoint struct {
	Timestamp string  `json:"timestamp"`
	Value     float64 `json:"value"`
}

// BarChart is one named bar chart with its ordered categories.
type BarChart struct {
	Label string       `json:"label"`
	Data  []NamedValue `json:"data"`
}

// LineChart is one named line chart with its ordered samples.
type LineChart struct {
	Label string      `json:"label"`
	Data  []TimePoint `json:"data"`
}

// RadarChart carries the system health radar. When the backend omits it the
// arms are empty and HealthScore is zero; it is never absent.
type RadarChart struct {
	Labels      []string  `json:"labels"`
	Values      []float64 `json:"values"`
	RawValues   []float64 `json:"raw_values"`
	HealthScore float64   `json:"health_score"`
	Title       string    `json:"title"`
}

// PieChart is one pie/donut distribution chart.
type PieChart struct {
	Label string       `json:"label"`
	Data  []NamedValue `json:"data"`
}

// HistogramBin is one bucket of a histogram. Range is the display string for
// the bucket, derived from Min and Max when the backend does not supply one.
type HistogramBin struct {
	Range string  `json:"range"`
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// HistogramStats summarizes the column a histogram was built from.
type HistogramStats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// Histogram is the binned distribution of one numeric column.
type Histogram struct {
	Column string         `json:"column"`
	Bins   []HistogramBin `json:"bins"`
	Total  int            `json:"total"`
	Stats  HistogramStats `json:"stats"`
}

// GroupedBarDataset is one series within a grouped bar chart.
type GroupedBarDataset struct {
	Label  string    `json:"label"`
	Values []float64 `json:"values"`
}

// GroupedBarChart compares several series across a shared group axis.
type GroupedBarChart struct {
	Title    string              `json:"title"`
	GroupBy  string              `json:"group_by"`
	Groups   []string            `json:"groups"`
	Datasets []GroupedBarDataset `json:"datasets"`
}

// ChartSeries bundles every chart category of a snapshot. All slices are
// non-nil after normalization so consumers can iterate unconditionally.
type ChartSeries struct {
	BarCharts        []BarChart        `json:"bar_charts"`
	LineCharts       []LineChart       `json:"line_charts"`
	RadarChart       RadarChart        `json:"radar_chart"`
	PieCharts        []PieChart        `json:"pie_charts"`
	Histograms       []Histogram       `json:"histograms"`
	GroupedBarCharts []GroupedBarChart `json:"grouped_bar_charts"`
}

// AnalyticsSnapshot is the canonical analytics for one uploaded dataset.
// A snapshot is constructed fresh on every successful analytics or upload
// call and never mutated in place.
type AnalyticsSnapshot struct {
	DatasetID    int64  `json:"dataset_id"`
	FileName     string `json:"file_name"`
	UploadTime   string `json:"upload_time"`
	TotalRecords int    `json:"total_records"`

	Columns            []string `json:"columns"`
	NumericColumns     []string `json:"numeric_columns"`
	CategoricalColumns []string `json:"categorical_columns"`

	NumericStats             map[string]NumericStats   `json:"numeric_stats"`
	CategoricalDistributions map[string]map[string]int `json:"categorical_distributions"`
	Averages                 map[string]float64        `json:"averages"`

	Charts ChartSeries `json:"chart_data"`

	// Legacy aliases kept for older call sites.
	ID                      string      `json:"id"`
	Filename                string      `json:"filename"`
	NumericColumnsCount     int         `json:"numeric_columns_count"`
	CategoricalColumnsCount int         `json:"categorical_columns_count"`
	Statistics              []Statistic `json:"statistics"`
}

// Validate checks that the snapshot's mandatory identity fields are present
// and that counts are sane.
func (s *AnalyticsSnapshot) Validate() error {
	if s.DatasetID == 0 && s.FileName == "" {
		return errors.New("snapshot must identify a dataset")
	}
	if s.TotalRecords < 0 {
		return errors.New("total records must not be negative")
	}
	for column, dist := range s.CategoricalDistributions {
		for value, count := range dist {
			if count < 0 {
				return errors.New("distribution count must not be negative: " + column + "/" + value)
			}
		}
	}
	return nil
}

// UnitForColumn resolves the display unit for a numeric column by the naming
// convention the dashboard has always used. Columns outside the convention
// have no unit.
func UnitForColumn(column string) string {
	name := strings.ToLower(column)
	switch {
	case strings.Contains(name, "flow"):
		return "m³/h"
	case strings.Contains(name, "pressure"):
		return "bar"
	case strings.Contains(name, "temp"):
		return "°C"
	default:
		return ""
	}
}
