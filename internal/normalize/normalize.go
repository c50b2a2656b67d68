// Package normalize reshapes the ChemDash backend's loosely-typed analytics
// and history payloads into the canonical records of the models package.
//
// The backend's shapes are partially optional and vary by endpoint: the
// upload endpoint nests the analytics under an "analytics" key, the fetch
// endpoint returns it flat, bar/line charts arrive as objects of parallel
// label/value arrays while the remaining chart kinds arrive record-shaped.
// Normalization tolerates every optional gap with a defaulted value and only
// fails when the payload identifies no dataset at all.
//
// Everything here is a pure reshaping function: numeric values are copied
// through without rounding, rescaling, or unit conversion.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"chemdash/internal/models"
)

// ErrMalformedPayload is returned when a payload is decodable JSON but
// carries none of the mandatory identity fields.
var ErrMalformedPayload = errors.New("malformed analytics payload")

// defaultRadarTitle is used when the backend omits the radar chart or its
// title.
const defaultRadarTitle = "System Health Radar"

// rawAnalytics mirrors the backend analytics payload. The same struct
// covers both envelope shapes: the upload response nests the payload under
// Analytics, the fetch response is the payload itself.
type rawAnalytics struct {
	Analytics json.RawMessage `json:"analytics"`

	DatasetID    json.Number `json:"dataset_id"`
	FileName     string      `json:"file_name"`
	UploadTime   string      `json:"upload_time"`
	TotalRecords int         `json:"total_records"`

	Columns            []string `json:"columns"`
	NumericColumns     []string `json:"numeric_columns"`
	CategoricalColumns []string `json:"categorical_columns"`

	NumericStats             json.RawMessage               `json:"numeric_stats"`
	CategoricalDistributions map[string]map[string]float64 `json:"categorical_distributions"`
	Averages                 map[string]float64            `json:"averages"`

	ChartData rawChartData `json:"chart_data"`
}

type rawChartData struct {
	BarCharts        json.RawMessage      `json:"bar_charts"`
	LineCharts       json.RawMessage      `json:"line_charts"`
	RadarChart       *rawRadarChart       `json:"radar_chart"`
	PieCharts        []rawPieChart        `json:"pie_charts"`
	Histograms       []rawHistogram       `json:"histograms"`
	GroupedBarCharts []rawGroupedBarChart `json:"grouped_bar_charts"`
}

// rawSeries is one named bar or line chart in backend form: parallel labels
// and values arrays. Labels may be strings or numbers depending on the
// source column.
type rawSeries struct {
	Title  string        `json:"title"`
	Labels []interface{} `json:"labels"`
	Values []float64     `json:"values"`
}

type rawRadarChart struct {
	Labels      []string  `json:"labels"`
	Values      []float64 `json:"values"`
	RawValues   []float64 `json:"raw_values"`
	HealthScore float64   `json:"health_score"`
	Title       string    `json:"title"`
}

type rawPieChart struct {
	Label string       `json:"label"`
	Data  []rawPieItem `json:"data"`
}

type rawPieItem struct {
	Name  string  `json:"name"`
	Label string  `json:"label"`
	Value float64 `json:"value"`
	Count float64 `json:"count"`
}

type rawHistogram struct {
	Column string                 `json:"column"`
	Bins   []rawHistogramBin      `json:"bins"`
	Total  int                    `json:"total"`
	Stats  *models.HistogramStats `json:"stats"`
}

type rawHistogramBin struct {
	Range string  `json:"range"`
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

type rawGroupedBarChart struct {
	Title    string                     `json:"title"`
	GroupBy  string                     `json:"group_by"`
	Groups   []string                   `json:"groups"`
	Datasets []models.GroupedBarDataset `json:"datasets"`
}

// Analytics normalizes one backend analytics response body into a canonical
// snapshot. Both envelope shapes are accepted. It fails only when the
// payload is not JSON or carries neither a dataset ID nor a file name.
func Analytics(data []byte) (*models.AnalyticsSnapshot, error) {
	var outer rawAnalytics
	if err := json.Unmarshal(data, &outer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	// The upload endpoint nests the payload under "analytics"; unwrap it
	// while keeping the outer identity fields, which take precedence.
	inner := outer
	if isPresent(outer.Analytics) {
		inner = rawAnalytics{}
		if err := json.Unmarshal(outer.Analytics, &inner); err != nil {
			return nil, fmt.Errorf("%w: nested analytics: %v", ErrMalformedPayload, err)
		}
	}

	datasetID := firstNumber(outer.DatasetID, inner.DatasetID)
	fileName := firstString(outer.FileName, inner.FileName)
	if datasetID == 0 && fileName == "" {
		return nil, fmt.Errorf("%w: no dataset identity", ErrMalformedPayload)
	}

	uploadTime := inner.UploadTime
	if uploadTime == "" {
		uploadTime = outer.UploadTime
	}
	if uploadTime == "" {
		uploadTime = time.Now().UTC().Format(time.RFC3339)
	}

	totalRecords := outer.TotalRecords
	if totalRecords == 0 {
		totalRecords = inner.TotalRecords
	}

	stats, statRows, err := normalizeNumericStats(inner.NumericStats)
	if err != nil {
		return nil, err
	}

	charts, err := normalizeCharts(inner.ChartData)
	if err != nil {
		return nil, err
	}

	snapshot := &models.AnalyticsSnapshot{
		DatasetID:    datasetID,
		FileName:     fileName,
		UploadTime:   uploadTime,
		TotalRecords: totalRecords,

		Columns:            defaultStrings(inner.Columns),
		NumericColumns:     defaultStrings(inner.NumericColumns),
		CategoricalColumns: defaultStrings(inner.CategoricalColumns),

		NumericStats:             stats,
		CategoricalDistributions: normalizeDistributions(inner.CategoricalDistributions),
		Averages:                 defaultAverages(inner.Averages),

		Charts: charts,

		Filename:                fileName,
		NumericColumnsCount:     len(inner.NumericColumns),
		CategoricalColumnsCount: len(inner.CategoricalColumns),
		Statistics:              statRows,
	}
	if datasetID != 0 {
		snapshot.ID = strconv.FormatInt(datasetID, 10)
	}

	if err := snapshot.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return snapshot, nil
}

// History normalizes one backend history response body. Entry order is the
// backend's; nothing is sorted or filtered out.
func History(data []byte) (*models.HistoryPage, error) {
	var raw struct {
		Count      int `json:"count"`
		MaxHistory int `json:"max_history"`
		Datasets   []struct {
			ID           json.Number `json:"id"`
			FileName     string      `json:"file_name"`
			UploadTime   string      `json:"upload_time"`
			TotalRecords int         `json:"total_records"`
		} `json:"datasets"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	page := &models.HistoryPage{
		Count:      raw.Count,
		MaxHistory: raw.MaxHistory,
		Datasets:   make([]models.HistoryEntry, 0, len(raw.Datasets)),
	}
	if page.MaxHistory == 0 {
		page.MaxHistory = models.MaxHistoryEntries
	}

	for _, item := range raw.Datasets {
		id, _ := item.ID.Int64()
		page.Datasets = append(page.Datasets, models.HistoryEntry{
			ID:           id,
			FileName:     item.FileName,
			UploadTime:   item.UploadTime,
			TotalRecords: item.TotalRecords,
			Filename:     item.FileName,
			RecordCount:  item.TotalRecords,
		})
	}
	return page, nil
}

// normalizeNumericStats decodes the column-to-stats mapping preserving the
// backend's key order, and derives the legacy flat statistics list in that
// same order with units resolved by column-name convention.
func normalizeNumericStats(raw json.RawMessage) (map[string]models.NumericStats, []models.Statistic, error) {
	stats := make(map[string]models.NumericStats)
	rows := make([]models.Statistic, 0)

	entries, err := orderedObject(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: numeric_stats: %v", ErrMalformedPayload, err)
	}
	for _, entry := range entries {
		var cs models.NumericStats
		if err := json.Unmarshal(entry.raw, &cs); err != nil {
			return nil, nil, fmt.Errorf("%w: numeric_stats[%s]: %v", ErrMalformedPayload, entry.key, err)
		}
		stats[entry.key] = cs
		rows = append(rows, models.Statistic{
			Column: entry.key,
			Mean:   cs.Mean,
			Median: cs.Median,
			Min:    cs.Min,
			Max:    cs.Max,
			Std:    cs.Std,
			Unit:   models.UnitForColumn(entry.key),
		})
	}
	return stats, rows, nil
}

func normalizeCharts(raw rawChartData) (models.ChartSeries, error) {
	charts := models.ChartSeries{
		BarCharts:        []models.BarChart{},
		LineCharts:       []models.LineChart{},
		PieCharts:        []models.PieChart{},
		Histograms:       []models.Histogram{},
		GroupedBarCharts: []models.GroupedBarChart{},
		RadarChart:       normalizeRadar(raw.RadarChart),
	}

	if err := normalizeBarCharts(raw.BarCharts, &charts); err != nil {
		return charts, err
	}
	if err := normalizeLineCharts(raw.LineCharts, &charts); err != nil {
		return charts, err
	}

	for _, pie := range raw.PieCharts {
		label := pie.Label
		if label == "" {
			label = "Distribution"
		}
		data := make([]models.NamedValue, 0, len(pie.Data))
		for _, item := range pie.Data {
			name := item.Name
			if name == "" {
				name = item.Label
			}
			value := item.Value
			if value == 0 {
				value = item.Count
			}
			data = append(data, models.NamedValue{Name: name, Value: value})
		}
		charts.PieCharts = append(charts.PieCharts, models.PieChart{Label: label, Data: data})
	}

	for _, hist := range raw.Histograms {
		bins := make([]models.HistogramBin, 0, len(hist.Bins))
		for _, bin := range hist.Bins {
			rng := bin.Range
			if rng == "" {
				rng = formatNumber(bin.Min) + "-" + formatNumber(bin.Max)
			}
			bins = append(bins, models.HistogramBin{
				Range: rng,
				Count: bin.Count,
				Min:   bin.Min,
				Max:   bin.Max,
			})
		}
		h := models.Histogram{
			Column: hist.Column,
			Bins:   bins,
			Total:  hist.Total,
		}
		if hist.Stats != nil {
			h.Stats = *hist.Stats
		}
		charts.Histograms = append(charts.Histograms, h)
	}

	for _, grouped := range raw.GroupedBarCharts {
		title := grouped.Title
		if title == "" {
			title = "Comparison"
		}
		datasets := grouped.Datasets
		if datasets == nil {
			datasets = []models.GroupedBarDataset{}
		}
		for i := range datasets {
			if datasets[i].Values == nil {
				datasets[i].Values = []float64{}
			}
		}
		groups := grouped.Groups
		if groups == nil {
			groups = []string{}
		}
		charts.GroupedBarCharts = append(charts.GroupedBarCharts, models.GroupedBarChart{
			Title:    title,
			GroupBy:  grouped.GroupBy,
			Groups:   groups,
			Datasets: datasets,
		})
	}

	return charts, nil
}

// normalizeBarCharts accepts either the backend object form (chart name to
// parallel label/value arrays) or the already-canonical record array form.
func normalizeBarCharts(raw json.RawMessage, charts *models.ChartSeries) error {
	if isArray(raw) {
		return json.Unmarshal(raw, &charts.BarCharts)
	}
	entries, err := orderedObject(raw)
	if err != nil {
		return fmt.Errorf("%w: bar_charts: %v", ErrMalformedPayload, err)
	}
	for _, entry := range entries {
		var series rawSeries
		if err := json.Unmarshal(entry.raw, &series); err != nil {
			return fmt.Errorf("%w: bar_charts[%s]: %v", ErrMalformedPayload, entry.key, err)
		}
		chart := models.BarChart{
			Label: seriesLabel(series.Title, entry.key),
			Data:  make([]models.NamedValue, 0, len(series.Labels)),
		}
		for i, label := range series.Labels {
			chart.Data = append(chart.Data, models.NamedValue{
				Name:  labelString(label),
				Value: valueAt(series.Values, i),
			})
		}
		charts.BarCharts = append(charts.BarCharts, chart)
	}
	return nil
}

func normalizeLineCharts(raw json.RawMessage, charts *models.ChartSeries) error {
	if isArray(raw) {
		return json.Unmarshal(raw, &charts.LineCharts)
	}
	entries, err := orderedObject(raw)
	if err != nil {
		return fmt.Errorf("%w: line_charts: %v", ErrMalformedPayload, err)
	}
	for _, entry := range entries {
		var series rawSeries
		if err := json.Unmarshal(entry.raw, &series); err != nil {
			return fmt.Errorf("%w: line_charts[%s]: %v", ErrMalformedPayload, entry.key, err)
		}
		chart := models.LineChart{
			Label: seriesLabel(series.Title, entry.key),
			Data:  make([]models.TimePoint, 0, len(series.Labels)),
		}
		for i, label := range series.Labels {
			chart.Data = append(chart.Data, models.TimePoint{
				Timestamp: labelString(label),
				Value:     valueAt(series.Values, i),
			})
		}
		charts.LineCharts = append(charts.LineCharts, chart)
	}
	return nil
}

// normalizeRadar defaults an absent radar chart to empty arms and a zero
// health score; a missing radar never fails the whole normalization.
func normalizeRadar(raw *rawRadarChart) models.RadarChart {
	chart := models.RadarChart{
		Labels:    []string{},
		Values:    []float64{},
		RawValues: []float64{},
		Title:     defaultRadarTitle,
	}
	if raw == nil {
		return chart
	}
	if raw.Labels != nil {
		chart.Labels = raw.Labels
	}
	if raw.Values != nil {
		chart.Values = raw.Values
	}
	if raw.RawValues != nil {
		chart.RawValues = raw.RawValues
	}
	chart.HealthScore = raw.HealthScore
	if raw.Title != "" {
		chart.Title = raw.Title
	}
	return chart
}

func normalizeDistributions(raw map[string]map[string]float64) map[string]map[string]int {
	result := make(map[string]map[string]int, len(raw))
	for column, dist := range raw {
		counts := make(map[string]int, len(dist))
		for value, count := range dist {
			counts[value] = int(count)
		}
		result[column] = counts
	}
	return result
}

// objectEntry is one key/value pair of a JSON object in document order.
type objectEntry struct {
	key string
	raw json.RawMessage
}

// orderedObject decodes a JSON object into its entries in document order.
// The standard map decode would lose the backend's key order, which is
// meaningful for chart and statistics display. A null or absent value
// yields no entries.
func orderedObject(raw json.RawMessage) ([]objectEntry, error) {
	if !isPresent(raw) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("expected a JSON object")
	}

	var entries []objectEntry
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, errors.New("expected a string object key")
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		entries = append(entries, objectEntry{key: key, raw: value})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return entries, nil
}

func isPresent(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

func isArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}

func seriesLabel(title, key string) string {
	if title != "" {
		return title
	}
	return key
}

// valueAt pairs a label with its value by index. A label past the end of
// the values array maps to zero; the pair is never dropped, so the output
// length always equals the label count.
func valueAt(values []float64, i int) float64 {
	if i < len(values) {
		return values[i]
	}
	return 0
}

func labelString(label interface{}) string {
	switch v := label.(type) {
	case string:
		return v
	case float64:
		return formatNumber(v)
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// formatNumber renders a float the way the dashboard always displayed bin
// boundaries: no exponent, no trailing zeros.
func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func firstString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNumber(values ...json.Number) int64 {
	for _, v := range values {
		if v == "" {
			continue
		}
		if id, err := v.Int64(); err == nil && id != 0 {
			return id
		}
	}
	return 0
}

func defaultStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func defaultAverages(values map[string]float64) map[string]float64 {
	if values == nil {
		return map[string]float64{}
	}
	return values
}
