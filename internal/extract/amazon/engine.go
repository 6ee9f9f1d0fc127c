package amazon

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"hopper/internal/config"
	"hopper/internal/model"

	"github.com/rs/zerolog/log"
)

// Options tune the triage heuristics. The keyword sets are data: deployments
// can extend them through configuration without code changes.
type Options struct {
	MinPrice       float64
	AssetKeywords  []string
	IgnoreKeywords []string
}

// DefaultOptions returns the built-in triage rules. An item survives when it
// costs at least MinPrice OR its description names a durable-asset keyword,
// and no consumable/digital keyword appears.
func DefaultOptions() Options {
	return Options{
		MinPrice: 15.00,
		AssetKeywords: []string{
			"rechargeable", "tool", "device", "appliance", "kit",
		},
		IgnoreKeywords: []string{
			"kindle edition", "audible", "prime video", "gift card", "egift",
			"protection plan", "warranty", "subscription", "membership",
			"service", "appstore", "download",
			"fl oz", "ounce", " oz ", " lb ", "pound", "count", "pack of",
			"vitamin", "supplement", "protein", "capsule", "tablet",
			"coffee", "tea", "sugar", "spice", "oil", "sauce", "snack", "candy",
			"paper towel", "toilet paper", "tissue", "napkin", "wipes",
			"detergent", "soap", "shampoo", "conditioner", "toothpaste",
			"lotion", "cream", "deodorant", "razor", "blade", "diaper",
			"trash bag", "battery", "batteries",
		},
	}
}

// OptionsFromConfig merges configured overrides onto the defaults
func OptionsFromConfig(cfg config.ExtractConfig) Options {
	opts := DefaultOptions()
	if cfg.MinPrice > 0 {
		opts.MinPrice = cfg.MinPrice
	}
	if len(cfg.AssetKeywords) > 0 {
		opts.AssetKeywords = cfg.AssetKeywords
	}
	if len(cfg.IgnoreKeywords) > 0 {
		opts.IgnoreKeywords = cfg.IgnoreKeywords
	}
	return opts
}

// Result carries the outcome of one file run
type Result struct {
	Kept     []model.ExtractedRecord
	Excluded []model.ExcludedRecord
}

// Engine applies the order-history heuristics to local CSV files
type Engine struct {
	opts Options
}

func NewEngine(opts Options) *Engine {
	return &Engine{opts: opts}
}

// Column name candidates, tried in order against lowercased headers.
var (
	orderIDColumns = []string{"order id", "order_id"}
	dateColumns    = []string{"order date", "date"}
	descColumns    = []string{"item description", "description", "title", "product name"}
	priceColumns   = []string{"unit price", "price", "amount"}
	statusColumns  = []string{"status", "order status"}
)

// ProcessFile runs the heuristics over one order-history CSV. Sibling paths
// are scanned for a returns file; orders listed there are excluded. Rows
// that fail to parse are skipped individually, never failing the file.
func (e *Engine) ProcessFile(filePath string, siblings []string, debug bool) (*Result, error) {
	if !strings.HasSuffix(strings.ToLower(filePath), ".csv") {
		return nil, fmt.Errorf("not a csv export: %s", filepath.Base(filePath))
	}

	returns, err := e.loadReturns(siblings)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read returns file, continuing without it")
		returns = map[string]bool{}
	}

	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open order history: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	fileName := filepath.Base(filePath)

	cols, ok := resolveColumns(header)
	if !ok {
		// Not the export shape we understand. An empty result is the honest
		// answer; guessing at columns would fabricate records.
		log.Warn().Str("file", fileName).Strs("header", header).Msg("Unrecognized column layout, nothing extracted")
		return &Result{}, nil
	}

	result := &Result{}
	row := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		row++
		if err != nil {
			log.Debug().Err(err).Int("row", row).Msg("Skipping malformed row")
			continue
		}

		item := rowItem{
			orderID: cols.get(record, cols.orderID),
			date:    cols.get(record, cols.date),
			desc:    cols.get(record, cols.desc),
			status:  strings.ToLower(cols.get(record, cols.status)),
			price:   parsePrice(cols.get(record, cols.price)),
			row:     row,
		}

		if item.desc == "" {
			continue
		}

		if reason, excluded := e.triage(item, returns); excluded {
			if debug {
				result.Excluded = append(result.Excluded, model.ExcludedRecord{
					ItemName: item.desc,
					Reason:   reason,
					OrderID:  item.orderID,
					Price:    item.price,
					Row:      row,
					File:     fileName,
				})
			}
			continue
		}

		result.Kept = append(result.Kept, model.ExtractedRecord{
			ItemName:   item.desc,
			Merchant:   "Amazon",
			Date:       item.date,
			Amount:     item.price,
			Currency:   "USD",
			Category:   "uncategorized",
			Confidence: model.ConfidenceHigh,
			OrderID:    item.orderID,
			Source: model.SourceMeta{
				File:   fileName,
				Row:    row,
				Status: item.status,
				Method: "heuristic_v1",
			},
		})
	}

	log.Info().
		Str("file", fileName).
		Int("kept", len(result.Kept)).
		Int("excluded", len(result.Excluded)).
		Int("rows", row).
		Msg("Order history processed")

	return result, nil
}

type rowItem struct {
	orderID string
	date    string
	desc    string
	status  string
	price   float64
	row     int
}

// triage decides whether a row is dropped and why. The checks run in a fixed
// order so the recorded reason is deterministic: status first, then returns
// membership, then the keyword/price filter.
func (e *Engine) triage(item rowItem, returns map[string]bool) (model.ExclusionReason, bool) {
	// Only the terminal words count: "Return label sent" on a delivered
	// order is not a return.
	if strings.Contains(item.status, "returned") || strings.Contains(item.status, "cancelled") {
		return model.ReasonStatusReturnedOrCancelled, true
	}

	if item.orderID != "" && returns[item.orderID] {
		return model.ReasonFoundInReturnsFile, true
	}

	if !e.isLikelyAsset(item.desc, item.price) {
		return model.ReasonAssetTriageFiltered, true
	}

	return "", false
}

// isLikelyAsset is the keep rule. Durable-goods markers win outright,
// price floor and ignore list notwithstanding; everything else must clear
// the floor and stay off the ignore list.
func (e *Engine) isLikelyAsset(description string, price float64) bool {
	desc := strings.ToLower(description)

	for _, kw := range e.opts.AssetKeywords {
		if strings.Contains(desc, kw) {
			return true
		}
	}

	if price < e.opts.MinPrice {
		return false
	}

	for _, kw := range e.opts.IgnoreKeywords {
		if strings.Contains(desc, kw) {
			return false
		}
	}

	return true
}

// loadReturns scans sibling files for a returns export and collects its
// order ids. A missing returns file is the common case, not an error.
func (e *Engine) loadReturns(siblings []string) (map[string]bool, error) {
	returns := map[string]bool{}

	var returnsPath string
	for _, p := range siblings {
		name := strings.ToLower(filepath.Base(p))
		if strings.Contains(name, "retail.ordersreturned") && strings.HasSuffix(name, ".csv") {
			returnsPath = p
			break
		}
	}
	if returnsPath == "" {
		return returns, nil
	}

	f, err := os.Open(returnsPath)
	if err != nil {
		return returns, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return returns, err
	}

	idCol := -1
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		if strings.Contains(name, "orderid") || strings.Contains(name, "order id") || strings.Contains(name, "order_id") {
			idCol = i
			break
		}
	}
	if idCol < 0 {
		return returns, nil
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		if idCol < len(record) {
			if id := strings.TrimSpace(record[idCol]); id != "" {
				returns[id] = true
			}
		}
	}

	log.Debug().
		Str("file", filepath.Base(returnsPath)).
		Int("orders", len(returns)).
		Msg("Loaded returns file")

	return returns, nil
}

type columnMap struct {
	orderID int
	date    int
	desc    int
	price   int
	status  int
}

func (c columnMap) get(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

// resolveColumns matches the header against candidate names by substring,
// in candidate-priority order, so decorated exports like "Website Order ID"
// still resolve. Description and price are mandatory; everything else
// degrades gracefully.
func resolveColumns(header []string) (columnMap, bool) {
	names := make([]string, len(header))
	for i, h := range header {
		names[i] = strings.ToLower(strings.TrimSpace(h))
	}

	find := func(candidates []string) int {
		for _, c := range candidates {
			for i, name := range names {
				if strings.Contains(name, c) {
					return i
				}
			}
		}
		return -1
	}

	cols := columnMap{
		orderID: find(orderIDColumns),
		date:    find(dateColumns),
		desc:    find(descColumns),
		price:   find(priceColumns),
		status:  find(statusColumns),
	}

	if cols.desc < 0 || cols.price < 0 {
		return cols, false
	}
	return cols, true
}

// parsePrice strips currency formatting; anything unparseable is 0.0 so the
// price floor simply fails to apply.
func parsePrice(raw string) float64 {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.ReplaceAll(cleaned, "$", "")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	if cleaned == "" {
		return 0.0
	}

	price, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0.0
	}
	return price
}
