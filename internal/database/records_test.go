package database

import (
	"testing"

	"hopper/internal/model"

	"github.com/stretchr/testify/assert"
)

func TestRecordIDDistinctPerItem(t *testing.T) {
	base := model.ExtractedRecord{
		JobID: "j1",
		Source: model.SourceMeta{
			File:      "takeout.mbox",
			MessageID: "m1_example.com",
			Method:    "llm_v1",
		},
	}

	first := base
	first.Source.Row = 0
	second := base
	second.Source.Row = 1

	// Two items from the same email must not collapse onto one id
	assert.NotEqual(t, recordID(first), recordID(second))

	// Redelivery of the same item lands on the same id
	again := base
	again.Source.Row = 0
	assert.Equal(t, recordID(first), recordID(again))
}

func TestRecordIDHeuristicRows(t *testing.T) {
	rec := model.ExtractedRecord{
		JobID: "j1",
		Source: model.SourceMeta{
			File:   "Retail.OrderHistory.1.csv",
			Row:    7,
			Method: "heuristic_v1",
		},
	}

	assert.Equal(t, "j1_Retail.OrderHistory.1.csv_7", recordID(rec))
}
