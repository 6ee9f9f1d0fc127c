package model

import "time"

// Confidence grades how trustworthy an extracted record is
type Confidence string

const (
	ConfidenceHigh   Confidence = "High"
	ConfidenceMedium Confidence = "Medium"
	ConfidenceLow    Confidence = "Low"
)

// SourceMeta records where an extracted record came from
type SourceMeta struct {
	File      string `bson:"file" json:"file"`
	Row       int    `bson:"row,omitempty" json:"row,omitempty"`
	MessageID string `bson:"message_id,omitempty" json:"messageId,omitempty"`
	Status    string `bson:"status,omitempty" json:"status,omitempty"`
	Method    string `bson:"method" json:"method"`
}

// ExtractedRecord is one candidate inventory entry
type ExtractedRecord struct {
	ID         string     `bson:"_id,omitempty" json:"id,omitempty"`
	JobID      string     `bson:"job_id" json:"jobId"`
	OwnerID    string     `bson:"owner_id" json:"ownerId"`
	ItemName   string     `bson:"item_name" json:"itemName"`
	Merchant   string     `bson:"merchant" json:"merchant"`
	Date       string     `bson:"date,omitempty" json:"date,omitempty"`
	Amount     float64    `bson:"amount" json:"amount"`
	Currency   string     `bson:"currency" json:"currency"`
	Category   string     `bson:"category" json:"category"`
	Confidence Confidence `bson:"confidence" json:"confidence"`
	OrderID    string     `bson:"order_id,omitempty" json:"orderId,omitempty"`
	Source     SourceMeta `bson:"source" json:"source"`
	CreatedAt  time.Time  `bson:"created_at" json:"createdAt"`
}

// ExclusionReason explains why a row was dropped during tabular extraction
type ExclusionReason string

const (
	ReasonStatusReturnedOrCancelled ExclusionReason = "status_returned_or_cancelled"
	ReasonFoundInReturnsFile        ExclusionReason = "found_in_returns_file"
	ReasonAssetTriageFiltered       ExclusionReason = "asset_triage_filtered"
)

// ExcludedRecord is the diagnostic-mode counterpart of ExtractedRecord:
// a rejected row plus the reason, kept only so an operator can audit why
// an item was dropped.
type ExcludedRecord struct {
	ID       string          `bson:"_id,omitempty" json:"id,omitempty"`
	JobID    string          `bson:"job_id,omitempty" json:"jobId,omitempty"`
	ItemName string          `bson:"item_name" json:"itemName"`
	Reason   ExclusionReason `bson:"reason" json:"reason"`
	OrderID  string          `bson:"order_id,omitempty" json:"orderId,omitempty"`
	Price    float64         `bson:"price,omitempty" json:"price,omitempty"`
	Row      int             `bson:"row" json:"row"`
	File     string          `bson:"file,omitempty" json:"file,omitempty"`
}

// EmailItem is one line item recognized inside a mail body
type EmailItem struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Price       float64 `json:"price"`
	Currency    string  `json:"currency,omitempty"`
	Category    string  `json:"category,omitempty"`
	Quantity    int     `json:"quantity,omitempty"`
}

// EmailTransaction is the optional top-level transaction of a mail body
type EmailTransaction struct {
	Merchant    string  `json:"merchant,omitempty"`
	Date        string  `json:"date,omitempty"`
	OrderNumber string  `json:"orderNumber,omitempty"`
	Total       float64 `json:"total,omitempty"`
	Currency    string  `json:"currency,omitempty"`
}

// EmailExtraction is the structured result of summarizing one message.
// When the model response cannot be parsed, Items stays empty and
// RawAnalysis carries the raw text at low confidence.
type EmailExtraction struct {
	Items       []EmailItem       `json:"items,omitempty"`
	Transaction *EmailTransaction `json:"transaction,omitempty"`
	Confidence  Confidence        `json:"confidence,omitempty"`
	RawAnalysis string            `json:"rawAnalysis,omitempty"`
}
