package mbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"path"

	"hopper/internal/database"
	"hopper/internal/jobs"
	"hopper/internal/llm"
	"hopper/internal/model"
	"hopper/internal/objectstore"

	gombox "github.com/emersion/go-mbox"
	"github.com/rs/zerolog/log"
)

// ObjectStore is the slice of the staging store the processor needs
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
}

// DriveOpener builds a destination client from a job's delegated token
type DriveOpener func(ctx context.Context, token string) DriveDestination

// DriveDestination is the slice of the destination used for archived mail
type DriveDestination interface {
	EnsurePath(ctx context.Context, parentID string, segments ...string) (string, error)
	CreateFile(ctx context.Context, parentID, name, mimeType string, content []byte) (string, error)
}

// Processor consumes mbox work messages. Each message in the mailbox
// becomes a trio of artifacts (.eml raw, .html rendering, .json analysis)
// keyed by its stable identity; the existence of the .json artifact is the
// per-message done marker, which makes redelivered batches resume instead
// of repeating.
type Processor struct {
	store           ObjectStore
	records         database.RecordStore
	jobs            *jobs.Service
	summarizer      llm.Summarizer
	openDrive       DriveOpener
	rootFolder      string
	checkpointEvery int
}

func NewProcessor(store ObjectStore, records database.RecordStore, jobService *jobs.Service, summarizer llm.Summarizer, openDrive DriveOpener, rootFolder string, checkpointEvery int) *Processor {
	if checkpointEvery <= 0 {
		checkpointEvery = 50
	}
	return &Processor{
		store:           store,
		records:         records,
		jobs:            jobService,
		summarizer:      summarizer,
		openDrive:       openDrive,
		rootFolder:      rootFolder,
		checkpointEvery: checkpointEvery,
	}
}

// Kind reports which work queue this processor serves
func (p *Processor) Kind() model.Kind {
	return model.KindMbox
}

// Handle processes one mailbox end to end. Failures that never reached the
// job record come back wrapped as transient so the consumer requeues the
// delivery instead of losing the work.
func (p *Processor) Handle(ctx context.Context, msg model.WorkMessage) error {
	job, err := p.jobs.Get(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, database.ErrJobNotFound) {
			log.Info().Str("jobID", msg.JobID).Msg("Job already finalized, dropping redelivery")
			return nil
		}
		return jobs.Transient(fmt.Errorf("load job %s: %w", msg.JobID, err))
	}
	if job.Status == model.StatusCompleted {
		return nil
	}

	if err := p.jobs.UpdateProgress(ctx, msg.JobID, 10, "downloading", "Downloading mailbox"); err != nil {
		return jobs.Transient(err)
	}

	raw, err := p.store.Get(ctx, msg.ObjectKey)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			log.Info().Str("key", msg.ObjectKey).Msg("Source already consumed, dropping redelivery")
			return nil
		}
		p.fail(ctx, msg.JobID, "Download failed: "+err.Error())
		return err
	}

	if err := p.jobs.UpdateProgress(ctx, msg.JobID, 20, "extracting", "Counting messages"); err != nil {
		return jobs.Transient(err)
	}

	total, err := countMessages(raw)
	if err != nil {
		p.fail(ctx, msg.JobID, "Mailbox unreadable: "+err.Error())
		return err
	}

	artifactPrefix := fmt.Sprintf("artifacts/%s/%s/", msg.OwnerID, msg.JobID)
	runLog := NewRunLog(p.store, artifactPrefix+"processing_log.json", msg.JobID, total)
	runLog.Event(fmt.Sprintf("Mailbox contains %d messages", total))
	runLog.Flush(ctx)

	var dest DriveDestination
	var folderID string
	if job.AuthToken != "" && p.openDrive != nil {
		dest = p.openDrive(ctx, job.AuthToken)
		folderID, err = p.ensureDestination(ctx, dest, job)
		if err != nil {
			log.Warn().Err(err).Str("jobID", msg.JobID).Msg("Destination unavailable, artifacts stay staged")
			dest = nil
		}
	}

	if err := p.analyze(ctx, msg, raw, total, artifactPrefix, runLog, dest, folderID); err != nil {
		runLog.Finalize(ctx, "Run aborted: "+err.Error())
		p.fail(ctx, msg.JobID, "Analysis failed: "+err.Error())
		return err
	}

	if err := p.jobs.UpdateProgress(ctx, msg.JobID, 95, "uploading", "Cleaning up staged files"); err != nil {
		return jobs.Transient(err)
	}

	if err := p.store.Delete(ctx, msg.ObjectKey); err != nil {
		log.Warn().Err(err).Str("key", msg.ObjectKey).Msg("Failed to delete consumed mailbox")
	}

	summary := fmt.Sprintf("Processed %d messages, extracted %d, skipped %d",
		runLog.Processed(), runLog.Extracted(), runLog.Skipped())
	runLog.Finalize(ctx, summary)

	if dest != nil {
		p.sweep(ctx, dest, folderID, msg, runLog, artifactPrefix)
	}

	if err := p.jobs.Finish(ctx, msg.JobID, summary); err != nil {
		return jobs.Transient(err)
	}
	return nil
}

// sweep applies zero retention once the destination holds everything: the
// journal is copied out, then the job's staged prefixes are emptied.
func (p *Processor) sweep(ctx context.Context, dest DriveDestination, folderID string, msg model.WorkMessage, runLog *RunLog, artifactPrefix string) {
	if payload, err := runLog.JSON(); err == nil {
		if _, err := dest.CreateFile(ctx, folderID, "processing_log.json", "application/json", payload); err != nil {
			log.Warn().Err(err).Str("jobID", msg.JobID).Msg("Failed to archive processing log, keeping staged copies")
			return
		}
	}

	for _, prefix := range []string{artifactPrefix, fmt.Sprintf("extracted/%s/%s/", msg.OwnerID, msg.JobID)} {
		if _, err := p.store.DeleteByPrefix(ctx, prefix); err != nil {
			log.Warn().Err(err).Str("prefix", prefix).Msg("Failed to sweep staged prefix")
		}
	}
}

// analyze walks every message: stable identity, done-marker check, artifact
// trio, summarization, record persistence and the periodic checkpoint.
func (p *Processor) analyze(ctx context.Context, msg model.WorkMessage, raw []byte, total int, artifactPrefix string, runLog *RunLog, dest DriveDestination, folderID string) error {
	reader := gombox.NewReader(bytes.NewReader(raw))

	for {
		msgReader, err := reader.NextMessage()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read mailbox entry: %w", err)
		}

		rawMsg, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("read message body: %w", err)
		}

		if err := p.processMessage(ctx, msg, rawMsg, artifactPrefix, runLog, dest, folderID); err != nil {
			// One poisoned message must not sink the mailbox
			runLog.MarkError()
			runLog.Event("Message failed: " + err.Error())
			log.Warn().Err(err).Str("jobID", msg.JobID).Msg("Skipping unprocessable message")
		}

		if runLog.Processed()%p.checkpointEvery == 0 {
			progress := analysisProgress(runLog.Processed(), total)
			stage := fmt.Sprintf("analyzing %d/%d", runLog.Processed(), total)
			if err := p.jobs.UpdateProgress(ctx, msg.JobID, progress, "analyzing", stage); err != nil {
				// The job store is unreachable, so the failure cannot be
				// recorded there either; redelivery resumes on the done
				// markers.
				return jobs.Transient(err)
			}
			runLog.Flush(ctx)
		}
	}

	return nil
}

func (p *Processor) processMessage(ctx context.Context, msg model.WorkMessage, rawMsg []byte, artifactPrefix string, runLog *RunLog, dest DriveDestination, folderID string) error {
	parsed, err := parseMessage(rawMsg)
	if err != nil {
		runLog.MarkProcessed()
		return fmt.Errorf("parse message: %w", err)
	}

	safeID := SanitizeID(StableID(parsed.Header.Get("Message-ID"), rawMsg))
	jsonKey := artifactPrefix + safeID + ".json"

	done, err := p.store.Exists(ctx, jsonKey)
	if err != nil {
		runLog.MarkProcessed()
		return fmt.Errorf("check done marker: %w", err)
	}
	if done {
		runLog.MarkSkipped()
		return nil
	}

	subject := parsed.Header.Get("Subject")
	content, isHTML := HTMLBody(parsed.Header, parsed.Body)
	htmlDoc := DocumentHTML(subject, content, isHTML)

	emlKey := artifactPrefix + safeID + ".eml"
	htmlKey := artifactPrefix + safeID + ".html"

	if err := p.store.Put(ctx, emlKey, rawMsg, "message/rfc822"); err != nil {
		runLog.MarkProcessed()
		return fmt.Errorf("store raw artifact: %w", err)
	}
	if err := p.store.Put(ctx, htmlKey, []byte(htmlDoc), "text/html"); err != nil {
		runLog.MarkProcessed()
		return fmt.Errorf("store html artifact: %w", err)
	}

	extraction := p.summarize(ctx, subject, content)

	analysis, err := marshalExtraction(extraction)
	if err != nil {
		runLog.MarkProcessed()
		return fmt.Errorf("marshal analysis: %w", err)
	}

	if len(extraction.Items) > 0 {
		records := recordsFromExtraction(msg, safeID, extraction)
		if err := p.records.SaveRecords(ctx, records); err != nil {
			runLog.MarkProcessed()
			return fmt.Errorf("persist records: %w", err)
		}
		runLog.MarkExtracted()
	}

	// The .json artifact is written LAST: it is the done marker, and a
	// crash before this point leaves the message eligible for a retry.
	if err := p.store.Put(ctx, jsonKey, analysis, "application/json"); err != nil {
		runLog.MarkProcessed()
		return fmt.Errorf("store analysis artifact: %w", err)
	}

	if dest != nil {
		p.archive(ctx, dest, folderID, safeID, rawMsg, htmlDoc, analysis,
			[]string{emlKey, htmlKey, jsonKey})
	}

	runLog.MarkProcessed()
	return nil
}

// summarize runs the two-stage capability: opaque model call, then tolerant
// parsing. A failed call degrades to an empty low-confidence extraction
// rather than failing the message.
func (p *Processor) summarize(ctx context.Context, subject, content string) model.EmailExtraction {
	doc := "Subject: " + subject + "\n\n" + content

	rawAnalysis, err := p.summarizer.Summarize(ctx, doc)
	if err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("Summarization failed")
		return model.EmailExtraction{
			Confidence:  model.ConfidenceLow,
			RawAnalysis: "summarization failed: " + err.Error(),
		}
	}

	return llm.ParseExtraction(rawAnalysis)
}

// archive copies the artifact trio to the user's destination and deletes
// the staged copies. Archive failures leave the staged copies in place for
// the retention sweep; they never fail the message.
func (p *Processor) archive(ctx context.Context, dest DriveDestination, folderID, safeID string, rawMsg []byte, htmlDoc string, analysis []byte, stagedKeys []string) {
	uploads := []struct {
		name, mime string
		content    []byte
	}{
		{safeID + ".eml", "message/rfc822", rawMsg},
		{safeID + ".html", "text/html", []byte(htmlDoc)},
		{safeID + ".json", "application/json", analysis},
	}

	for _, u := range uploads {
		if _, err := dest.CreateFile(ctx, folderID, u.name, u.mime, u.content); err != nil {
			log.Warn().Err(err).Str("file", u.name).Msg("Destination upload failed, keeping staged copy")
			return
		}
	}

	for _, key := range stagedKeys {
		if err := p.store.Delete(ctx, key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to delete archived artifact")
		}
	}
}

func (p *Processor) ensureDestination(ctx context.Context, dest DriveDestination, job *model.Job) (string, error) {
	if job.FolderID != "" {
		return job.FolderID, nil
	}
	return dest.EnsurePath(ctx, "", p.rootFolder, "Mailbox", job.ID)
}

func (p *Processor) fail(ctx context.Context, jobID, message string) {
	if err := p.jobs.Fail(ctx, jobID, message); err != nil {
		log.Error().Err(err).Str("jobID", jobID).Msg("Failed to record job failure")
	}
}

// analysisProgress maps message position onto the 20..90 band of the
// overall progress scale.
func analysisProgress(processed, total int) int {
	if total <= 0 {
		return 90
	}
	return 20 + int(math.Round(float64(processed)/float64(total)*70))
}

// countMessages does a first pass over the mailbox so progress can be
// reported as a fraction. Counting is cheap next to summarization.
func countMessages(raw []byte) (int, error) {
	reader := gombox.NewReader(bytes.NewReader(raw))
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, err
		}
		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			return count, err
		}
		count++
	}
}

func marshalExtraction(extraction model.EmailExtraction) ([]byte, error) {
	return json.MarshalIndent(extraction, "", "  ")
}

func recordsFromExtraction(msg model.WorkMessage, safeID string, extraction model.EmailExtraction) []model.ExtractedRecord {
	merchant := "Unknown"
	date := ""
	orderID := ""
	if extraction.Transaction != nil {
		if extraction.Transaction.Merchant != "" {
			merchant = extraction.Transaction.Merchant
		}
		date = extraction.Transaction.Date
		orderID = extraction.Transaction.OrderNumber
	}

	records := make([]model.ExtractedRecord, 0, len(extraction.Items))
	for i, item := range extraction.Items {
		currency := item.Currency
		if currency == "" {
			currency = "USD"
		}
		category := item.Category
		if category == "" {
			category = "uncategorized"
		}

		records = append(records, model.ExtractedRecord{
			JobID:      msg.JobID,
			OwnerID:    msg.OwnerID,
			ItemName:   item.Name,
			Merchant:   merchant,
			Date:       date,
			Amount:     item.Price,
			Currency:   currency,
			Category:   category,
			Confidence: extraction.Confidence,
			OrderID:    orderID,
			Source: model.SourceMeta{
				File:      path.Base(msg.ObjectKey),
				Row:       i,
				MessageID: safeID,
				Method:    "llm_v1",
			},
		})
	}
	return records
}
