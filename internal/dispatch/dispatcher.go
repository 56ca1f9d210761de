package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/brightsend/campaign-engine/internal/credential"
	"github.com/brightsend/campaign-engine/internal/mail"
	"github.com/brightsend/campaign-engine/internal/pkg/logger"
	"github.com/brightsend/campaign-engine/internal/store"
	"github.com/brightsend/campaign-engine/internal/tracking"
)

// Dispatcher performs one complete delivery: quota, credential, render,
// tracking injection, the rate gate, the transport, and the persisted
// record. It implements Sender for the queue.
type Dispatcher struct {
	store     *store.Store
	creds     *credential.Manager
	limiter   *WindowLimiter
	transport mail.Transport
	templates *mail.TemplateService
	injector  *tracking.Injector
}

func NewDispatcher(st *store.Store, creds *credential.Manager, limiter *WindowLimiter,
	transport mail.Transport, templates *mail.TemplateService, injector *tracking.Injector) *Dispatcher {
	return &Dispatcher{
		store:     st,
		creds:     creds,
		limiter:   limiter,
		transport: transport,
		templates: templates,
		injector:  injector,
	}
}

// newMessageToken mints the opaque public id embedded in tracking URLs.
func newMessageToken() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (d *Dispatcher) Send(ctx context.Context, job *Job) error {
	user, err := d.store.GetUser(ctx, job.UserID)
	if err != nil {
		return fmt.Errorf("load sender: %w", err)
	}
	if user == nil {
		return fmt.Errorf("load sender: %w", store.ErrNotFound)
	}

	if err := d.store.ReserveDailySend(ctx, user.ID); err != nil {
		return err
	}

	token, err := d.creds.EnsureValid(ctx, user)
	if err != nil {
		return err
	}

	html := job.HTML
	if job.Template != "" {
		html, err = d.templates.RenderNamed(job.Template, job.Data, mail.RenderModeLax)
		if err != nil {
			return fmt.Errorf("render template: %w", err)
		}
	}

	messageID, err := newMessageToken()
	if err != nil {
		return fmt.Errorf("mint message id: %w", err)
	}
	html = d.injector.Inject(html, messageID)

	if err := d.limiter.Allow(ctx); err != nil {
		return err
	}

	msg := &mail.Message{
		From:        user.Email,
		FromName:    user.Name,
		To:          job.Recipient,
		Subject:     job.Subject,
		HTML:        html,
		AccessToken: token,
	}
	if err := d.transport.Send(ctx, msg); err != nil {
		d.recordFailure(ctx, user.ID, messageID, job, err)
		return err
	}

	tracked := &store.TrackedMessage{
		MessageID:    messageID,
		SenderUserID: user.ID,
		Recipient:    job.Recipient,
		Subject:      job.Subject,
		Content:      html,
		Status:       store.MessageSent,
		Metadata:     jobMetadata(job),
	}
	if err := d.store.CreateMessage(ctx, tracked); err != nil {
		// The email is out; a lost record must not trigger a duplicate send.
		logger.Error("sent message not persisted",
			"message_id", messageID, "recipient", job.Recipient, "error", err.Error())
		return nil
	}

	logger.Info("message sent", "message_id", messageID, "recipient", job.Recipient)
	return nil
}

// recordFailure keeps a failed-status record so the stats report sees the
// attempt. Best effort: the send error is what matters to the queue.
func (d *Dispatcher) recordFailure(ctx context.Context, userID uuid.UUID, messageID string, job *Job, sendErr error) {
	metadata := jobMetadata(job)
	metadata["error"] = sendErr.Error()

	failed := &store.TrackedMessage{
		MessageID:    messageID,
		SenderUserID: userID,
		Recipient:    job.Recipient,
		Subject:      job.Subject,
		Status:       store.MessageFailed,
		Metadata:     metadata,
	}
	if err := d.store.CreateMessage(ctx, failed); err != nil {
		logger.Warn("failed message not persisted",
			"message_id", messageID, "error", err.Error())
	}
}

func jobMetadata(job *Job) store.JSONMap {
	metadata := store.JSONMap{}
	if job.Template != "" {
		metadata["template"] = job.Template
	}
	if job.Purpose != "" {
		metadata["campaignPurpose"] = job.Purpose
	}
	if name, ok := job.Data["name"].(string); ok && name != "" {
		metadata["recipientName"] = name
	}
	return metadata
}

// Stock lifecycle jobs.

func OnboardingJob(userID uuid.UUID, recipient string, data map[string]interface{}) *Job {
	return &Job{
		UserID:    userID,
		Recipient: recipient,
		Subject:   "Welcome aboard!",
		Template:  "onboarding",
		Purpose:   "onboarding",
		Data:      data,
	}
}

func FeedbackJob(userID uuid.UUID, recipient string, data map[string]interface{}) *Job {
	return &Job{
		UserID:    userID,
		Recipient: recipient,
		Subject:   "How is it going?",
		Template:  "feedback",
		Purpose:   "feedback_request",
		Data:      data,
	}
}

func DigestJob(userID uuid.UUID, recipient string, data map[string]interface{}) *Job {
	return &Job{
		UserID:    userID,
		Recipient: recipient,
		Subject:   "Your weekly digest",
		Template:  "digest",
		Purpose:   "engagement_digest",
		Data:      data,
	}
}
