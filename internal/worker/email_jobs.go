package worker

import (
	"context"
	"fmt"
	"log"

	"github.com/shepherdsync/backend/internal/email"
	"github.com/shepherdsync/backend/internal/models"
	"github.com/shepherdsync/backend/internal/store"
)

// RegisterEmailJobs registers the notification email job handlers.
// Every handler reads its recipient and template model from the job
// payload so the queue rows are self-contained and replayable.
func RegisterEmailJobs(w *Worker, mailer *email.Client, st *store.Store) {
	templates := map[string]string{
		models.JobSendRecurringConfirmed:  email.TemplateRecurringConfirmed,
		models.JobSendRecurringFailed:     email.TemplateRecurringFailed,
		models.JobSendRegistrationConfirm: email.TemplateEventRegistration,
		models.JobSendInvitation:          email.TemplateUserInvitation,
		models.JobSendPasswordReset:       email.TemplatePasswordReset,
		models.JobSendEmailVerification:   email.TemplateVerifyEmail,
		models.JobSendRefundNotice:        email.TemplateRefundNotice,
	}
	for jobType, template := range templates {
		w.RegisterHandler(jobType, templatedEmailHandler(mailer, template))
	}

	w.RegisterHandler(models.JobSendReceipt, donationReceiptHandler(mailer, st))

	log.Printf("[worker] Registered %d email job handlers", len(templates)+1)
}

// templatedEmailHandler sends one templated email to the payload's
// recipient.
func templatedEmailHandler(mailer *email.Client, template string) Handler {
	return func(ctx context.Context, job *models.Job) error {
		to, model, err := payloadRecipient(job)
		if err != nil {
			return err
		}

		return mailer.Send(email.Message{
			To:            to,
			TemplateAlias: template,
			Model:         model,
		})
	}
}

// donationReceiptHandler sends a donation receipt and stamps the
// donation row. The conditional stamp keeps receipts single-send even
// if the job is retried after a partial failure.
func donationReceiptHandler(mailer *email.Client, st *store.Store) Handler {
	return func(ctx context.Context, job *models.Job) error {
		to, model, err := payloadRecipient(job)
		if err != nil {
			return err
		}

		donationID, _ := job.Payload["donation_id"].(string)
		if donationID == "" {
			return fmt.Errorf("missing donation_id in payload")
		}

		affected, err := st.MarkReceiptSent(ctx, donationID)
		if err != nil {
			return err
		}
		if affected == 0 {
			log.Printf("[worker] Receipt for donation %s already sent, skipping", donationID)
			return nil
		}

		return mailer.Send(email.Message{
			To:            to,
			TemplateAlias: email.TemplateDonationReceipt,
			Model:         model,
		})
	}
}

func payloadRecipient(job *models.Job) (string, map[string]interface{}, error) {
	to, _ := job.Payload["to"].(string)
	if to == "" {
		return "", nil, fmt.Errorf("missing recipient in payload")
	}

	model := map[string]interface{}{}
	if m, ok := job.Payload["model"].(map[string]interface{}); ok {
		model = m
	}

	return to, model, nil
}
