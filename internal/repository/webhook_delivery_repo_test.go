package repository

import (
	"context"
	"testing"
	"time"

	"github.com/mlbatch/batchd/internal/models"
)

func setupDeliveryJob(t *testing.T, repos *Repositories) string {
	t.Helper()
	insertTestFile(t, repos, "file-in1", models.FilePurposeInput)
	insertTestJob(t, repos, "batch-1", "file-in1", 1)
	return "batch-1"
}

func TestWebhookDeliveryCreateAndGetDue(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()
	jobID := setupDeliveryJob(t, repos)

	now := time.Now().UTC()
	due := &models.WebhookDelivery{
		JobID:         jobID,
		Event:         models.JobStatusCompleted,
		URL:           "https://example.com/hook",
		PayloadJSON:   `{"id":"batch-1"}`,
		NextAttemptAt: now.Add(-time.Minute),
	}
	if err := repos.WebhookDelivery.Create(ctx, due); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if due.ID == "" {
		t.Fatal("Create did not assign an id")
	}

	notYet := &models.WebhookDelivery{
		JobID:         jobID,
		Event:         models.JobStatusCompleted,
		URL:           "https://example.com/hook",
		PayloadJSON:   `{"id":"batch-1"}`,
		NextAttemptAt: now.Add(time.Hour),
	}
	if err := repos.WebhookDelivery.Create(ctx, notYet); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := repos.WebhookDelivery.GetDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("GetDue failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Fatalf("GetDue = %v, want only %s", got, due.ID)
	}
	if got[0].Status != models.WebhookDeliveryPending {
		t.Errorf("status = %s, want pending", got[0].Status)
	}
}

func TestWebhookDeliveryUpdateToTerminal(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()
	jobID := setupDeliveryJob(t, repos)

	now := time.Now().UTC()
	d := &models.WebhookDelivery{
		JobID:         jobID,
		Event:         models.JobStatusFailed,
		URL:           "https://example.com/hook",
		PayloadJSON:   `{}`,
		NextAttemptAt: now.Add(-time.Second),
	}
	if err := repos.WebhookDelivery.Create(ctx, d); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// First attempt fails with a 500 and is rescheduled.
	code := 500
	errMsg := "upstream 500"
	d.Status = models.WebhookDeliveryRetrying
	d.AttemptCount = 1
	d.LastStatusCode = &code
	d.LastError = &errMsg
	d.NextAttemptAt = now.Add(time.Minute)
	if err := repos.WebhookDelivery.Update(ctx, d); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := repos.WebhookDelivery.GetDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("GetDue failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("rescheduled delivery still due: %v", got)
	}

	// Second attempt succeeds.
	ok := 200
	delivered := now.Add(time.Minute)
	d.Status = models.WebhookDeliveryDelivered
	d.AttemptCount = 2
	d.LastStatusCode = &ok
	d.DeliveredAt = &delivered
	if err := repos.WebhookDelivery.Update(ctx, d); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	all, err := repos.WebhookDelivery.GetByJobID(ctx, jobID)
	if err != nil {
		t.Fatalf("GetByJobID failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("len = %d, want 1", len(all))
	}
	if all[0].Status != models.WebhookDeliveryDelivered {
		t.Errorf("status = %s, want delivered", all[0].Status)
	}
	if all[0].AttemptCount != 2 {
		t.Errorf("attempt_count = %d, want 2", all[0].AttemptCount)
	}
	if all[0].DeliveredAt == nil {
		t.Error("delivered_at is nil")
	}

	// Delivered rows never come back as due.
	got, _ = repos.WebhookDelivery.GetDue(ctx, now.Add(time.Hour), 10)
	if len(got) != 0 {
		t.Errorf("terminal delivery returned as due: %v", got)
	}
}

func TestWebhookDeliveryDeleteByJobIDs(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()
	jobID := setupDeliveryJob(t, repos)

	d := &models.WebhookDelivery{
		JobID:         jobID,
		Event:         models.JobStatusCancelled,
		URL:           "https://example.com/hook",
		PayloadJSON:   `{}`,
		NextAttemptAt: time.Now().UTC(),
	}
	if err := repos.WebhookDelivery.Create(ctx, d); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := repos.WebhookDelivery.DeleteByJobIDs(ctx, []string{jobID}); err != nil {
		t.Fatalf("DeleteByJobIDs failed: %v", err)
	}
	all, _ := repos.WebhookDelivery.GetByJobID(ctx, jobID)
	if len(all) != 0 {
		t.Errorf("deliveries remain after delete: %v", all)
	}
}
