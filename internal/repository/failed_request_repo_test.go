package repository

import (
	"context"
	"testing"

	"github.com/mlbatch/batchd/internal/models"
)

func TestFailedRequestCreateBatchAndList(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	insertTestFile(t, repos, "file-in1", models.FilePurposeInput)
	insertTestJob(t, repos, "batch-1", "file-in1", 10)

	reqs := []*models.FailedRequest{
		{JobID: "batch-1", CustomID: "req-7", RequestIndex: 7, ErrorCode: "generation_error", ErrorMessage: "oom"},
		{JobID: "batch-1", CustomID: "req-3", RequestIndex: 3, ErrorCode: "token_limit"},
	}
	if err := repos.FailedRequest.CreateBatch(ctx, reqs); err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}
	// Empty batch is a no-op.
	if err := repos.FailedRequest.CreateBatch(ctx, nil); err != nil {
		t.Fatalf("CreateBatch(nil) failed: %v", err)
	}

	got, err := repos.FailedRequest.ListByJob(ctx, "batch-1")
	if err != nil {
		t.Fatalf("ListByJob failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	// Ordered by request index, not insertion order.
	if got[0].CustomID != "req-3" || got[1].CustomID != "req-7" {
		t.Errorf("order = %s, %s; want req-3, req-7", got[0].CustomID, got[1].CustomID)
	}

	count, err := repos.FailedRequest.CountByJob(ctx, "batch-1")
	if err != nil {
		t.Fatalf("CountByJob failed: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	if err := repos.FailedRequest.DeleteByJobIDs(ctx, []string{"batch-1"}); err != nil {
		t.Fatalf("DeleteByJobIDs failed: %v", err)
	}
	count, _ = repos.FailedRequest.CountByJob(ctx, "batch-1")
	if count != 0 {
		t.Errorf("count after delete = %d, want 0", count)
	}
}
