package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"laudos/internal/access"
	"laudos/internal/domain"
	"laudos/internal/engine"
	"laudos/internal/repo"
)

type batchPath struct {
	ID string `path:"id"`
}

func registerBatches(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID:   "create-batch",
		Method:        http.MethodPost,
		Path:          "/batches",
		Summary:       "Create a draft batch",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateBatchRequest
	}) (*struct {
		Body domain.Batch `json:"body"`
	}, error) {
		ac, err := authorize(ctx, cfg.Guard, access.OpBatchCreate)
		if err != nil {
			return nil, err
		}
		b, err := e.CreateBatch(ctx, ac, engine.BatchCreateOptions{
			ID:             input.Body.ID,
			TenantID:       input.Body.TenantID,
			OrganizationID: input.Body.OrganizationID,
			Title:          input.Body.Title,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Batch `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-batches",
		Method:      http.MethodGet,
		Path:        "/batches",
		Summary:     "List visible batches",
	}, func(ctx context.Context, input *struct {
		State string `query:"state"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body BatchList `json:"body"`
	}, error) {
		ac, err := authorize(ctx, cfg.Guard, access.OpBatchRead)
		if err != nil {
			return nil, err
		}
		items, err := e.ListBatches(ctx, ac, repo.BatchFilter{State: domain.BatchState(input.State), Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchList `json:"body"`
		}{Body: BatchList{Items: batchesOrEmpty(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-batch",
		Method:      http.MethodGet,
		Path:        "/batches/{id}",
		Summary:     "Get a batch with its assessment tally",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *batchPath) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		ac, err := authorize(ctx, cfg.Guard, access.OpBatchRead)
		if err != nil {
			return nil, err
		}
		b, err := e.GetBatch(ctx, ac, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		tally, err := e.Tally(ctx, ac, b.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: BatchResponse{Batch: b, Tally: tally}}, nil
	})
}

type batchAction struct {
	id      string
	path    string
	summary string
	op      string
	run     func(ctx context.Context, ac access.Context, id string) (domain.Batch, error)
}

func registerBatchActions(api huma.API, cfg Config) {
	e := cfg.Engine
	actions := []batchAction{
		{"release-batch", "/batches/{id}/release", "Release a draft batch", access.OpBatchRelease, e.ReleaseBatch},
		{"complete-batch", "/batches/{id}/complete", "Complete a released batch", access.OpBatchComplete, e.CompleteBatch},
		{"deliver-batch", "/batches/{id}/deliver", "Mark a sealed batch delivered", access.OpBatchDeliver, e.MarkDelivered},
	}
	for _, a := range actions {
		a := a
		huma.Register(api, huma.Operation{
			OperationID: a.id,
			Method:      http.MethodPost,
			Path:        a.path,
			Summary:     a.summary,
			Errors:      []int{http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *batchPath) (*struct {
			Body domain.Batch `json:"body"`
		}, error) {
			ac, err := authorize(ctx, cfg.Guard, a.op)
			if err != nil {
				return nil, err
			}
			b, err := a.run(ctx, ac, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Batch `json:"body"`
			}{Body: b}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "cancel-batch",
		Method:      http.MethodPost,
		Path:        "/batches/{id}/cancel",
		Summary:     "Cancel a batch",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body ReasonRequest
	}) (*struct {
		Body domain.Batch `json:"body"`
	}, error) {
		ac, err := authorize(ctx, cfg.Guard, access.OpBatchCancel)
		if err != nil {
			return nil, err
		}
		b, err := e.CancelBatch(ctx, ac, input.ID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Batch `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "batch-progress",
		Method:      http.MethodGet,
		Path:        "/batches/{id}/progress",
		Summary:     "Emission progress of a batch",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *batchPath) (*struct {
		Body ProgressResponse `json:"body"`
	}, error) {
		ac, err := authorize(ctx, cfg.Guard, access.OpBatchRead)
		if err != nil {
			return nil, err
		}
		p, err := e.Progress(ctx, ac, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProgressResponse `json:"body"`
		}{Body: p}, nil
	})
}

func registerAssessments(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID:   "assign-assessment",
		Method:        http.MethodPost,
		Path:          "/batches/{id}/assessments",
		Summary:       "Assign an assessment to a subject",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body AssignAssessmentRequest
	}) (*struct {
		Body domain.Assessment `json:"body"`
	}, error) {
		ac, err := authorize(ctx, cfg.Guard, access.OpAssessmentWrite)
		if err != nil {
			return nil, err
		}
		a, err := e.AssignAssessment(ctx, ac, engine.AssessmentAssignOptions{
			ID:        input.Body.ID,
			BatchID:   input.ID,
			SubjectID: input.Body.SubjectID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Assessment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assessments",
		Method:      http.MethodGet,
		Path:        "/batches/{id}/assessments",
		Summary:     "List a batch's assessments",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *batchPath) (*struct {
		Body AssessmentList `json:"body"`
	}, error) {
		ac, err := authorize(ctx, cfg.Guard, access.OpBatchRead)
		if err != nil {
			return nil, err
		}
		items, err := e.ListAssessments(ctx, ac, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		tally, err := e.Tally(ctx, ac, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssessmentList `json:"body"`
		}{Body: AssessmentList{Items: assessmentsOrEmpty(items), Tally: tally}}, nil
	})

	moves := []struct {
		id      string
		path    string
		summary string
		run     func(ctx context.Context, ac access.Context, id string) (domain.Assessment, error)
	}{
		{"start-assessment", "/assessments/{id}/start", "Start an assessment", e.StartAssessment},
		{"complete-assessment", "/assessments/{id}/complete", "Complete an assessment", e.CompleteAssessment},
	}
	for _, m := range moves {
		m := m
		huma.Register(api, huma.Operation{
			OperationID: m.id,
			Method:      http.MethodPost,
			Path:        m.path,
			Summary:     m.summary,
			Errors:      []int{http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *batchPath) (*struct {
			Body domain.Assessment `json:"body"`
		}, error) {
			ac, err := authorize(ctx, cfg.Guard, access.OpAssessmentWrite)
			if err != nil {
				return nil, err
			}
			a, err := m.run(ctx, ac, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Assessment `json:"body"`
			}{Body: a}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "exclude-assessment",
		Method:      http.MethodPost,
		Path:        "/assessments/{id}/exclude",
		Summary:     "Exclude an assessment with a justification",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body ReasonRequest
	}) (*struct {
		Body domain.Assessment `json:"body"`
	}, error) {
		ac, err := authorize(ctx, cfg.Guard, access.OpAssessmentWrite)
		if err != nil {
			return nil, err
		}
		a, err := e.ExcludeAssessment(ctx, ac, input.ID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Assessment `json:"body"`
		}{Body: a}, nil
	})
}

func registerEmission(api huma.API, cfg Config) {
	q := cfg.Queue
	huma.Register(api, huma.Operation{
		OperationID:   "request-emission",
		Method:        http.MethodPost,
		Path:          "/batches/{id}/request-emission",
		Summary:       "Queue the batch's report for sealing",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *batchPath) (*struct {
		Body domain.EmissionEntry `json:"body"`
	}, error) {
		ac, err := authorize(ctx, cfg.Guard, access.OpBatchRequestEmission)
		if err != nil {
			return nil, err
		}
		entry, err := q.Enqueue(ctx, ac, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EmissionEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "reprocess-emission",
		Method:        http.MethodPost,
		Path:          "/batches/{id}/reprocess",
		Summary:       "Requeue a failed emission",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *batchPath) (*struct {
		Body domain.EmissionEntry `json:"body"`
	}, error) {
		ac, err := authorize(ctx, cfg.Guard, access.OpBatchReprocess)
		if err != nil {
			return nil, err
		}
		entry, err := q.Reprocess(ctx, ac, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EmissionEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "force-emission",
		Method:        http.MethodPost,
		Path:          "/batches/{id}/force-emission",
		Summary:       "Force emission with an audited justification",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body ReasonRequest
	}) (*struct {
		Body domain.EmissionEntry `json:"body"`
	}, error) {
		ac, err := authorize(ctx, cfg.Guard, access.OpBatchForceEmission)
		if err != nil {
			return nil, err
		}
		entry, err := q.ForceEmission(ctx, ac, input.ID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EmissionEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-queue",
		Method:      http.MethodGet,
		Path:        "/queue",
		Summary:     "List emission queue entries",
	}, func(ctx context.Context, input *struct {
		BatchID string `query:"batch_id"`
		Status  string `query:"status"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body EntryList `json:"body"`
	}, error) {
		ac, err := authorize(ctx, cfg.Guard, access.OpQueueRead)
		if err != nil {
			return nil, err
		}
		items, err := q.List(ctx, ac, repo.EntryFilter{
			BatchID: input.BatchID,
			Status:  domain.EntryStatus(input.Status),
			Limit:   normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntryList `json:"body"`
		}{Body: EntryList{Items: entriesOrEmpty(items)}}, nil
	})
}

func registerReports(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "get-report",
		Method:      http.MethodGet,
		Path:        "/batches/{id}/report",
		Summary:     "Get the batch's report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *batchPath) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		ac, err := authorize(ctx, cfg.Guard, access.OpReportRead)
		if err != nil {
			return nil, err
		}
		rep, err := cfg.Engine.Report(ctx, ac, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: ReportResponse{Report: rep}}, nil
	})

	if cfg.Sealing == nil {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "verify-report",
		Method:      http.MethodGet,
		Path:        "/batches/{id}/report/verify",
		Summary:     "Re-hash the stored report and compare with its seal",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *batchPath) (*struct {
		Body VerificationResponse `json:"body"`
	}, error) {
		ac, err := authorize(ctx, cfg.Guard, access.OpReportRead)
		if err != nil {
			return nil, err
		}
		v, err := cfg.Sealing.Verify(ctx, ac, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerificationResponse `json:"body"`
		}{Body: VerificationResponse{Verification: v}}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-batch-events",
		Method:      http.MethodGet,
		Path:        "/batches/{id}/events",
		Summary:     "Audit trail of a batch and its assessments",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body EventList `json:"body"`
	}, error) {
		ac, err := authorize(ctx, cfg.Guard, access.OpBatchRead)
		if err != nil {
			return nil, err
		}
		var after int64
		if input.Cursor != "" {
			after, err = strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
		}
		if _, err := cfg.Engine.GetBatch(ctx, ac, input.ID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		items, err := cfg.Engine.ListEvents(ctx, ac, repo.EventFilter{BatchID: input.ID, AfterID: after, Limit: limit + 1})
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventList{Items: []domain.Event{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body EventList `json:"body"`
		}{Body: resp}, nil
	})
}
