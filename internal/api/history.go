package api

import (
	"context"
	"time"

	"github.com/nerrad567/printbridge/internal/history"
)

var errNoHistory = unavailable("job history is not configured")

// historyJob renders a job the way Moonraker clients read it.
func historyJob(j history.Job) map[string]any {
	var end any
	if j.EndTime != nil {
		end = unixTime(*j.EndTime)
	}
	meta := j.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return map[string]any{
		"job_id":         j.ID,
		"filename":       j.Filename,
		"status":         string(j.Status),
		"start_time":     unixTime(j.StartTime),
		"end_time":       end,
		"print_duration": j.PrintDuration.Seconds(),
		"total_duration": j.TotalDuration.Seconds(),
		"filament_used":  j.FilamentUsed,
		"metadata":       meta,
		"exists":         true,
		"auxiliary_data": []any{},
		"info":           map[string]any{"total_layers": j.TotalLayers, "progress": j.Progress},
	}
}

func fromUnixSeconds(v float64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	sec := int64(v)
	return time.Unix(sec, int64((v-float64(sec))*1e9))
}

func (s *Server) historyList(ctx context.Context, a args) (any, error) {
	if s.history == nil {
		return nil, errNoHistory
	}
	filter := history.Filter{
		Limit:  a.integer("limit", 50),
		Offset: a.integer("start", 0),
		Order:  history.OrderDesc,
	}
	if v, ok := a.float("before"); ok {
		filter.Before = fromUnixSeconds(v)
	}
	if v, ok := a.float("since"); ok {
		filter.Since = fromUnixSeconds(v)
	}
	switch order := a.str("order"); order {
	case "", "desc":
	case "asc":
		filter.Order = history.OrderAsc
	default:
		return nil, badRequest("invalid order %q", order)
	}

	res, err := s.history.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	jobs := make([]map[string]any, 0, len(res.Jobs))
	for _, j := range res.Jobs {
		jobs = append(jobs, historyJob(j))
	}
	return map[string]any{"count": res.Count, "jobs": jobs}, nil
}

func (s *Server) historyTotals(ctx context.Context, _ args) (any, error) {
	if s.history == nil {
		return nil, errNoHistory
	}
	t, err := s.history.Totals(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"job_totals": map[string]any{
			"total_jobs":          t.TotalJobs,
			"total_time":          t.TotalTime.Seconds(),
			"total_print_time":    t.TotalPrintTime.Seconds(),
			"total_filament_used": t.TotalFilament,
			"longest_job":         t.LongestJob.Seconds(),
			"longest_print":       t.LongestPrint.Seconds(),
		},
		"auxiliary_totals": []any{},
	}, nil
}

func (s *Server) historyGetJob(ctx context.Context, a args) (any, error) {
	if s.history == nil {
		return nil, errNoHistory
	}
	uid, err := a.require("uid")
	if err != nil {
		return nil, err
	}
	job, err := s.history.Get(ctx, uid)
	if err != nil {
		return nil, err
	}
	return map[string]any{"job": historyJob(*job)}, nil
}

// historyDeleteJob removes one job by uid, or every job when all is set.
func (s *Server) historyDeleteJob(ctx context.Context, a args) (any, error) {
	if s.history == nil {
		return nil, errNoHistory
	}

	if a.boolean("all") {
		ids, err := s.allJobIDs(ctx)
		if err != nil {
			return nil, err
		}
		n, err := s.history.DeleteAll(ctx)
		if err != nil {
			return nil, err
		}
		s.logger.Info("job history cleared", "deleted", n)
		s.ws.broadcast(methodNotifyHistoryChanged, map[string]any{"action": "deleted", "count": n})
		return map[string]any{"deleted_jobs": ids}, nil
	}

	uid, err := a.require("uid")
	if err != nil {
		return nil, err
	}
	if err := s.history.Delete(ctx, uid); err != nil {
		return nil, err
	}
	s.ws.broadcast(methodNotifyHistoryChanged, map[string]any{"action": "deleted", "job": map[string]any{"job_id": uid}})
	return map[string]any{"deleted_jobs": []string{uid}}, nil
}

// allJobIDs pages through the whole history.
func (s *Server) allJobIDs(ctx context.Context) ([]string, error) {
	const page = 500
	ids := []string{}
	for offset := 0; ; offset += page {
		res, err := s.history.List(ctx, history.Filter{Limit: page, Offset: offset, Order: history.OrderAsc})
		if err != nil {
			return nil, err
		}
		for _, j := range res.Jobs {
			ids = append(ids, j.ID)
		}
		if len(res.Jobs) < page {
			return ids, nil
		}
	}
}
