package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	gitlab "gitlab.com/gitlab-org/api/client-go"
	"golang.org/x/time/rate"

	"github.com/slawatch/backend/internal/calendar"
	"github.com/slawatch/backend/internal/models"
)

const subjectMergeRequest = "merge_request"

// GitLab tracks merge requests through the GitLab API and its webhooks.
type GitLab struct {
	Client   *gitlab.Client
	Projects []string
	// WebhookToken is compared with X-Gitlab-Token. Deliveries are refused
	// without one.
	WebhookToken    string
	Calendar        calendar.BusinessConfig
	StaleAfterHours float64
	Now             func() time.Time
}

func NewGitLabClient(baseURL, token string, perSecond float64) (*gitlab.Client, error) {
	opts := []gitlab.ClientOptionFunc{
		gitlab.WithCustomLimiter(rate.NewLimiter(rate.Limit(perSecond), 1)),
	}
	if baseURL != "" {
		opts = append(opts, gitlab.WithBaseURL(strings.TrimSuffix(baseURL, "/")+"/api/v4"))
	}
	client, err := gitlab.NewClient(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gitlab client: %w", err)
	}
	return client, nil
}

func (g *GitLab) Name() models.Source { return models.SourceTrackerB }

func mergeRequestID(projectID, iid int64) string {
	return fmt.Sprintf("%d!%d", projectID, iid)
}

type gitlabHook struct {
	ObjectKind string `json:"object_kind"`
	Project    struct {
		ID int64 `json:"id"`
	} `json:"project"`
	ObjectAttributes struct {
		ID           int64  `json:"id"`
		IID          int64  `json:"iid"`
		Title        string `json:"title"`
		URL          string `json:"url"`
		Action       string `json:"action"`
		CreatedAt    string `json:"created_at"`
		UpdatedAt    string `json:"updated_at"`
		NoteableType string `json:"noteable_type"`
		System       bool   `json:"system"`
	} `json:"object_attributes"`
	MergeRequest *struct {
		IID   int64  `json:"iid"`
		Title string `json:"title"`
		URL   string `json:"url"`
	} `json:"merge_request"`
}

func (g *GitLab) Normalize(header http.Header, body []byte) ([]models.RawEvent, error) {
	if g.WebhookToken == "" || !equalSecret(header.Get("X-Gitlab-Token"), g.WebhookToken) {
		return nil, ErrUnauthorized
	}

	var hook gitlabHook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	attrs := hook.ObjectAttributes
	now := nowUTC(g.Now)

	switch hook.ObjectKind {
	case "merge_request":
		subject := mergeRequestID(hook.Project.ID, attrs.IID)
		// The upstream update time only keys repeated actions apart.
		updated, ok := parseLooseTime(attrs.UpdatedAt)
		if !ok {
			updated = now
		}
		ev := models.RawEvent{
			Source:      models.SourceTrackerB,
			SubjectKind: subjectMergeRequest,
			SubjectID:   subject,
			ObservedAt:  now,
			Title:       attrs.Title,
			URL:         attrs.URL,
		}
		switch attrs.Action {
		case "open":
			ev.ExternalID, ev.Kind = "mr:"+subject+":open", models.KindReviewRequested
		case "reopen", "update":
			ev.ExternalID = fmt.Sprintf("mr:%s:%s:%s", subject, attrs.Action, unixID(updated))
			ev.Kind = models.KindReviewRequested
		case "merge":
			ev.ExternalID, ev.Kind = "mr:"+subject+":merge", models.KindResolved
		case "close":
			ev.ExternalID = fmt.Sprintf("mr:%s:close:%s", subject, unixID(updated))
			ev.Kind = models.KindResolved
		default:
			return nil, nil
		}
		return []models.RawEvent{ev}, nil
	case "note":
		if attrs.NoteableType != "MergeRequest" || hook.MergeRequest == nil || attrs.System {
			return nil, nil
		}
		return []models.RawEvent{{
			Source:      models.SourceTrackerB,
			ExternalID:  fmt.Sprintf("note:%d", attrs.ID),
			SubjectKind: subjectMergeRequest,
			SubjectID:   mergeRequestID(hook.Project.ID, hook.MergeRequest.IID),
			ObservedAt:  now,
			Kind:        models.KindCommentPosted,
			Title:       hook.MergeRequest.Title,
			URL:         hook.MergeRequest.URL,
		}}, nil
	}
	return nil, nil
}

// PollSince lists merge requests updated after since in every configured
// project, then the open ones left idle long enough to count as stale.
func (g *GitLab) PollSince(ctx context.Context, since time.Time) ([]models.RawEvent, error) {
	var out []models.RawEvent
	for _, project := range g.Projects {
		events, err := g.pollProject(ctx, project, since)
		if err != nil {
			return nil, fmt.Errorf("gitlab project %s: %w", project, err)
		}
		out = append(out, events...)

		stale, err := g.pollStale(ctx, project)
		if err != nil {
			return nil, fmt.Errorf("gitlab project %s: %w", project, err)
		}
		out = append(out, stale...)
	}
	return out, nil
}

type mergeRequest struct {
	projectID int64
	iid       int64
	title     string
	url       string
	state     string
	createdAt time.Time
	updatedAt time.Time
}

func (m mergeRequest) subject() string { return mergeRequestID(m.projectID, m.iid) }

func (m mergeRequest) event(externalID string, kind models.EventKind, observed time.Time) models.RawEvent {
	return models.RawEvent{
		Source:      models.SourceTrackerB,
		ExternalID:  externalID,
		SubjectKind: subjectMergeRequest,
		SubjectID:   m.subject(),
		ObservedAt:  observed,
		Kind:        kind,
		Title:       m.title,
		URL:         m.url,
	}
}

func (g *GitLab) listMergeRequests(ctx context.Context, project string, opts *gitlab.ListProjectMergeRequestsOptions) ([]mergeRequest, error) {
	now := nowUTC(g.Now)
	var out []mergeRequest
	for {
		mrs, resp, err := g.Client.MergeRequests.ListProjectMergeRequests(project, opts, gitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("listing merge requests: %w", err)
		}
		for _, mr := range mrs {
			if mr == nil {
				continue
			}
			m := mergeRequest{
				projectID: int64(mr.ProjectID),
				iid:       int64(mr.IID),
				title:     mr.Title,
				url:       mr.WebURL,
				state:     mr.State,
				updatedAt: now,
			}
			if mr.UpdatedAt != nil {
				m.updatedAt = mr.UpdatedAt.UTC()
			}
			m.createdAt = m.updatedAt
			if mr.CreatedAt != nil {
				m.createdAt = mr.CreatedAt.UTC()
			}
			out = append(out, m)
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (g *GitLab) pollProject(ctx context.Context, project string, since time.Time) ([]models.RawEvent, error) {
	mrs, err := g.listMergeRequests(ctx, project, &gitlab.ListProjectMergeRequestsOptions{
		ListOptions: gitlab.ListOptions{
			Page:    1,
			PerPage: 100,
		},
		UpdatedAfter: gitlab.Ptr(since),
		OrderBy:      gitlab.Ptr("updated_at"),
		Sort:         gitlab.Ptr("asc"),
	})
	if err != nil {
		return nil, err
	}

	now := nowUTC(g.Now)
	var out []models.RawEvent
	for _, m := range mrs {
		subject := m.subject()
		switch m.state {
		case "merged":
			out = append(out, m.event("mr:"+subject+":merge", models.KindResolved, now))
			continue
		case "closed":
			out = append(out, m.event(fmt.Sprintf("mr:%s:close:%s", subject, unixID(m.updatedAt)), models.KindResolved, now))
			continue
		case "opened":
		default:
			continue
		}

		out = append(out, m.event("mr:"+subject+":open", models.KindReviewRequested, now))
		if m.updatedAt.After(m.createdAt) {
			out = append(out, m.event(fmt.Sprintf("mr:%s:update:%s", subject, unixID(m.updatedAt)), models.KindReviewRequested, now))
		}

		notes, err := g.listNotes(ctx, project, m.iid, since)
		if err != nil {
			return nil, err
		}
		for _, n := range notes {
			out = append(out, m.event(fmt.Sprintf("note:%d", n.id), models.KindCommentPosted, now))
		}
	}
	return out, nil
}

// pollStale emits pr_stale for open merge requests without activity for
// StaleAfterHours business hours. The id carries the last update so a merge
// request goes stale again after new activity.
func (g *GitLab) pollStale(ctx context.Context, project string) ([]models.RawEvent, error) {
	if g.StaleAfterHours <= 0 {
		return nil, nil
	}
	now := nowUTC(g.Now)
	// Business time never runs faster than wall time.
	cutoff := now.Add(-time.Duration(g.StaleAfterHours * float64(time.Hour)))
	mrs, err := g.listMergeRequests(ctx, project, &gitlab.ListProjectMergeRequestsOptions{
		ListOptions: gitlab.ListOptions{
			Page:    1,
			PerPage: 100,
		},
		State:         gitlab.Ptr("opened"),
		UpdatedBefore: gitlab.Ptr(cutoff),
		OrderBy:       gitlab.Ptr("updated_at"),
		Sort:          gitlab.Ptr("asc"),
	})
	if err != nil {
		return nil, err
	}

	var out []models.RawEvent
	for _, m := range mrs {
		if m.state != "opened" {
			continue
		}
		if calendar.ElapsedBusinessHours(m.updatedAt, now, g.Calendar) < g.StaleAfterHours {
			continue
		}
		out = append(out, m.event(fmt.Sprintf("stale:%s:%s", m.subject(), unixID(m.updatedAt)), models.KindPRStale, now))
	}
	return out, nil
}

type gitlabNote struct {
	id int64
}

// listNotes returns user notes created at or after since, newest pages first.
func (g *GitLab) listNotes(ctx context.Context, project string, iid int64, since time.Time) ([]gitlabNote, error) {
	opts := &gitlab.ListMergeRequestNotesOptions{
		ListOptions: gitlab.ListOptions{
			Page:    1,
			PerPage: 100,
		},
		OrderBy: gitlab.Ptr("created_at"),
		Sort:    gitlab.Ptr("desc"),
	}

	var out []gitlabNote
	for {
		notes, resp, err := g.Client.Notes.ListMergeRequestNotes(project, iid, opts, gitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("listing notes: %w", err)
		}
		for _, n := range notes {
			if n == nil || n.CreatedAt == nil {
				continue
			}
			if n.CreatedAt.Before(since) {
				return out, nil
			}
			if n.System {
				continue
			}
			out = append(out, gitlabNote{id: int64(n.ID)})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}
