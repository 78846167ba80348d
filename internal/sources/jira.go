package sources

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/slawatch/backend/internal/models"
)

const (
	jiraTimeLayout = "2006-01-02T15:04:05.000-0700"
	jiraPageSize   = 50
	subjectTicket  = "ticket"
)

// Jira reads tickets from a Jira REST API and its webhooks.
type Jira struct {
	BaseURL string
	JQL     string
	// Secret verifies X-Hub-Signature. Deliveries are refused without one.
	Secret string
	Client *Client
	Now    func() time.Time
}

func NewJira(baseURL, email, token, jql, secret string, perSecond float64) *Jira {
	baseURL = strings.TrimRight(baseURL, "/")
	return &Jira{
		BaseURL: baseURL,
		JQL:     jql,
		Secret:  secret,
		Client: NewClient(baseURL, perSecond, func(r *http.Request) {
			r.SetBasicAuth(email, token)
		}),
	}
}

func (j *Jira) Name() models.Source { return models.SourceTrackerA }

type jiraComment struct {
	ID      string `json:"id"`
	Created string `json:"created"`
}

type jiraChangeItem struct {
	Field    string `json:"field"`
	ToString string `json:"toString"`
}

type jiraHistory struct {
	ID      string           `json:"id"`
	Created string           `json:"created"`
	Items   []jiraChangeItem `json:"items"`
}

type jiraIssue struct {
	Key    string `json:"key"`
	Fields struct {
		Summary string `json:"summary"`
		Comment struct {
			Comments []jiraComment `json:"comments"`
		} `json:"comment"`
	} `json:"fields"`
	Changelog struct {
		Histories []jiraHistory `json:"histories"`
	} `json:"changelog"`
}

type jiraWebhook struct {
	WebhookEvent string       `json:"webhookEvent"`
	Issue        *jiraIssue   `json:"issue"`
	Comment      *jiraComment `json:"comment"`
	Changelog    *jiraHistory `json:"changelog"`
}

type jiraSearchResult struct {
	StartAt    int         `json:"startAt"`
	MaxResults int         `json:"maxResults"`
	Total      int         `json:"total"`
	Issues     []jiraIssue `json:"issues"`
}

// jiraStatusKind maps a workflow status name onto an event kind.
func jiraStatusKind(status string) (models.EventKind, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "blocked", "on hold":
		return models.KindStatusBlocked, true
	case "pending approval", "awaiting approval", "waiting for approval":
		return models.KindApprovalPending, true
	case "done", "closed", "resolved", "cancelled", "canceled", "won't do":
		return models.KindResolved, true
	}
	return "", false
}

func (j *Jira) Normalize(header http.Header, body []byte) ([]models.RawEvent, error) {
	if j.Secret == "" {
		return nil, ErrUnauthorized
	}
	sig := strings.TrimPrefix(header.Get("X-Hub-Signature"), "sha256=")
	mac := hmac.New(sha256.New, []byte(j.Secret))
	mac.Write(body)
	if !equalSecret(sig, hex.EncodeToString(mac.Sum(nil))) {
		return nil, ErrUnauthorized
	}

	var payload jiraWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if payload.Issue == nil || payload.Issue.Key == "" {
		return nil, nil
	}
	// observed_at is when we saw the delivery, not when Jira recorded it.
	now := nowUTC(j.Now)

	switch payload.WebhookEvent {
	case "comment_created":
		if payload.Comment == nil {
			return nil, nil
		}
		return []models.RawEvent{j.commentEvent(*payload.Issue, *payload.Comment, now)}, nil
	case "jira:issue_updated", "jira:issue_created":
		if payload.Changelog == nil {
			return nil, nil
		}
		return j.historyEvents(*payload.Issue, *payload.Changelog, now), nil
	}
	return nil, nil
}

// PollSince runs the configured JQL restricted to recently updated issues and
// emits the comments and status changes made at or after since.
func (j *Jira) PollSince(ctx context.Context, since time.Time) ([]models.RawEvent, error) {
	now := nowUTC(j.Now)
	// Relative JQL dates avoid depending on the API user's timezone.
	minutes := int(math.Ceil(now.Sub(since).Minutes())) + 1
	if minutes < 1 {
		minutes = 1
	}
	jql := fmt.Sprintf("updated >= -%dm ORDER BY updated ASC", minutes)
	if strings.TrimSpace(j.JQL) != "" {
		jql = fmt.Sprintf("(%s) AND %s", j.JQL, jql)
	}

	var out []models.RawEvent
	for startAt := 0; ; {
		q := url.Values{}
		q.Set("jql", jql)
		q.Set("expand", "changelog")
		q.Set("fields", "summary,comment")
		q.Set("startAt", strconv.Itoa(startAt))
		q.Set("maxResults", strconv.Itoa(jiraPageSize))

		var page jiraSearchResult
		if err := j.Client.GetJSON(ctx, "/rest/api/2/search", q, &page); err != nil {
			return nil, fmt.Errorf("jira search: %w", err)
		}
		for _, issue := range page.Issues {
			out = append(out, j.issueEvents(issue, since, now)...)
		}
		startAt += len(page.Issues)
		if len(page.Issues) == 0 || startAt >= page.Total {
			break
		}
	}
	return out, nil
}

func (j *Jira) issueEvents(issue jiraIssue, since, now time.Time) []models.RawEvent {
	var out []models.RawEvent
	for _, c := range issue.Fields.Comment.Comments {
		created, ok := parseLooseTime(c.Created)
		if ok && created.Before(since) {
			continue
		}
		out = append(out, j.commentEvent(issue, c, now))
	}
	for _, h := range issue.Changelog.Histories {
		created, ok := parseLooseTime(h.Created)
		if ok && created.Before(since) {
			continue
		}
		out = append(out, j.historyEvents(issue, h, now)...)
	}
	return out
}

func (j *Jira) commentEvent(issue jiraIssue, c jiraComment, observed time.Time) models.RawEvent {
	return j.event(issue, "comment:"+c.ID, models.KindCommentPosted, observed)
}

func (j *Jira) historyEvents(issue jiraIssue, h jiraHistory, observed time.Time) []models.RawEvent {
	var out []models.RawEvent
	for _, item := range h.Items {
		if item.Field != "status" {
			continue
		}
		kind, ok := jiraStatusKind(item.ToString)
		if !ok {
			continue
		}
		out = append(out, j.event(issue, fmt.Sprintf("status:%s:%s", issue.Key, h.ID), kind, observed))
	}
	return out
}

func (j *Jira) event(issue jiraIssue, externalID string, kind models.EventKind, observed time.Time) models.RawEvent {
	ev := models.RawEvent{
		Source:      models.SourceTrackerA,
		ExternalID:  externalID,
		SubjectKind: subjectTicket,
		SubjectID:   issue.Key,
		ObservedAt:  observed,
		Kind:        kind,
		Title:       issue.Fields.Summary,
	}
	if j.BaseURL != "" {
		ev.URL = j.BaseURL + "/browse/" + issue.Key
	}
	return ev
}
