package sources

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/slawatch/backend/internal/models"
)

const (
	subjectThread        = "thread"
	slackSignatureMaxAge = 5 * time.Minute
	// slackResolveReaction on a thread's root message closes the thread.
	slackResolveReaction = "white_check_mark"
)

// Slack watches channels for messages that mention the bot user.
type Slack struct {
	BotUserID     string
	Channels      []string
	SigningSecret string
	Client        *Client
	Now           func() time.Time
}

func NewSlack(baseURL, token, botUserID, signingSecret string, channels []string, perSecond float64) *Slack {
	return &Slack{
		BotUserID:     botUserID,
		Channels:      channels,
		SigningSecret: signingSecret,
		Client: NewClient(baseURL, perSecond, func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+token)
		}),
	}
}

func (s *Slack) Name() models.Source { return models.SourceChat }

type slackMessage struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	User     string `json:"user"`
	BotID    string `json:"bot_id"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts"`
	Channel  string `json:"channel"`
	Reaction string `json:"reaction"`
	EventTS  string `json:"event_ts"`
	Item     struct {
		Channel string `json:"channel"`
		TS      string `json:"ts"`
	} `json:"item"`
}

type slackEnvelope struct {
	Type      string       `json:"type"`
	Challenge string       `json:"challenge"`
	EventID   string       `json:"event_id"`
	Event     slackMessage `json:"event"`
}

type slackHistory struct {
	OK               bool           `json:"ok"`
	Error            string         `json:"error"`
	Messages         []slackMessage `json:"messages"`
	HasMore          bool           `json:"has_more"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

// parseSlackTS converts a message timestamp like "1700000000.000100".
func parseSlackTS(ts string) (time.Time, bool) {
	secs, frac, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	var micros int64
	if frac != "" {
		for len(frac) < 6 {
			frac += "0"
		}
		micros, err = strconv.ParseInt(frac[:6], 10, 64)
		if err != nil {
			return time.Time{}, false
		}
	}
	return time.Unix(sec, micros*1000).UTC(), true
}

func formatSlackTS(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}

func (s *Slack) verify(header http.Header, body []byte) error {
	if s.SigningSecret == "" {
		return ErrUnauthorized
	}
	rawTS := header.Get("X-Slack-Request-Timestamp")
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return ErrUnauthorized
	}
	age := nowUTC(s.Now).Sub(time.Unix(ts, 0))
	if age > slackSignatureMaxAge || age < -slackSignatureMaxAge {
		return ErrUnauthorized
	}
	mac := hmac.New(sha256.New, []byte(s.SigningSecret))
	mac.Write([]byte("v0:" + rawTS + ":"))
	mac.Write(body)
	if !equalSecret(header.Get("X-Slack-Signature"), "v0="+hex.EncodeToString(mac.Sum(nil))) {
		return ErrUnauthorized
	}
	return nil
}

func (s *Slack) Normalize(header http.Header, body []byte) ([]models.RawEvent, error) {
	if err := s.verify(header, body); err != nil {
		return nil, err
	}
	var env slackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	switch env.Type {
	case "url_verification":
		return nil, &ChallengeError{Challenge: env.Challenge}
	case "event_callback":
	default:
		return nil, nil
	}

	msg := env.Event
	switch msg.Type {
	case "app_mention":
		if ev, ok := s.mentionEvent(msg.Channel, msg); ok {
			return []models.RawEvent{ev}, nil
		}
	case "message":
		if s.mentionsBot(msg) {
			if ev, ok := s.mentionEvent(msg.Channel, msg); ok {
				return []models.RawEvent{ev}, nil
			}
		}
	case "reaction_added":
		if msg.Reaction != slackResolveReaction || msg.Item.Channel == "" || msg.Item.TS == "" {
			return nil, nil
		}
		return []models.RawEvent{{
			Source:      models.SourceChat,
			ExternalID:  fmt.Sprintf("reaction:%s:%s:%s", msg.Item.Channel, msg.Item.TS, msg.EventTS),
			SubjectKind: subjectThread,
			SubjectID:   msg.Item.Channel + ":" + msg.Item.TS,
			ObservedAt:  nowUTC(s.Now),
			Kind:        models.KindResolved,
		}}, nil
	}
	return nil, nil
}

func (s *Slack) mentionsBot(msg slackMessage) bool {
	if s.BotUserID == "" || msg.Subtype != "" || msg.BotID != "" {
		return false
	}
	return strings.Contains(msg.Text, "<@"+s.BotUserID+">")
}

// mentionEvent keys the item by thread root so replies fold into one item.
func (s *Slack) mentionEvent(channel string, msg slackMessage) (models.RawEvent, bool) {
	if _, ok := parseSlackTS(msg.TS); channel == "" || !ok {
		return models.RawEvent{}, false
	}
	root := msg.ThreadTS
	if root == "" {
		root = msg.TS
	}
	title := strings.TrimSpace(msg.Text)
	if len(title) > 120 {
		title = title[:120]
	}
	return models.RawEvent{
		Source:      models.SourceChat,
		ExternalID:  channel + ":" + msg.TS,
		SubjectKind: subjectThread,
		SubjectID:   channel + ":" + root,
		ObservedAt:  nowUTC(s.Now),
		Kind:        models.KindCommentPosted,
		Title:       title,
	}, true
}

// PollSince reads each channel's history back to since and keeps bot mentions.
func (s *Slack) PollSince(ctx context.Context, since time.Time) ([]models.RawEvent, error) {
	var out []models.RawEvent
	for _, channel := range s.Channels {
		cursor := ""
		for {
			q := url.Values{}
			q.Set("channel", channel)
			q.Set("oldest", formatSlackTS(since))
			q.Set("limit", "200")
			if cursor != "" {
				q.Set("cursor", cursor)
			}
			var page slackHistory
			if err := s.Client.GetJSON(ctx, "/conversations.history", q, &page); err != nil {
				return nil, fmt.Errorf("slack history %s: %w", channel, err)
			}
			if !page.OK {
				return nil, fmt.Errorf("slack history %s: %s", channel, page.Error)
			}
			for _, msg := range page.Messages {
				if !s.mentionsBot(msg) {
					continue
				}
				if ev, ok := s.mentionEvent(channel, msg); ok {
					out = append(out, ev)
				}
			}
			cursor = page.ResponseMetadata.NextCursor
			if !page.HasMore || cursor == "" {
				break
			}
		}
	}
	return out, nil
}
