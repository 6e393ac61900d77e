package poller

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/nkkko/lookout/internal/policy"
	"github.com/nkkko/lookout/pkg/proto"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	// DefaultActivityEndpoint is the user lookup endpoint
	DefaultActivityEndpoint = "https://osu.ppy.sh/api/get_user"

	// DefaultActivityBaseURL prefixes relative links found in event html
	DefaultActivityBaseURL = "https://osu.ppy.sh"

	activityDateLayout = "2006-01-02 15:04:05"
)

// ErrUserNotFound is returned when the source knows no such user
var ErrUserNotFound = errors.New("user not found")

// Ensure ActivityPoller implements policy.ActivityPoller
var _ policy.ActivityPoller = (*ActivityPoller)(nil)

// ActivityPoller fetches the recent events of one user
type ActivityPoller struct {
	client   *Client
	endpoint string
	baseURL  string
	token    string
}

// NewActivityPoller creates an activity poller authenticated with token
func NewActivityPoller(client *Client, endpoint, baseURL, token string) *ActivityPoller {
	if endpoint == "" {
		endpoint = DefaultActivityEndpoint
	}
	if baseURL == "" {
		baseURL = DefaultActivityBaseURL
	}
	return &ActivityPoller{
		client:   client,
		endpoint: endpoint,
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
	}
}

type userResponse struct {
	Events []userEvent `json:"events"`
}

type userEvent struct {
	DisplayHTML string `json:"display_html"`
	BeatmapID   string `json:"beatmap_id"`
	Date        string `json:"date"`
}

// FetchRecent returns the recent activities of key, newest first. Events
// with an unparseable date are dropped.
func (p *ActivityPoller) FetchRecent(ctx context.Context, key proto.EventKey) ([]policy.Activity, error) {
	query := url.Values{}
	query.Set("k", p.token)
	query.Set("u", string(key))

	var users []userResponse
	if err := p.client.GetJSON(ctx, "activity", p.endpoint, query, &users); err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("activity %s: %w", key, ErrUserNotFound)
	}

	activities := make([]policy.Activity, 0, len(users[0].Events))
	for _, ev := range users[0].Events {
		at, err := time.ParseInLocation(activityDateLayout, ev.Date, time.UTC)
		if err != nil {
			continue
		}
		text, links := RenderHTML(ev.DisplayHTML)

		a := policy.Activity{
			Key:       key,
			At:        at,
			Text:      text,
			BeatmapID: ev.BeatmapID,
		}
		if len(links) > 0 {
			a.UserLink = p.absolute(links[0])
		}
		if len(links) > 1 {
			a.Link = p.absolute(links[1])
		} else if ev.BeatmapID != "" {
			a.Link = p.baseURL + "/b/" + ev.BeatmapID
		}
		activities = append(activities, a)
	}

	sort.SliceStable(activities, func(i, j int) bool {
		return activities[i].At.After(activities[j].At)
	})
	return activities, nil
}

func (p *ActivityPoller) absolute(link string) string {
	if strings.HasPrefix(link, "http://") || strings.HasPrefix(link, "https://") {
		return link
	}
	if !strings.HasPrefix(link, "/") {
		link = "/" + link
	}
	return p.baseURL + link
}

// RenderHTML flattens an html fragment into whitespace-collapsed text and
// the href of every anchor in document order
func RenderHTML(fragment string) (string, []string) {
	nodes, err := html.ParseFragment(strings.NewReader(fragment), &html.Node{
		Type:     html.ElementNode,
		Data:     "div",
		DataAtom: atom.Div,
	})
	if err != nil {
		return strings.Join(strings.Fields(fragment), " "), nil
	}

	var (
		text  strings.Builder
		links []string
		walk  func(n *html.Node)
	)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			text.WriteString(n.Data)
		case html.ElementNode:
			if n.DataAtom == atom.A {
				for _, attr := range n.Attr {
					if attr.Key == "href" && attr.Val != "" {
						links = append(links, attr.Val)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range nodes {
		walk(n)
	}

	return strings.Join(strings.Fields(text.String()), " "), links
}
