package poller

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nkkko/lookout/internal/policy"
)

const (
	// DefaultBeatmapEndpoint is the beatmap lookup endpoint
	DefaultBeatmapEndpoint = "https://osu.ppy.sh/api/get_beatmaps"

	// DefaultBeatmapCoverURL is formatted with the beatmap set id
	DefaultBeatmapCoverURL = "https://assets.ppy.sh/beatmaps/%s/covers/cover.jpg"

	// DefaultBeatmapCacheSize bounds the beatmaps kept in memory
	DefaultBeatmapCacheSize = 512
)

// ErrBeatmapNotFound is returned when the source knows no such beatmap
var ErrBeatmapNotFound = errors.New("beatmap not found")

// Ensure BeatmapPoller implements policy.BeatmapLookup
var _ policy.BeatmapLookup = (*BeatmapPoller)(nil)

// BeatmapPoller looks up beatmap details. Ranked beatmaps do not change,
// so found beatmaps are cached.
type BeatmapPoller struct {
	client   *Client
	endpoint string
	token    string
	cache    *lru.Cache
}

// NewBeatmapPoller creates a beatmap lookup authenticated with token
func NewBeatmapPoller(client *Client, endpoint, token string, cacheSize int) (*BeatmapPoller, error) {
	if endpoint == "" {
		endpoint = DefaultBeatmapEndpoint
	}
	if cacheSize <= 0 {
		cacheSize = DefaultBeatmapCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create beatmap cache: %w", err)
	}
	return &BeatmapPoller{
		client:   client,
		endpoint: endpoint,
		token:    token,
		cache:    cache,
	}, nil
}

// Numeric fields arrive as strings
type beatmapInfo struct {
	BeatmapID    string `json:"beatmap_id"`
	BeatmapSetID string `json:"beatmapset_id"`
	Title        string `json:"title"`
	Version      string `json:"version"`
	Stars        string `json:"difficultyrating"`
	CS           string `json:"diff_size"`
	OD           string `json:"diff_overall"`
	AR           string `json:"diff_approach"`
	HP           string `json:"diff_drain"`
}

// LookupBeatmap returns the details of beatmap id
func (p *BeatmapPoller) LookupBeatmap(ctx context.Context, id string) (*policy.Beatmap, error) {
	if cached, ok := p.cache.Get(id); ok {
		b := *cached.(*policy.Beatmap)
		return &b, nil
	}

	query := url.Values{}
	query.Set("k", p.token)
	query.Set("b", id)
	query.Set("limit", "1")

	var maps []beatmapInfo
	if err := p.client.GetJSON(ctx, "beatmap", p.endpoint, query, &maps); err != nil {
		return nil, err
	}
	if len(maps) == 0 {
		return nil, fmt.Errorf("beatmap %s: %w", id, ErrBeatmapNotFound)
	}

	info := maps[0]
	b := &policy.Beatmap{
		ID:      id,
		Title:   info.Title,
		Version: info.Version,
		Stars:   parseStat(info.Stars),
		CS:      parseStat(info.CS),
		OD:      parseStat(info.OD),
		AR:      parseStat(info.AR),
		HP:      parseStat(info.HP),
	}
	if set := strings.TrimSpace(info.BeatmapSetID); set != "" {
		b.CoverURL = fmt.Sprintf(DefaultBeatmapCoverURL, url.PathEscape(set))
	}

	p.cache.Add(id, b)
	cp := *b
	return &cp, nil
}

func parseStat(raw string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0
	}
	return v
}
