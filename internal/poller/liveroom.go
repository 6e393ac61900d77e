package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nkkko/lookout/internal/policy"
	"github.com/nkkko/lookout/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultLiveRoomEndpoint is the batch room status endpoint
const DefaultLiveRoomEndpoint = "https://api.live.bilibili.com/room/v1/Room/get_status_info_by_uids"

// Ensure LiveRoomPoller implements policy.StatusPoller
var _ policy.StatusPoller = (*LiveRoomPoller)(nil)

// LiveRoomPoller fetches the status of many live rooms by owner uid
type LiveRoomPoller struct {
	client   *Client
	endpoint string
	logger   zerolog.Logger
}

// NewLiveRoomPoller creates a live room poller; an empty endpoint selects
// the default
func NewLiveRoomPoller(client *Client, endpoint string) *LiveRoomPoller {
	if endpoint == "" {
		endpoint = DefaultLiveRoomEndpoint
	}
	return &LiveRoomPoller{
		client:   client,
		endpoint: endpoint,
		logger:   log.With().Str("component", "poller").Str("poller", "live_room").Logger(),
	}
}

type roomStatusRequest struct {
	UIDs []uint64 `json:"uids"`
}

type roomStatusResponse struct {
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type roomInfo struct {
	Title         string `json:"title"`
	Username      string `json:"uname"`
	LiveStatus    int    `json:"live_status"`
	RoomID        int64  `json:"room_id"`
	UID           int64  `json:"uid"`
	Online        int64  `json:"online"`
	Area          string `json:"area_v2_name"`
	CoverFromUser string `json:"cover_from_user"`
	Keyframe      string `json:"keyframe"`
}

// FetchBatch returns the status of every known room among keys. Results
// are keyed by the caller's keys, so "0100" and "100" both resolve to uid
// 100. Keys that are not numeric uids are skipped; uids the source does not
// know are absent from the result.
func (p *LiveRoomPoller) FetchBatch(ctx context.Context, keys []proto.EventKey) (map[proto.EventKey]policy.RoomStatus, error) {
	owners := make(map[uint64][]proto.EventKey, len(keys))
	uids := make([]uint64, 0, len(keys))
	for _, k := range keys {
		uid, err := strconv.ParseUint(string(k), 10, 64)
		if err != nil {
			p.logger.Warn().Str("event_key", string(k)).Msg("Skipping non-numeric room uid")
			continue
		}
		if _, seen := owners[uid]; !seen {
			uids = append(uids, uid)
		}
		owners[uid] = append(owners[uid], k)
	}

	result := make(map[proto.EventKey]policy.RoomStatus)
	if len(uids) == 0 {
		return result, nil
	}

	var resp roomStatusResponse
	if err := p.client.PostJSON(ctx, "live_room", p.endpoint, roomStatusRequest{UIDs: uids}, &resp); err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		msg := resp.Message
		if msg == "" {
			msg = resp.Msg
		}
		return nil, fmt.Errorf("live_room: source returned code %d: %s", resp.Code, msg)
	}

	// An empty result is encoded as an array instead of an object
	data := bytes.TrimSpace(resp.Data)
	if len(data) == 0 || data[0] != '{' {
		return result, nil
	}

	var rooms map[string]roomInfo
	if err := json.Unmarshal(data, &rooms); err != nil {
		return nil, fmt.Errorf("live_room: malformed room data: %w", err)
	}

	for raw, info := range rooms {
		uid, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			if info.UID <= 0 {
				p.logger.Debug().Str("uid", raw).Msg("Ignoring room with unparsable uid")
				continue
			}
			uid = uint64(info.UID)
		}
		for _, key := range owners[uid] {
			result[key] = policy.RoomStatus{
				UID:        key,
				RoomID:     info.RoomID,
				Title:      info.Title,
				Username:   info.Username,
				Area:       info.Area,
				Cover:      info.CoverFromUser,
				Keyframe:   info.Keyframe,
				Online:     info.Online,
				LiveStatus: info.LiveStatus,
			}
		}
	}
	return result, nil
}
