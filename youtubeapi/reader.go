package youtubeapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"google.golang.org/api/googleapi"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/chat-magnifier/chat"
)

const (
	// sessionCacheFor lets SessionID, LiveTitle and FetchNewMessages of one
	// pass share a single broadcast lookup.
	sessionCacheFor = 5 * time.Second
	maxChatResults  = 2000
	unknownChannel  = "..."
)

// ChatReader is a chat.Source over the YouTube live chat of the authorized
// channel. The page token is kept across polls so each fetch returns only new
// messages, and requests honor the server's pollingIntervalMillis.
type ChatReader struct {
	svc *yt.Service
	now func() time.Time

	mu         sync.Mutex
	liveChatID string
	title      string
	resolvedAt time.Time
	resolveErr error
	channel    string
	pageToken  string
	pageChatID string
	nextPollAt time.Time
}

var _ chat.Source = (*ChatReader)(nil)

func NewChatReader(svc *yt.Service) *ChatReader {
	return &ChatReader{svc: svc, now: time.Now}
}

// resolve finds the live chat id of the active broadcast. Results are cached
// for sessionCacheFor.
func (r *ChatReader) resolve(ctx context.Context) (string, string, error) {
	r.mu.Lock()
	if !r.resolvedAt.IsZero() && r.now().Sub(r.resolvedAt) < sessionCacheFor {
		id, title, err := r.liveChatID, r.title, r.resolveErr
		r.mu.Unlock()
		return id, title, err
	}
	r.mu.Unlock()

	id, title, err := r.lookup(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.liveChatID, r.title, r.resolveErr = id, title, err
	r.resolvedAt = r.now()
	return id, title, err
}

func (r *ChatReader) lookup(ctx context.Context) (string, string, error) {
	resp, err := r.svc.LiveBroadcasts.List([]string{"snippet"}).
		BroadcastStatus("active").MaxResults(5).Context(ctx).Do()
	if err != nil {
		return "", "", err
	}
	for _, b := range resp.Items {
		if b.Snippet != nil && b.Snippet.LiveChatId != "" {
			return b.Snippet.LiveChatId, b.Snippet.Title, nil
		}
	}

	// Fall back to the channel's own broadcasts in a live lifecycle state.
	mine, err := r.svc.LiveBroadcasts.List([]string{"snippet", "status"}).
		Mine(true).MaxResults(5).Context(ctx).Do()
	if err != nil {
		return "", "", err
	}
	for _, b := range mine.Items {
		if b.Snippet == nil || b.Snippet.LiveChatId == "" || b.Status == nil {
			continue
		}
		switch b.Status.LifeCycleStatus {
		case "live", "liveStarting":
			return b.Snippet.LiveChatId, b.Snippet.Title, nil
		}
	}
	return "", "", nil
}

// forget drops the cached session so the next call asks the API again.
func (r *ChatReader) forget() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvedAt = time.Time{}
	r.liveChatID = ""
}

func (r *ChatReader) SessionID(ctx context.Context) (chat.SessionID, error) {
	id, _, err := r.resolve(ctx)
	if err != nil {
		return chat.SessionID{}, err
	}
	if id == "" {
		return chat.NoSession, nil
	}
	return chat.Live(id), nil
}

// LiveTitle returns the active broadcast's title, then the default stream's
// title, then chat.NoLiveTitle.
func (r *ChatReader) LiveTitle(ctx context.Context) string {
	id, title, err := r.resolve(ctx)
	if err == nil && id != "" && title != "" {
		return title
	}
	if err != nil {
		slog.Warn("youtube live title lookup failed", slog.Any("err", err))
		return chat.NoLiveTitle
	}
	streams, err := r.svc.LiveStreams.List([]string{"snippet"}).Mine(true).MaxResults(1).Context(ctx).Do()
	if err != nil {
		slog.Warn("youtube live stream lookup failed", slog.Any("err", err))
		return chat.NoLiveTitle
	}
	if len(streams.Items) > 0 && streams.Items[0].Snippet != nil && streams.Items[0].Snippet.IsDefaultStream {
		return streams.Items[0].Snippet.Title
	}
	return chat.NoLiveTitle
}

// ChannelName returns the authorized channel's title, cached after the first
// successful lookup.
func (r *ChatReader) ChannelName(ctx context.Context) string {
	r.mu.Lock()
	name := r.channel
	r.mu.Unlock()
	if name != "" {
		return name
	}
	resp, err := r.svc.Channels.List([]string{"snippet"}).Mine(true).Context(ctx).Do()
	if err != nil {
		slog.Warn("youtube channel lookup failed", slog.Any("err", err))
		return unknownChannel
	}
	if len(resp.Items) == 0 || resp.Items[0].Snippet == nil {
		return unknownChannel
	}
	r.mu.Lock()
	r.channel = resp.Items[0].Snippet.Title
	r.mu.Unlock()
	return resp.Items[0].Snippet.Title
}

// FetchNewMessages returns the text messages posted since the last call.
// Calls made before the server's polling interval has elapsed return an empty
// batch without touching the API.
func (r *ChatReader) FetchNewMessages(ctx context.Context) chat.FetchResult {
	id, _, err := r.resolve(ctx)
	if err != nil {
		return chat.TransportFailure(err)
	}
	if id == "" {
		return chat.NoLiveSession()
	}

	r.mu.Lock()
	if r.pageChatID != id {
		r.pageChatID, r.pageToken, r.nextPollAt = id, "", time.Time{}
	}
	if r.now().Before(r.nextPollAt) {
		r.mu.Unlock()
		return chat.Fetched(nil)
	}
	token := r.pageToken
	r.mu.Unlock()

	call := r.svc.LiveChatMessages.List(id, []string{"snippet", "authorDetails"}).MaxResults(maxChatResults).Context(ctx)
	if token != "" {
		call = call.PageToken(token)
	}
	resp, err := call.Do()
	if err != nil {
		if chatGone(err) {
			r.forget()
			return chat.NoLiveSession()
		}
		return chat.TransportFailure(err)
	}
	if resp.OfflineAt != "" {
		r.forget()
		return chat.NoLiveSession()
	}

	r.mu.Lock()
	r.pageToken = resp.NextPageToken
	r.nextPollAt = r.now().Add(time.Duration(resp.PollingIntervalMillis) * time.Millisecond)
	r.mu.Unlock()

	var out []chat.RawMessage
	for _, item := range resp.Items {
		if item.Snippet == nil || item.AuthorDetails == nil || item.Snippet.Type != "textMessageEvent" {
			continue
		}
		published, err := time.Parse(time.RFC3339, item.Snippet.PublishedAt)
		if err != nil {
			// Left zero; the engine stamps its own receive time.
			slog.Debug("youtube chat item has unparseable publishedAt", slog.String("value", item.Snippet.PublishedAt), slog.Any("err", err))
		}
		out = append(out, chat.RawMessage{
			Author:      item.AuthorDetails.DisplayName,
			Text:        item.Snippet.DisplayMessage,
			PublishedAt: published,
		})
	}
	slog.Debug("youtube chat fetched", slog.Int("items", len(resp.Items)), slog.Int("messages", len(out)))
	return chat.Fetched(out)
}

// chatGone reports API errors meaning the live chat no longer exists.
func chatGone(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	if gerr.Code == http.StatusNotFound {
		return true
	}
	for _, e := range gerr.Errors {
		switch e.Reason {
		case "liveChatEnded", "liveChatDisabled", "liveChatNotFound":
			return true
		}
	}
	return false
}
