package realtime

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"blockverse/internal/feed"
	"blockverse/internal/models"
	"blockverse/internal/observability"
)

// Poller stands in for the push channel when none is available: it asks for
// posts created since the newest one seen and publishes them as new_post
// events, oldest first so the newest ends up at the head.
type Poller struct {
	src      feed.ActorSource
	out      Publisher
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	since uint64
}

// NewPoller creates a poller starting after since (nanoseconds).
func NewPoller(src feed.ActorSource, out Publisher, interval, timeout time.Duration, since uint64) *Poller {
	return &Poller{
		src:      src,
		out:      out,
		interval: interval,
		timeout:  timeout,
		since:    since,
		logger:   observability.GlobalLogger.With(slog.String("component", "push_poller")),
	}
}

// Since returns the creation time of the newest post seen.
func (p *Poller) Since() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.since
}

// Run polls every interval until ctx is done. Failed polls are logged and
// retried on the next tick.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
				p.logger.WarnContext(ctx, "poll latest posts", slog.String("error", err.Error()))
			}
		}
	}
}

// Poll fetches once and returns the number of events published.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	a, err := p.src.CurrentActor()
	if err != nil {
		return 0, err
	}
	since := p.Since()

	callCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	posts, err := a.GetLatestPosts(callCtx, since)
	if err != nil {
		return 0, err
	}

	sort.SliceStable(posts, func(i, j int) bool { return posts[i].CreatedAt < posts[j].CreatedAt })
	published := 0
	newest := since
	for _, post := range posts {
		if post.CreatedAt <= since {
			continue
		}
		if err := p.publish(post); err != nil {
			return published, err
		}
		published++
		if post.CreatedAt > newest {
			newest = post.CreatedAt
		}
	}

	p.mu.Lock()
	if newest > p.since {
		p.since = newest
	}
	p.mu.Unlock()
	return published, nil
}

func (p *Poller) publish(post models.Post) error {
	raw, err := EncodePost(TypeNewPost, post)
	if err != nil {
		return err
	}
	return p.out.Publish(raw)
}
