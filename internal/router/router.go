// Package router dispatches incoming transport updates to the moderation
// subsystems and implements the staff command surface.
package router

import (
	"context"
	"time"

	"guardbot/internal/modlog"
	"guardbot/internal/storage"
	kit "guardbot/internal/transport"
	"guardbot/pkg/logx"
)

// DefensePort is the slice of the join defense the router drives.
type DefensePort interface {
	HandleJoin(ctx context.Context, join kit.MemberJoin)
	SetThreshold(ctx context.Context, threshold time.Duration, expiresAt time.Time, actorID int64) error
	Threshold() (time.Duration, time.Time)
	Shutdown(ctx context.Context, actorID int64) error
	Open(ctx context.Context, actorID int64) error
	Status() string
}

// ForumPort is the slice of the help forum the router drives.
type ForumPort interface {
	HandleNewPost(ctx context.Context, ev kit.TopicEvent)
	HandleActivity(ctx context.Context, msg kit.Message)
	Close(ctx context.Context, threadID int, reason string) error
	Opener(threadID int) int64
	Tracked(threadID int) bool
}

// WatchPort is the slice of the watch service the router drives.
type WatchPort interface {
	HandleMessage(ctx context.Context, msg kit.Message)
	Watch(ctx context.Context, m kit.Member, reason string, actorID int64) error
	Unwatch(ctx context.Context, userID int64, reason string, actorID int64) error
	List() []storage.WatchEntry
}

// InfoPort renders the user and server summaries.
type InfoPort interface {
	UserInfo(ctx context.Context, userID int64) (string, error)
	ServerInfo(ctx context.Context) (string, error)
}

// HistoryPort exposes recent mod-log deliveries for /status.
type HistoryPort interface {
	Snapshot() []modlog.HistoryItem
}

type Config struct {
	OwnerUserIDs []int64

	// CommandTimeout bounds a single command handler. Default 30s.
	CommandTimeout time.Duration
}

type Deps struct {
	Adapter kit.Adapter
	Defense DefensePort
	Forum   ForumPort
	Watch   WatchPort
	Info    InfoPort
	History HistoryPort
	Log     logx.Logger
}

// Request carries one parsed command through the middleware chain.
type Request struct {
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
}

// Router consumes the adapter's update stream. Any subsystem port may be nil;
// its updates and commands are then ignored.
type Router struct {
	cfg Config
	log logx.Logger

	adapter kit.Adapter
	defense DefensePort
	forum   ForumPort
	watch   WatchPort
	info    InfoPort
	history HistoryPort

	owners map[int64]struct{}
	handle HandlerFunc
}

func New(cfg Config, deps Deps) *Router {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "router"))
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}

	owners := make(map[int64]struct{}, len(cfg.OwnerUserIDs))
	for _, id := range cfg.OwnerUserIDs {
		owners[id] = struct{}{}
	}

	r := &Router{
		cfg:     cfg,
		log:     log,
		adapter: deps.Adapter,
		defense: deps.Defense,
		forum:   deps.Forum,
		watch:   deps.Watch,
		info:    deps.Info,
		history: deps.History,
		owners:  owners,
	}
	r.handle = Chain(r.dispatch,
		MWRequestLog(log),
		MWPanicRecover(log),
		MWTimeout(cfg.CommandTimeout),
	)
	return r
}

// Run consumes updates until the context ends or the channel closes.
func (r *Router) Run(ctx context.Context, in <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case up, ok := <-in:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMemberJoin:
		if r.defense != nil && up.Join != nil {
			r.defense.HandleJoin(ctx, *up.Join)
		}
	case kit.UpdateTopicCreated:
		if r.forum != nil && up.Topic != nil {
			r.forum.HandleNewPost(ctx, *up.Topic)
		}
	case kit.UpdateMessage:
		if up.Message == nil {
			return
		}
		r.routeMessage(ctx, *up.Message)
	}
}

func (r *Router) routeMessage(ctx context.Context, msg kit.Message) {
	if cmd, args, ok := parseCommand(msg.Text); ok {
		req := &Request{
			Chat:    kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
			FromID:  msg.FromID,
			Command: cmd,
			Args:    args,
		}
		// Commands still count as thread activity.
		if r.forum != nil {
			r.forum.HandleActivity(ctx, msg)
		}
		if err := r.handle(ctx, req); err != nil {
			r.reply(ctx, req, "error: "+err.Error())
		}
		return
	}

	if r.forum != nil {
		r.forum.HandleActivity(ctx, msg)
	}
	if r.watch != nil {
		r.watch.HandleMessage(ctx, msg)
	}
}

func (r *Router) isOwner(id int64) bool {
	_, ok := r.owners[id]
	return ok
}

func (r *Router) reply(ctx context.Context, req *Request, text string) {
	if _, err := r.adapter.SendText(ctx, req.Chat, text, nil); err != nil {
		r.log.Debug("reply failed", logx.Int64("chat", req.Chat.ChatID), logx.Err(err))
	}
}
