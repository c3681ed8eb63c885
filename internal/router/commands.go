package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	kit "guardbot/internal/transport"
)

var errNotAllowed = errors.New("you are not allowed to do that")

const helpText = `Commands:
/defense status
/defense <min-age> [for <duration>]  e.g. /defense 30d for 48h
/defense off | shutdown | open
/watch <user-id> [reason]
/unwatch <user-id> [reason]
/watched
/close
/user [user-id]
/server
/status`

// parseCommand splits "/cmd@bot arg1 arg2" into ("cmd", ["arg1","arg2"]).
func parseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text)
	cmd := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	if cmd == "" {
		return "", nil, false
	}
	return strings.ToLower(cmd), fields[1:], true
}

func (r *Router) dispatch(ctx context.Context, req *Request) error {
	switch req.Command {
	case "defense":
		return r.cmdDefense(ctx, req)
	case "watch":
		return r.cmdWatch(ctx, req)
	case "unwatch":
		return r.cmdUnwatch(ctx, req)
	case "watched":
		return r.cmdWatched(ctx, req)
	case "close":
		return r.cmdClose(ctx, req)
	case "user":
		return r.cmdUser(ctx, req)
	case "server":
		return r.cmdServer(ctx, req)
	case "status":
		return r.cmdStatus(ctx, req)
	case "help", "start":
		r.reply(ctx, req, helpText)
		return nil
	default:
		// Unknown commands stay silent so the bot can share a chat with others.
		return nil
	}
}

func (r *Router) cmdDefense(ctx context.Context, req *Request) error {
	if r.defense == nil {
		return nil
	}
	if len(req.Args) == 0 || req.Args[0] == "status" {
		r.reply(ctx, req, r.defense.Status())
		return nil
	}
	if !r.isOwner(req.FromID) {
		return errNotAllowed
	}

	switch req.Args[0] {
	case "off":
		if err := r.defense.SetThreshold(ctx, 0, time.Time{}, req.FromID); err != nil {
			return err
		}
	case "shutdown":
		if err := r.defense.Shutdown(ctx, req.FromID); err != nil {
			return err
		}
	case "open":
		if err := r.defense.Open(ctx, req.FromID); err != nil {
			return err
		}
	default:
		threshold, err := parseDur(req.Args[0])
		if err != nil {
			return fmt.Errorf("bad minimum age %q (try 30d, 12h)", req.Args[0])
		}
		var expiresAt time.Time
		if len(req.Args) >= 3 && req.Args[1] == "for" {
			d, err := parseDur(req.Args[2])
			if err != nil {
				return fmt.Errorf("bad duration %q (try 48h, 7d)", req.Args[2])
			}
			expiresAt = time.Now().Add(d)
		}
		if err := r.defense.SetThreshold(ctx, threshold, expiresAt, req.FromID); err != nil {
			return err
		}
	}
	r.reply(ctx, req, r.defense.Status())
	return nil
}

func (r *Router) cmdWatch(ctx context.Context, req *Request) error {
	if r.watch == nil {
		return nil
	}
	if !r.isOwner(req.FromID) {
		return errNotAllowed
	}
	if len(req.Args) == 0 {
		return errors.New("usage: /watch <user-id> [reason]")
	}
	userID, err := strconv.ParseInt(req.Args[0], 10, 64)
	if err != nil || userID <= 0 {
		return fmt.Errorf("bad user id %q", req.Args[0])
	}
	reason := strings.Join(req.Args[1:], " ")
	if reason == "" {
		reason = "no reason given"
	}
	if err := r.watch.Watch(ctx, kit.Member{UserID: userID}, reason, req.FromID); err != nil {
		return err
	}
	r.reply(ctx, req, fmt.Sprintf("watching user %d", userID))
	return nil
}

func (r *Router) cmdUnwatch(ctx context.Context, req *Request) error {
	if r.watch == nil {
		return nil
	}
	if !r.isOwner(req.FromID) {
		return errNotAllowed
	}
	if len(req.Args) == 0 {
		return errors.New("usage: /unwatch <user-id> [reason]")
	}
	userID, err := strconv.ParseInt(req.Args[0], 10, 64)
	if err != nil || userID <= 0 {
		return fmt.Errorf("bad user id %q", req.Args[0])
	}
	reason := strings.Join(req.Args[1:], " ")
	if err := r.watch.Unwatch(ctx, userID, reason, req.FromID); err != nil {
		return err
	}
	r.reply(ctx, req, fmt.Sprintf("stopped watching user %d", userID))
	return nil
}

func (r *Router) cmdWatched(ctx context.Context, req *Request) error {
	if r.watch == nil {
		return nil
	}
	if !r.isOwner(req.FromID) {
		return errNotAllowed
	}
	list := r.watch.List()
	if len(list) == 0 {
		r.reply(ctx, req, "nobody is watched")
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d watched:\n", len(list))
	for _, w := range list {
		name := w.Username
		if name == "" {
			name = "?"
		}
		fmt.Fprintf(&b, "• %d (@%s) since %s: %s\n",
			w.UserID, name, w.WatchedAt.UTC().Format("2006-01-02"), w.Reason)
	}
	r.reply(ctx, req, strings.TrimRight(b.String(), "\n"))
	return nil
}

func (r *Router) cmdClose(ctx context.Context, req *Request) error {
	if r.forum == nil {
		return nil
	}
	if req.Chat.ThreadID == 0 {
		return errors.New("/close only works inside a help post")
	}
	if !r.forum.Tracked(req.Chat.ThreadID) {
		return errors.New("this post is not open")
	}
	if !r.isOwner(req.FromID) && r.forum.Opener(req.Chat.ThreadID) != req.FromID {
		return errNotAllowed
	}
	return r.forum.Close(ctx, req.Chat.ThreadID, "closed on request")
}

func (r *Router) cmdUser(ctx context.Context, req *Request) error {
	if r.info == nil {
		return nil
	}
	userID := req.FromID
	if len(req.Args) > 0 {
		// Anyone may look themselves up; other users are staff-only.
		if !r.isOwner(req.FromID) {
			return errNotAllowed
		}
		id, err := strconv.ParseInt(req.Args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("bad user id %q", req.Args[0])
		}
		userID = id
	}
	text, err := r.info.UserInfo(ctx, userID)
	if err != nil {
		return err
	}
	r.reply(ctx, req, text)
	return nil
}

func (r *Router) cmdServer(ctx context.Context, req *Request) error {
	if r.info == nil {
		return nil
	}
	text, err := r.info.ServerInfo(ctx)
	if err != nil {
		return err
	}
	r.reply(ctx, req, text)
	return nil
}

func (r *Router) cmdStatus(ctx context.Context, req *Request) error {
	if !r.isOwner(req.FromID) {
		return errNotAllowed
	}
	var lines []string
	if r.defense != nil {
		lines = append(lines, r.defense.Status())
	}
	if r.watch != nil {
		lines = append(lines, fmt.Sprintf("watches: %d active", len(r.watch.List())))
	}
	if r.history != nil {
		items := r.history.Snapshot()
		line := fmt.Sprintf("modlog: %d recent deliveries", len(items))
		if len(items) > 0 {
			last := items[len(items)-1]
			line += ", last " + last.At.UTC().Format("15:04:05 MST")
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		lines = append(lines, "nothing enabled")
	}
	r.reply(ctx, req, strings.Join(lines, "\n"))
	return nil
}

// parseDur parses a duration accepting day and week suffixes on top of the
// usual h/m/s units.
func parseDur(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for suffix, unit := range map[string]time.Duration{"d": 24 * time.Hour, "w": 7 * 24 * time.Hour} {
		if strings.HasSuffix(s, suffix) {
			n, err := strconv.ParseFloat(strings.TrimSuffix(s, suffix), 64)
			if err != nil {
				return 0, fmt.Errorf("bad duration %q", s)
			}
			return time.Duration(n * float64(unit)), nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("bad duration %q", s)
	}
	return d, nil
}
