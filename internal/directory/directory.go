// Package directory remembers the chats and users the bot has seen so that
// broadcasts know whom to reach and admin commands can resolve @usernames.
package directory

import (
	"context"
	"strconv"
	"strings"
	"time"

	"guardbot/internal/storage"
	"guardbot/internal/transport"
	logx "guardbot/pkg/logx"
)

type Directory struct {
	store storage.Store
	log   logx.Logger
	now   func() time.Time
}

func New(store storage.Store, log logx.Logger) *Directory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Directory{store: store, log: log, now: time.Now}
}

// Observe records the chat and sender of an inbound update. Storage errors are
// logged; the update is still handled.
func (d *Directory) Observe(ctx context.Context, u transport.Update) {
	switch {
	case u.Message != nil:
		m := u.Message
		d.saveChat(ctx, m.ChatID, m.ChatKind, m.ChatTitle, privateUsername(m.ChatKind, m.FromUsername))
		d.saveUser(ctx, m.FromID, m.FromUsername, m.FromName)
		if m.ReplyToFromID != 0 {
			d.saveUser(ctx, m.ReplyToFromID, m.ReplyToUsername, m.ReplyToName)
		}
	case u.Member != nil:
		ev := u.Member
		d.saveChat(ctx, ev.ChatID, transport.ChatGroup, ev.ChatTitle, "")
		d.saveUser(ctx, ev.UserID, ev.Username, ev.Name)
	case u.Callback != nil:
		d.saveUser(ctx, u.Callback.FromID, "", "")
	}
}

func privateUsername(kind transport.ChatKind, username string) string {
	if kind == transport.ChatPrivate {
		return username
	}
	return ""
}

func (d *Directory) saveChat(ctx context.Context, id int64, kind transport.ChatKind, title, username string) {
	if id == 0 {
		return
	}
	err := d.store.UpsertChat(ctx, storage.Chat{
		ID:       id,
		Kind:     string(kind),
		Title:    title,
		Username: username,
		SeenAt:   d.now(),
	})
	if err != nil {
		d.log.Debug("chat not recorded", logx.Int64("chat_id", id), logx.Err(err))
	}
}

func (d *Directory) saveUser(ctx context.Context, id int64, username, name string) {
	if id == 0 {
		return
	}
	err := d.store.UpsertUser(ctx, storage.User{ID: id, Username: username, Name: name, SeenAt: d.now()})
	if err != nil {
		d.log.Debug("user not recorded", logx.Int64("user_id", id), logx.Err(err))
	}
}

func (d *Directory) PrivateChats(ctx context.Context) ([]transport.Recipient, error) {
	return d.list(ctx, storage.KindPrivate)
}

func (d *Directory) GroupChats(ctx context.Context) ([]transport.Recipient, error) {
	return d.list(ctx, storage.KindGroup)
}

func (d *Directory) list(ctx context.Context, kind string) ([]transport.Recipient, error) {
	chats, err := d.store.ListChats(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]transport.Recipient, 0, len(chats))
	for _, c := range chats {
		out = append(out, transport.Recipient{
			ChatID:   c.ID,
			Kind:     transport.ChatKind(c.Kind),
			Username: c.Username,
			Title:    c.Title,
		})
	}
	return out, nil
}

// ResolveUser turns "@name", "name" or a numeric id into a user id.
func (d *Directory) ResolveUser(ctx context.Context, ref string) (int64, bool, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return 0, false, nil
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return id, id != 0, nil
	}
	u, ok, err := d.store.FindUserByUsername(ctx, ref)
	if err != nil || !ok {
		return 0, false, err
	}
	return u.ID, true, nil
}
