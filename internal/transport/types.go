package transport

import (
	"context"
	"strconv"
	"time"
)

type UpdateKind string

const (
	UpdateMessage      UpdateKind = "message"
	UpdateCallback     UpdateKind = "callback"
	UpdateMemberJoined UpdateKind = "member_joined"
	UpdateMemberLeft   UpdateKind = "member_left"
)

type ChatKind string

const (
	ChatPrivate ChatKind = "private"
	ChatGroup   ChatKind = "group"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
	Member   *MemberEvent
}

type Message struct {
	ID        int
	ChatID    int64
	ThreadID  int // telegram forum topic thread id (0 if none)
	ChatKind  ChatKind
	ChatTitle string

	FromID       int64
	FromUsername string
	FromName     string
	Text         string

	// MentionsBot is set when the text carries an @mention of the bot.
	MentionsBot bool
	// RepliesToBot is set when the message quotes a message the bot sent.
	RepliesToBot bool

	// Sender of the quoted message, if any.
	ReplyToFromID   int64
	ReplyToUsername string
	ReplyToName     string

	At time.Time
}

func (m *Message) IsGroup() bool { return m.ChatKind == ChatGroup }

// AddressedToBot reports whether the message mentions or quotes the bot.
func (m *Message) AddressedToBot() bool { return m.MentionsBot || m.RepliesToBot }

// UserKey is the platform-neutral identity of the sender.
func (m *Message) UserKey() string { return strconv.FormatInt(m.FromID, 10) }

// MemberEvent is a join or leave in a group chat.
type MemberEvent struct {
	ChatID    int64
	ChatTitle string
	UserID    int64
	Username  string
	Name      string
	At        time.Time
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// Recipient is a chat the bot has seen and can write to.
type Recipient struct {
	ChatID   int64
	Kind     ChatKind
	Username string
	Title    string
}

func (r Recipient) Target() ChatTarget { return ChatTarget{ChatID: r.ChatID} }

// MessageRef identifies one message the bot sent, enough to delete it later.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
	SentAt    time.Time
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyTo            int // message id to quote, 0 for none
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// Image is either inline bytes (Data) or a remote URL.
type Image struct {
	Data []byte
	Name string
	URL  string
}

type TextSender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

type Sender interface {
	TextSender
	SendImage(ctx context.Context, to ChatTarget, img Image, opt *SendOptions) (MessageRef, error)
}

type Deleter interface {
	Delete(ctx context.Context, ref MessageRef) error
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	Sender
	Deleter
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
