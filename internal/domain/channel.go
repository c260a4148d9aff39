package domain

import (
	"context"
	"time"
)

// Sender transmits messages to the platform. Delivery success is not observed by the relay.
type Sender interface {
	SendText(ctx context.Context, to, text string, mentions []string) error
	SendImage(ctx context.Context, to, path string) error
	SendFile(ctx context.Context, to, path string) error
}

// Downloader fetches the media attached to an event to a local file.
type Downloader interface {
	Download(ctx context.Context, evt InboundEvent) (string, error)
}

// Platform is a messaging platform adapter (WeChat hook bridge, Telegram).
type Platform interface {
	Sender
	Downloader
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
}

// HistoryReader is implemented by platforms or stores that keep past messages.
type HistoryReader interface {
	// History returns up to limit entries for a conversation, newest first.
	History(ctx context.Context, userID string, limit int) ([]HistoryEntry, error)
	// Unread returns incoming text messages newer than since, oldest first.
	Unread(ctx context.Context, userID string, since time.Time) ([]HistoryEntry, error)
}

// FriendAcceptor is implemented by platforms that can approve friend requests.
type FriendAcceptor interface {
	AcceptFriend(ctx context.Context, req VerifyRequest) error
}

// ImageDecrypter is implemented by platforms whose sticker files need local decryption.
type ImageDecrypter interface {
	DecryptImage(ctx context.Context, src, dir string) (string, error)
}

// LoginNotifier is implemented by platforms that report a login event.
type LoginNotifier interface {
	OnLogin(fn func())
}
