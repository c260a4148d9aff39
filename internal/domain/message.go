package domain

import "time"

// EventKind classifies an inbound platform event.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindText
	KindImage
	KindEmoticon
	KindVoice
	KindVideo
	KindFile
	KindQuote
	KindVerify
	KindSys
)

func (k EventKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindImage:
		return "image"
	case KindEmoticon:
		return "emoticon"
	case KindVoice:
		return "voice"
	case KindVideo:
		return "video"
	case KindFile:
		return "file"
	case KindQuote:
		return "quote"
	case KindVerify:
		return "verify"
	case KindSys:
		return "sys"
	default:
		return "unknown"
	}
}

// InboundEvent is a typed event delivered by a messaging platform.
type InboundEvent struct {
	ID        string
	Platform  string
	Kind      EventKind
	SenderID  string
	RoomID    string
	Content   string
	Extra     string // platform hint: local media path or download URL
	Self      bool
	Group     bool
	Timestamp int64 // unix milliseconds

	Quote  *QuotedMessage
	Verify *VerifyRequest
	Emoji  *EmojiRef
}

// Time converts the event timestamp, accepting seconds or milliseconds.
func (e InboundEvent) Time() time.Time {
	return time.Unix(NormalizeUnix(e.Timestamp), 0)
}

// QuotedMessage is the referenced message inside a quote reply.
type QuotedMessage struct {
	Title       string    // text of the new message
	OriginMsgID string    // id of the quoted message
	OriginKind  EventKind // kind of the quoted message
	FromUser    string
	DisplayName string
	Content     string
}

// VerifyRequest carries the fields of a friend request.
type VerifyRequest struct {
	FromUser     string
	EncryptUser  string
	Ticket       string
	Scene        int
	Nickname     string
	Sex          string
	Sign         string
	Alias        string
	Province     string
	City         string
	Content      string
	HeadImageURL string
	MomentsBGURL string
}

// EmojiRef points at the CDN copy of a sticker.
type EmojiRef struct {
	CDNURL string
	MD5    string
}

type OutboundKind int

const (
	OutboundText OutboundKind = iota
	OutboundImage
	OutboundFile
)

// OutboundItem is one send produced for a recipient.
type OutboundItem struct {
	Kind      OutboundKind
	Recipient string
	Text      string
	Path      string // image or file handle
	Mentions  []string
}

// HistoryEntry is one past message of a conversation.
type HistoryEntry struct {
	Kind      EventKind
	FromSelf  bool
	Content   string
	CreatedAt time.Time
}

// NormalizeUnix converts a millisecond timestamp to seconds; seconds pass through.
func NormalizeUnix(ts int64) int64 {
	if ts > 1_000_000_000_000 {
		return ts / 1000
	}
	return ts
}
