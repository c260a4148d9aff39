package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/jiulingyun/wechat-bot/internal/domain"
)

// Fixed texts the backend bot is prompted with. Users never see these
// directly; they describe non-text input and relay failures to the bot.
const (
	voiceTextPrefix      = "[语音消息]"
	voiceFailedText      = "[语音消息]语音转文字失败"
	imageFailedText      = "[图片消息]图片上传失败"
	fileFailedText       = "[文件消息]文件上传失败"
	videoFailedText      = "[视频消息]视频上传失败"
	emoticonHintText     = "[图片是用户发来的微信表情]"
	emoticonFailedText   = "[表情消息]表情获取失败"
	emoticonRecordText   = "这是一个表情消息"
	quotePrefix          = "[用户引用的消息]"
	noAvatarText         = "无头像"
	noMomentsBGText      = "无背景图片"
	unreadHintText       = "[**系统提示：未读消息处理**以上是未处理的微信消息，注意消息时间和当前时间差，找个合适的理由解释]"
	replyDelimiter       = "&&&"
	unreadTimeLayout     = "2006-01-02 15:04:05"
	chatLogSelfLabel     = "智能体："
	chatLogUserLabel     = "用户："
	inflightUserLabel    = "用户: "
	placeholderImage     = "[图片消息]"
	placeholderFile      = "[文件消息]"
	placeholderVideo     = "[视频消息]"
	placeholderVoice     = "[语音消息]"
	placeholderEmoticon  = "[表情消息]"
	defaultSystemMark    = "[系统消息]"
	failureFeedbackStart = "**[coze API请求失败]\n coze API返回的错误信息："
	failureFeedbackEnd   = "\n 你找个理由重新回复用户。"
)

// failureFeedback is fed back into the buffer so the bot accounts for its
// own failure on the next turn.
func failureFeedback(msg string) domain.ContentItem {
	return domain.Text{Text: failureFeedbackStart + msg + failureFeedbackEnd}
}

// splitReply splits a bot answer into separately sent fragments.
func splitReply(answer string) []string {
	var out []string
	for _, part := range strings.Split(answer, replyDelimiter) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// placeholder renders a non-text history entry for the chat log.
func placeholder(kind domain.EventKind, content string) string {
	switch kind {
	case domain.KindImage:
		return placeholderImage
	case domain.KindFile:
		return placeholderFile
	case domain.KindVideo:
		return placeholderVideo
	case domain.KindVoice:
		return placeholderVoice
	case domain.KindEmoticon:
		return placeholderEmoticon
	default:
		return content
	}
}

// itemText renders a buffered item for the chat log.
func itemText(item domain.ContentItem) string {
	switch v := item.(type) {
	case domain.Text:
		return v.Text
	case domain.ImageRef:
		return placeholderImage
	case domain.FileRef:
		return placeholderFile
	case domain.AudioRef:
		return placeholderVoice
	default:
		return ""
	}
}

// formatChatLog renders history (newest first, as returned by a
// HistoryReader) oldest first, followed by the in-flight batch.
func formatChatLog(history []domain.HistoryEntry, inflight []domain.ContentItem) string {
	var b strings.Builder
	for i := len(history) - 1; i >= 0; i-- {
		e := history[i]
		label := chatLogUserLabel
		if e.FromSelf {
			label = chatLogSelfLabel
		}
		b.WriteString(label)
		b.WriteString(placeholder(e.Kind, e.Content))
		b.WriteByte('\n')
	}
	for _, item := range inflight {
		b.WriteString(inflightUserLabel)
		b.WriteString(itemText(item))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatUnread(e domain.HistoryEntry) string {
	return fmt.Sprintf("[未读消息]\n消息时间：%s\n消息内容：%s", e.CreatedAt.Format(unreadTimeLayout), e.Content)
}

// formatQuoted renders the quoted part of a quote reply.
func formatQuoted(q *domain.QuotedMessage, body string) string {
	name := q.DisplayName
	if name == "" {
		name = q.FromUser
	}
	return fmt.Sprintf("%s[发送人：%s]%s", quotePrefix, name, body)
}

func genderText(sex string) string {
	switch sex {
	case "1":
		return "男"
	case "2":
		return "女"
	default:
		return "未知"
	}
}

// formatProfile builds the system-marked new-friend notice.
func formatProfile(mark string, v *domain.VerifyRequest, avatar, background string, now time.Time) string {
	var b strings.Builder
	b.WriteString(mark)
	b.WriteString("[新好友添加通知]\n")
	fmt.Fprintf(&b, "昵称：%s\n", v.Nickname)
	fmt.Fprintf(&b, "性别：%s\n", genderText(v.Sex))
	if v.Alias != "" {
		fmt.Fprintf(&b, "微信号：%s\n", v.Alias)
	}
	fmt.Fprintf(&b, "地区：%s\n", strings.TrimSpace(v.Province+" "+v.City))
	fmt.Fprintf(&b, "个性签名：%s\n", v.Sign)
	fmt.Fprintf(&b, "验证消息：%s\n", v.Content)
	fmt.Fprintf(&b, "头像描述：%s\n", avatar)
	fmt.Fprintf(&b, "朋友圈背景描述：%s\n", background)
	fmt.Fprintf(&b, "添加时间：%s", now.Format(unreadTimeLayout))
	return b.String()
}
