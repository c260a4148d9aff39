package channel

import (
	"encoding/xml"
	"strings"

	"github.com/jiulingyun/wechat-bot/internal/domain"
)

// verifyXML is the friend request payload; every field is an attribute of <msg>.
type verifyXML struct {
	XMLName     xml.Name `xml:"msg"`
	FromUser    string   `xml:"fromusername,attr"`
	EncryptUser string   `xml:"encryptusername,attr"`
	Ticket      string   `xml:"ticket,attr"`
	Scene       int      `xml:"scene,attr"`
	Nickname    string   `xml:"fromnickname,attr"`
	Sex         string   `xml:"sex,attr"`
	Sign        string   `xml:"sign,attr"`
	Alias       string   `xml:"alias,attr"`
	Province    string   `xml:"province,attr"`
	City        string   `xml:"city,attr"`
	Content     string   `xml:"content,attr"`
	BigHead     string   `xml:"bigheadimgurl,attr"`
	SnsBG       string   `xml:"snsbgimgid,attr"`
}

type emojiXML struct {
	XMLName xml.Name `xml:"msg"`
	Emoji   struct {
		CDNURL string `xml:"cdnurl,attr"`
		MD5    string `xml:"md5,attr"`
	} `xml:"emoji"`
}

type appMsgXML struct {
	XMLName xml.Name `xml:"msg"`
	AppMsg  struct {
		Title    string `xml:"title"`
		Type     int    `xml:"type"`
		ReferMsg *struct {
			Type        int    `xml:"type"`
			SvrID       string `xml:"svrid"`
			FromUsr     string `xml:"fromusr"`
			ChatUsr     string `xml:"chatusr"`
			DisplayName string `xml:"displayname"`
			Content     string `xml:"content"`
		} `xml:"refermsg"`
	} `xml:"appmsg"`
}

// decodeXML is lenient: hook payloads often carry unescaped ampersands
// and HTML entities.
func decodeXML(raw string, v any) error {
	d := xml.NewDecoder(strings.NewReader(strings.TrimSpace(raw)))
	d.Strict = false
	d.AutoClose = xml.HTMLAutoClose
	d.Entity = xml.HTMLEntity
	return d.Decode(v)
}

func parseVerify(raw string) *domain.VerifyRequest {
	var v verifyXML
	if err := decodeXML(raw, &v); err != nil {
		return nil
	}
	return &domain.VerifyRequest{
		FromUser:     v.FromUser,
		EncryptUser:  v.EncryptUser,
		Ticket:       v.Ticket,
		Scene:        v.Scene,
		Nickname:     v.Nickname,
		Sex:          v.Sex,
		Sign:         v.Sign,
		Alias:        v.Alias,
		Province:     v.Province,
		City:         v.City,
		Content:      v.Content,
		HeadImageURL: v.BigHead,
		MomentsBGURL: v.SnsBG,
	}
}

func parseEmoji(raw string) *domain.EmojiRef {
	var e emojiXML
	if err := decodeXML(raw, &e); err != nil || e.Emoji.CDNURL == "" {
		return nil
	}
	return &domain.EmojiRef{CDNURL: e.Emoji.CDNURL, MD5: e.Emoji.MD5}
}

func parseAppMsg(raw string) (*appMsgXML, bool) {
	var a appMsgXML
	if err := decodeXML(raw, &a); err != nil {
		return nil, false
	}
	return &a, true
}

func (a *appMsgXML) quote() *domain.QuotedMessage {
	r := a.AppMsg.ReferMsg
	return &domain.QuotedMessage{
		Title:       a.AppMsg.Title,
		OriginMsgID: r.SvrID,
		OriginKind:  messageKind(r.Type, r.Content),
		FromUser:    r.FromUsr,
		DisplayName: r.DisplayName,
		Content:     r.Content,
	}
}
